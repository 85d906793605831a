// Package cmd is the ballot-ledger command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/echa/config"
	logpkg "github.com/echa/log"
	"github.com/spf13/cobra"
)

const (
	APP_NAME   = "ballot-ledger"
	ENV_PREFIX = "BALLOT"
)

var rootCmd = &cobra.Command{
	Use:           APP_NAME + " [OPTIONS] [COMMANDS]",
	Short:         "Voting records with ledger reconciliation",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// overwrite path from command line
		if dbpath != "" {
			config.Set("store.path", dbpath)
		}
	},
}

var (
	conf     string
	testconf bool
	dbpath   string

	// verbosity levels
	verbose bool
	vdebug  bool
	vtrace  bool
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&conf, "config", "c", "", "config file")
	rootCmd.PersistentFlags().BoolVarP(&testconf, "test", "t", false, "test configuration and exit")
	rootCmd.PersistentFlags().StringVarP(&dbpath, "dbpath", "p", "", "record store `path` (leveldb engine)")

	rootCmd.PersistentFlags().BoolVar(&verbose, "v", false, "be verbose")
	rootCmd.PersistentFlags().BoolVar(&vdebug, "vv", false, "debug mode")
	rootCmd.PersistentFlags().BoolVar(&vtrace, "vvv", false, "trace mode")
}

func Run() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	switch {
	case vtrace:
		setLogLevels(logpkg.LevelTrace)
	case vdebug:
		setLogLevels(logpkg.LevelDebug)
	default:
		setLogLevels(logpkg.LevelInfo)
	}

	config.SetEnvPrefix(ENV_PREFIX)
	if conf != "" {
		config.SetConfigName(conf)
	}
	realconf := config.ConfigName()
	if _, err := os.Stat(realconf); err == nil {
		if err := config.ReadConfigFile(); err != nil {
			fmt.Printf("Could not read config %s: %v\n", realconf, err)
			os.Exit(1)
		}
		log.Infof("Using configuration file %s", realconf)
	} else {
		log.Warn("Missing config file, using default values.")
	}
	initLogging()

	// overwrite all subsystem levels
	switch {
	case vtrace:
		setLogLevels(logpkg.LevelTrace)
	case vdebug:
		setLogLevels(logpkg.LevelDebug)
	case verbose:
		setLogLevels(logpkg.LevelInfo)
	}

	if testconf {
		print(config.All())
		log.Info("Configuration OK.")
		os.Exit(0)
	}
}
