package cmd

import (
	"os"

	"ballot-ledger/api"
	"ballot-ledger/blockchain/devchain"
	"ballot-ledger/blockchain/evm"
	"ballot-ledger/service"
	"ballot-ledger/storage"

	"github.com/echa/config"
	logpkg "github.com/echa/log"
)

var (
	log     = logpkg.NewLogger("MAIN") // main program
	ledgLog = logpkg.NewLogger("LEDG") // ledger clients
	storLog = logpkg.NewLogger("STOR") // record store and audit db
	servLog = logpkg.NewLogger("SERV") // coordinators and reconciliation
	httpLog = logpkg.NewLogger("HTTP") // api server
)

func init() {
	useLoggers()
}

var subsystemLoggers = map[string]logpkg.Logger{
	"MAIN": log,
	"LEDG": ledgLog,
	"STOR": storLog,
	"SERV": servLog,
	"HTTP": httpLog,
}

func useLoggers() {
	evm.UseLogger(ledgLog)
	devchain.UseLogger(ledgLog)
	storage.UseLogger(storLog)
	service.UseLogger(servLog)
	api.UseLogger(httpLog)
}

func initLogging() {
	cfg := logpkg.NewConfig()
	cfg.Level = logpkg.ParseLevel(config.GetString("logging.level"))
	cfg.Flags = logpkg.ParseFlags(config.GetString("logging.flags"))
	cfg.Backend = config.GetString("logging.backend")
	cfg.Filename = config.GetString("logging.filename")
	cfg.FileMode = os.FileMode(config.GetInt("logging.filemode"))
	logpkg.Init(cfg)

	log = logpkg.NewLogger("MAIN")
	ledgLog = logpkg.NewLogger("LEDG")
	ledgLog.SetLevel(logpkg.ParseLevel(config.GetString("logging.ledger")))
	storLog = logpkg.NewLogger("STOR")
	storLog.SetLevel(logpkg.ParseLevel(config.GetString("logging.store")))
	servLog = logpkg.NewLogger("SERV")
	servLog.SetLevel(logpkg.ParseLevel(config.GetString("logging.service")))
	httpLog = logpkg.NewLogger("HTTP")
	httpLog.SetLevel(logpkg.ParseLevel(config.GetString("logging.server")))
	useLoggers()

	subsystemLoggers = map[string]logpkg.Logger{
		"MAIN": log,
		"LEDG": ledgLog,
		"STOR": storLog,
		"SERV": servLog,
		"HTTP": httpLog,
	}
}

// setLogLevels sets the log level for all subsystem loggers.
func setLogLevels(level logpkg.Level) {
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
