package cmd

import (
	"fmt"

	"ballot-ledger/auth"
	ballotcfg "ballot-ledger/config"
	"ballot-ledger/models"

	"github.com/spf13/cobra"
)

var (
	tokenRole     string
	tokenDistrict string
	tokenArea     int
)

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleAdmin), "super_admin or admin")
	tokenCmd.Flags().StringVar(&tokenDistrict, "district", "", "district of a scoped admin")
	tokenCmd.Flags().IntVar(&tokenArea, "area", 0, "area number of a scoped admin")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT",
	Short: "Issue an admin API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := ballotcfg.Load()
		if err != nil {
			return err
		}
		tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		actor := auth.Actor{Subject: args[0], Role: auth.Role(tokenRole)}
		switch actor.Role {
		case auth.RoleSuperAdmin:
		case auth.RoleAdmin:
			area := models.Area{District: tokenDistrict, AreaNo: tokenArea}
			if err := area.Validate(); err != nil {
				return err
			}
			actor.District, actor.AreaNo = area.District, area.AreaNo
		default:
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		tok, err := tokens.Issue(actor)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}
