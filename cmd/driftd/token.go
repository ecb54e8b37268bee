package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftfs/driftfs/internal/server/auth"
)

func init() {
	rootCmd.AddCommand(newTokenCmd())
}

// newTokenCmd issues an initial token pair for a user out of band. The pair
// is handed to the user, who puts the refresh token into their client
// config; rotation happens over the refresh endpoint from then on.
func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <username>",
		Short: "Issue an access/refresh token pair for a user",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serverConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			svc := auth.NewService(&cfg.Auth)
			if !svc.IsEnabled() {
				return fmt.Errorf("auth is disabled in the server config")
			}

			access, refresh, err := svc.IssueTokens(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("accessToken:  %s\n", access)
			fmt.Printf("refreshToken: %s\n", refresh)
			return nil
		},
	}
}
