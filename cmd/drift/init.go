package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftfs/driftfs/internal/client/config"
	"github.com/driftfs/driftfs/internal/utils"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

// newInitCmd writes the client config. The refresh token comes from the
// server operator (driftd token); servers running without auth need none.
func newInitCmd() *cobra.Command {
	var email string
	var dataDir string
	var serverURL string
	var refreshToken string

	cmd := &cobra.Command{
		Use:     "init",
		Aliases: []string{"login"},
		Short:   "Set up the DriftFS client config",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := cmd.Flag("config").Value.String()

			if cfg, err := config.Load(configPath); err == nil {
				fmt.Println(green("Already configured"))
				fmt.Printf("  config: %s\n  email: %s\n  dataDir: %s\n  server: %s\n",
					cfg.Path, cfg.Email, cfg.DataDir, cfg.ServerURL)
				return nil
			}

			resolvedDataDir, err := utils.ResolvePath(dataDir)
			if err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}

			cfg := &config.Config{
				Email:        email,
				DataDir:      resolvedDataDir,
				ServerURL:    serverURL,
				RefreshToken: refreshToken,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}

			fmt.Println(green("Config written to " + configPath))
			fmt.Println("Run", cyan("drift"), "to start syncing", resolvedDataDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "User identity to sync as")
	cmd.Flags().StringVarP(&dataDir, "datadir", "d", config.DefaultDataDir, "Directory to keep in sync")
	cmd.Flags().StringVarP(&serverURL, "server", "s", config.DefaultServerURL, "DriftFS server URL")
	cmd.Flags().StringVarP(&refreshToken, "token", "t", "", "Refresh token issued by the server")
	cmd.MarkFlagRequired("email") //nolint:errcheck

	return cmd
}
