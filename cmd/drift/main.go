package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftfs/driftfs/internal/client"
	"github.com/driftfs/driftfs/internal/client/config"
	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/version"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "drift",
	Short:   "DriftFS sync client",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		fmt.Println(cyan(version.ShortWithApp()))

		d, err := client.NewDaemon(cfg)
		if err != nil {
			return err
		}
		defer slog.Info("Bye!")
		return d.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("email", "e", "", "User identity to sync as")
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Directory to keep in sync")
	rootCmd.Flags().StringP("server", "s", config.DefaultServerURL, "DriftFS server URL")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "DriftFS config file")
}

func main() {
	logFile := filepath.Join(config.DefaultConfigDir, "logs", "drift.log")
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create log directory: %v\n", err)
		os.Exit(1)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// The interceptor stamps its own time.
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	viper.SetConfigFile(configPath)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("email", cmd.Flags().Lookup("email"))       //nolint:errcheck
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))  //nolint:errcheck
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server")) //nolint:errcheck

	viper.SetEnvPrefix("DRIFT")
	viper.AutomaticEnv()
	return nil
}

func configFromViper() *config.Config {
	return &config.Config{
		Path:         viper.ConfigFileUsed(),
		Email:        viper.GetString("email"),
		DataDir:      viper.GetString("data_dir"),
		ServerURL:    viper.GetString("server_url"),
		RefreshToken: viper.GetString("refresh_token"),
		AccessToken:  viper.GetString("access_token"),
	}
}
