// Package cmd defines the convprogress CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/backend"
	"github.com/JakeFAU/conversion-progress/internal/config"
	"github.com/JakeFAU/conversion-progress/internal/server"
)

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE resolves for every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newBackend is the backend client factory. It's a variable so tests can
// point commands at an httptest server without touching config.
var newBackend = func(cfg config.BackendConfig, logger *zap.Logger) (*backend.Client, error) {
	return server.NewBackend(cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "convprogress",
		Short: "Follows and drives document conversions on the conversion backend.",
		Long: `convprogress keeps a live table of conversion progress pushed by the
backend over a WebSocket channel, and wraps the backend's upload, cancel,
download and storage endpoints.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := server.NewLogger(&cfg)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the PROGRESS_ prefix)")

	cmd.AddCommand(
		newWatchCmd(),
		newConvertCmd(),
		newCancelCmd(),
		newDownloadCmd(),
		newStorageCmd(),
		newFormatsCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

func resolveBackend(ctx context.Context) (*env, *backend.Client, error) {
	e, err := resolveEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	client, err := newBackend(e.cfg.Backend, e.logger)
	if err != nil {
		return nil, nil, err
	}
	return e, client, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
