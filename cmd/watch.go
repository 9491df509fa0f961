package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/conversion-progress/internal/server"
)

// newWatchCmd creates the long-running 'watch' subcommand.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follows the progress channel and serves the status API",
		Long: `Connects to the backend's progress channel, keeps the live job table,
fans lifecycle events out to the configured sinks and serves /healthz,
/readyz, /metrics, /v1/progress and /v1/runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runWatchCommand,
	}
}

func runWatchCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), &e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	return app.Run(cmd.Context())
}
