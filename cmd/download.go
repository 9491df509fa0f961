package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newDownloadCmd creates the 'download' subcommand.
func newDownloadCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download FILENAME",
		Short: "Downloads a converted file",
		Long:  `Downloads FILENAME from the backend. Writes to stdout unless -o is given.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadCommand(cmd, args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this path instead of stdout")
	return cmd
}

func runDownloadCommand(cmd *cobra.Command, filename, output string) error {
	e, client, err := resolveBackend(cmd.Context())
	if err != nil {
		return err
	}
	body, _, err := client.Download(cmd.Context(), filename)
	if err != nil {
		return fmt.Errorf("download %s: %w", filename, err)
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			e.logger.Warn("Failed to close download body", zap.Error(cerr))
		}
	}()

	if output == "" {
		if _, err := io.Copy(cmd.OutOrStdout(), body); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
		return nil
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close() //nolint:errcheck // copy error wins
		return fmt.Errorf("write %s: %w", output, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", output, err)
	}
	e.logger.Info("Downloaded converted file", zap.String("file", filename), zap.String("path", output))
	return nil
}
