package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newFormatsCmd creates the 'formats' subcommand.
func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "Lists the file extensions the backend accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, client, err := resolveBackend(cmd.Context())
			if err != nil {
				return err
			}
			formats, err := client.SupportedFormats(cmd.Context())
			if err != nil {
				return fmt.Errorf("supported formats: %w", err)
			}
			for _, f := range formats {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
}
