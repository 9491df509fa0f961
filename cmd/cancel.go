package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the 'cancel' subcommand.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel CONVERSION_ID",
		Short: "Asks the backend to cancel a running conversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := resolveBackend(cmd.Context())
			if err != nil {
				return err
			}
			res, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel %s: %w", args[0], err)
			}
			if !res.Success {
				return fmt.Errorf("cancel %s: %s", args[0], res.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}
