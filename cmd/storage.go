package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newStorageCmd groups the backend storage subcommands.
func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspects converted files held by the backend",
	}
	cmd.AddCommand(newStorageListCmd(), newStorageShowCmd(), newStorageDeleteCmd())
	return cmd
}

func newStorageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists converted files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, client, err := resolveBackend(cmd.Context())
			if err != nil {
				return err
			}
			files, err := client.ListStorage(cmd.Context())
			if err != nil {
				return fmt.Errorf("list storage: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILENAME\tSIZE\tMODIFIED\tCONVERSION")
			for _, f := range files {
				conversion := "-"
				if f.ConversionID != nil {
					conversion = *f.ConversionID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Filename, f.SizeFormatted, f.Modified, conversion)
			}
			return tw.Flush()
		},
	}
}

func newStorageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show FILENAME",
		Short: "Prints a converted file's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := resolveBackend(cmd.Context())
			if err != nil {
				return err
			}
			file, err := client.GetStorageFile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			fmt.Fprint(cmd.OutOrStdout(), file.Content)
			if !strings.HasSuffix(file.Content, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func newStorageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete FILENAME",
		Short: "Deletes a converted file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := resolveBackend(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.DeleteStorageFile(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
