package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/backend"
	"github.com/JakeFAU/conversion-progress/internal/progress"
	"github.com/JakeFAU/conversion-progress/internal/server"
)

const progressCloseTimeout = 5 * time.Second

type convertOptions struct {
	aiMode         bool
	apiEnhancement bool
	wait           bool
}

// newConvertCmd creates the 'convert' subcommand.
func newConvertCmd() *cobra.Command {
	var opts convertOptions
	cmd := &cobra.Command{
		Use:   "convert FILE",
		Short: "Uploads a file for conversion and prints the result",
		Long: `Uploads FILE to the backend and blocks until the conversion finishes.
With --wait, progress pushed for the file is printed while the upload runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvertCommand(cmd, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.aiMode, "ai-mode", false, "use the backend's AI conversion mode")
	cmd.Flags().BoolVar(&opts.apiEnhancement, "api-enhancement", false, "enable API enhancement")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "print live progress from the progress channel")
	return cmd
}

func runConvertCommand(cmd *cobra.Command, file string, opts convertOptions) error {
	ctx := cmd.Context()
	e, client, err := resolveBackend(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			e.logger.Warn("Failed to close input", zap.String("file", file), zap.Error(cerr))
		}
	}()

	out := cmd.OutOrStdout()
	stopWatch := func() {}
	if opts.wait {
		stopWatch, err = followFile(ctx, e, filepath.Base(file), out)
		if err != nil {
			return err
		}
	}

	res, err := client.Upload(ctx, file, f, backend.UploadOptions{
		APIEnhancement: opts.apiEnhancement,
		AIMode:         opts.aiMode,
	})
	stopWatch()
	if err != nil {
		return fmt.Errorf("upload %s: %w", file, err)
	}
	printConversion(out, res)
	if res.Status == string(progress.StatusError) {
		return fmt.Errorf("conversion %s failed: %s", res.ID, res.ErrorMessage)
	}
	return nil
}

// followFile prints progress lines for entries whose file name matches name.
// The conversion id is only known once the upload returns, so entries are
// matched by file name. The returned func stops following and waits for the
// printer to drain; it is safe to call more than once.
func followFile(ctx context.Context, e *env, name string, out io.Writer) (func(), error) {
	pc, err := server.NewProgressClient(e.cfg.Channel, e.logger, nil)
	if err != nil {
		return nil, err
	}
	views, unsubscribe := pc.Subscribe(16)
	pc.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		last := make(map[string]int)
		for view := range views {
			for id, snap := range view.Table {
				if snap.FileName != name {
					continue
				}
				pct, ok := snap.Percent()
				if prev, seen := last[id]; !ok || (seen && prev == pct) {
					continue
				}
				last[id] = pct
				fmt.Fprintf(out, "%s %3d%% %s\n", id, pct, snap.CurrentStep)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
			pc.Stop()
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressCloseTimeout)
			defer cancel()
			if cerr := pc.Close(closeCtx); cerr != nil {
				e.logger.Warn("Failed to close progress client", zap.Error(cerr))
			}
		})
	}, nil
}

func printConversion(out io.Writer, res backend.ConversionResult) {
	fmt.Fprintf(out, "id:     %s\n", res.ID)
	fmt.Fprintf(out, "status: %s\n", res.Status)
	if res.OutputFile != "" {
		fmt.Fprintf(out, "output: %s\n", res.OutputFile)
	}
	if res.ProcessingTime != nil {
		fmt.Fprintf(out, "time:   %.2fs\n", *res.ProcessingTime)
	}
	if res.ErrorMessage != "" {
		fmt.Fprintf(out, "error:  %s\n", res.ErrorMessage)
	}
}
