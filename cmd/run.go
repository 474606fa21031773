package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
	"github.com/xkilldash9x/pdfharvest/internal/observability"
	"github.com/xkilldash9x/pdfharvest/internal/server"
)

// errRunFailed is returned when a foreground run ends in anything but success.
var errRunFailed = errors.New("harvest did not complete successfully")

// newRunCmd creates the `run` command, which performs one harvest in the
// foreground and prints its progress lines to stdout.
func newRunCmd() *cobra.Command {
	var (
		loginURL   string
		tableURLs  []string
		folder     string
		startIndex string
		report     bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one harvest in the foreground and prints its progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}

			// Progress lines are printed directly; the console core would
			// only repeat them. The log file still records everything.
			logger := observability.NewLogger(cfg.Logger, zapcore.AddSync(io.Discard))
			defer func() { _ = logger.Sync() }()

			orch, err := newOrchestrator(cfg, logger)
			if err != nil {
				return err
			}

			req := schemas.RunRequest{
				LoginURL:   loginURL,
				TableURLs:  tableURLs,
				FolderName: folder,
				StartIndex: schemas.StartIndex(schemas.NormalizeStartIndex(startIndex)),
			}

			out := cmd.OutOrStdout()
			outcome, err := runAndStream(cmd.Context(), orch, req, out, cfg.Server.StreamPollInterval)
			if err != nil {
				return err
			}
			return printOutcome(out, outcome, report)
		},
	}

	flags := runCmd.Flags()
	flags.StringVar(&loginURL, "login-url", "", "login page to open first (required)")
	flags.StringArrayVar(&tableURLs, "url", nil, "table page to harvest; repeat for several tables (required)")
	flags.StringVar(&folder, "folder", "", "folder under the output directory to save PDFs in (required)")
	flags.StringVar(&startIndex, "start-index", "1", "1-based row to start at in every table")
	flags.BoolVar(&report, "report", false, "print the per-row report as JSON when the run ends")
	return runCmd
}

// runAndStream runs req on r, copying progress lines to out until the run
// returns. Cancelling ctx aborts the run.
func runAndStream(ctx context.Context, r server.Runner, req schemas.RunRequest, out io.Writer, poll time.Duration) (schemas.RunOutcome, error) {
	var outcome schemas.RunOutcome
	done := make(chan struct{})
	logs := r.Session().Log()

	g := new(errgroup.Group)

	g.Go(func() error {
		defer close(done)
		outcome = r.Run(context.Background(), req)
		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
			return nil
		}
		// Begin forgets an abort that lands before the run starts, so keep
		// aborting until the run returns.
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			r.Abort()
			select {
			case <-done:
				return nil
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		streamCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-done
			cancel()
		}()

		for {
			line, ok, err := logs.Next(streamCtx, poll)
			if err != nil {
				break
			}
			if ok {
				if _, err := fmt.Fprintln(out, line); err != nil {
					return err
				}
			}
		}
		for _, line := range logs.Drain() {
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	return outcome, err
}

// printOutcome writes the terminal result and returns errRunFailed unless the
// run succeeded.
func printOutcome(out io.Writer, outcome schemas.RunOutcome, withReport bool) error {
	if outcome.Success {
		fmt.Fprintln(out, outcome.Message)
	} else {
		fmt.Fprintf(out, "%s: %v\n", outcome.Error, outcome.Details)
	}

	if rep := outcome.Report; rep != nil {
		fmt.Fprintf(out, "Saved %d, skipped %d, failed %d.\n", rep.Saved(), rep.Skipped(), rep.Failed())
		if withReport {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}
		}
	}

	if !outcome.Success {
		observability.GetLogger().Debug("Run ended without success", zap.String("kind", string(outcome.Kind)))
		return fmt.Errorf("%w: %s", errRunFailed, outcome.Error)
	}
	return nil
}
