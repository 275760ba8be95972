package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/config"
	"github.com/xkilldash9x/copilot-probe/internal/observability"
	"github.com/xkilldash9x/copilot-probe/internal/store"
	"github.com/xkilldash9x/copilot-probe/internal/webchat"
)

var (
	openColor    = color.New(color.FgRed)
	closedColor  = color.New(color.FgGreen)
	timeoutColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgMagenta)
)

func newWebchatCmd(deps *dependencies) *cobra.Command {
	webchatCmd := &cobra.Command{
		Use:   "webchat",
		Short: "Probe public Copilot Studio webchat pages",
	}

	webchatCmd.AddCommand(&cobra.Command{
		Use:   "live <url>...",
		Short: "Report which webchats answer without sign in",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebchat(cmd, deps, webchat.KindLive, args)
		},
	})
	webchatCmd.AddCommand(&cobra.Command{
		Use:   "query <url>...",
		Short: "Ask webchats for their knowledge source files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebchat(cmd, deps, webchat.KindKnowledge, args)
		},
	})
	return webchatCmd
}

func runWebchat(cmd *cobra.Command, deps *dependencies, kind webchat.Kind, urls []string) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger().Named("webchat")

	rec, closeStore, err := deps.stores.Create(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Probe history is unavailable.", zap.Error(err))
		rec, closeStore = nil, func() {}
	}
	defer closeStore()

	b, err := deps.browsers.Start(ctx, logger, cfg.Browser())
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Shutdown(sctx); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}()
	open := func(ctx context.Context) (webchat.Tab, error) {
		return b.NewTab(ctx)
	}

	r := &probeReporter{out: cmd.OutOrStdout(), cfg: cfg.Webchat(), kind: kind, logger: logger}
	if kind == webchat.KindKnowledge {
		if r.csv, err = webchat.OpenKnowledgeCSV(cfg.Webchat().KnowledgeOutput); err != nil {
			return err
		}
		defer func() {
			if err := r.csv.Close(); err != nil {
				logger.Warn("Failed to close knowledge results.", zap.Error(err))
			}
		}()
	}

	prober := webchat.NewProber(logger, cfg.Webchat())
	runErr := prober.ProbeAll(ctx, open, kind, urls, r.report)

	if rec != nil && len(r.records) > 0 {
		if err := rec.RecordProbes(ctx, uuid.New(), r.records); err != nil {
			logger.Warn("Failed to record probes.", zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}
	if r.failed > 0 {
		return fmt.Errorf("%d of %d webchat probes failed", r.failed, len(urls))
	}
	return nil
}

// probeReporter prints each outcome, writes the result files and collects
// records for the database.
type probeReporter struct {
	out     io.Writer
	cfg     config.WebchatConfig
	kind    webchat.Kind
	logger  *zap.Logger
	csv     *webchat.KnowledgeCSV
	records []store.ProbeRecord
	failed  int
}

func (r *probeReporter) report(o webchat.Outcome) {
	rec := store.ProbeRecord{URL: o.URL, Kind: r.kind.String(), ProbedAt: time.Now()}

	switch {
	case o.Err != nil:
		r.failed++
		rec.Error = o.Err.Error()
		if errors.Is(o.Err, webchat.ErrTimeout) {
			timeoutColor.Fprintf(r.out, "Timeout occurred for URL: %s, rerun or test manually\n", o.URL)
		} else {
			errorColor.Fprintf(r.out, "Error occurred while probing %s: %v\n", o.URL, o.Err)
		}

	case o.Live != nil:
		open := o.Live.Open
		rec.Open = &open
		if open {
			openColor.Fprintf(r.out, "Found open chatbot at: %s\n", o.URL)
			if err := webchat.AppendOpenChatbot(r.cfg.LiveOutput, o.URL); err != nil {
				r.logger.Error("Failed to save open chatbot.", zap.Error(err))
			}
		} else {
			closedColor.Fprintln(r.out, "Found inaccessible chatbot.")
		}

	case o.Knowledge != nil:
		has := o.Knowledge.HasKnowledge
		rec.HasKnowledge = &has
		rec.Titles = o.Knowledge.Titles
		rec.Response = o.Knowledge.Response
		if r.csv != nil {
			if err := r.csv.Write(*o.Knowledge); err != nil {
				r.logger.Error("Failed to save knowledge result.", zap.Error(err))
			}
		}
		fmt.Fprintf(r.out, "Processed chatbot at: %s\n", o.URL)
	}

	r.records = append(r.records, rec)
}
