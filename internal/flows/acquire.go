package flows

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
	"github.com/xkilldash9x/copilot-probe/internal/config"
)

// ErrTokenNotFound means the journey finished (or timed out) without a token.
var ErrTokenNotFound = errors.New("token not found")

// Acquirer runs a scenario and extracts the bearer token from the session.
type Acquirer struct {
	logger  *zap.Logger
	capture *capture.Session
	cfg     config.CaptureConfig
	pacing  Pacing
	// fetchAllBodies disables the token endpoint body prefilter.
	fetchAllBodies bool
}

// NewAcquirer creates an Acquirer. session supplies the network capture rules.
func NewAcquirer(logger *zap.Logger, session *capture.Session, cfg config.CaptureConfig, pacing Pacing) *Acquirer {
	return &Acquirer{
		logger:         logger.Named("acquirer"),
		capture:        session,
		cfg:            cfg,
		pacing:         pacing,
		fetchAllBodies: cfg.DiagnosticLog != "",
	}
}

// Acquire signs creds in through sc on d and returns the Substrate token.
func (a *Acquirer) Acquire(ctx context.Context, d Driver, sc Scenario, creds Credentials) (capture.Credential, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}
	steps := sc.Steps(creds, a.pacing)

	switch a.cfg.Mode {
	case config.CaptureModeStorage:
		return a.acquireFromStorage(ctx, d, sc, steps)
	default:
		return a.acquireFromNetwork(ctx, d, steps)
	}
}

// acquireFromNetwork arms the capture before the first navigation and races
// the journey against it. A captured token cancels the remaining steps.
func (a *Acquirer) acquireFromNetwork(ctx context.Context, d Driver, steps []Step) (capture.Credential, error) {
	match := a.capture.Matcher().MatchURL
	d.Prioritize(match)
	if a.fetchAllBodies {
		d.WatchBodies(nil)
	} else {
		d.WatchBodies(match)
	}

	h := a.capture.Start(d)
	defer h.Release()

	g, gctx := errgroup.WithContext(ctx)
	stepsCtx, cancelSteps := context.WithCancel(gctx)
	defer cancelSteps()

	var (
		cred     capture.Credential
		captured bool
	)
	g.Go(func() error {
		cred, captured = h.Await(gctx, a.cfg.Timeout)
		cancelSteps()
		return nil
	})
	g.Go(func() error {
		err := Run(stepsCtx, d, a.logger, steps)
		if err != nil && stepsCtx.Err() != nil && gctx.Err() == nil {
			// Cancelled because the capture finished first.
			return nil
		}
		return err
	})

	stepErr := g.Wait()
	if captured {
		if stepErr != nil {
			a.logger.Debug("Journey failed after the token was captured.", zap.Error(stepErr))
		}
		return cred, nil
	}
	if stepErr != nil {
		return "", stepErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.logger.Warn("No token observed before the capture timeout.", zap.Duration("timeout", a.cfg.Timeout), zap.Int64("responses_seen", h.Observed()))
	return "", ErrTokenNotFound
}

func (a *Acquirer) acquireFromStorage(ctx context.Context, d Driver, sc Scenario, steps []Step) (capture.Credential, error) {
	if err := Run(ctx, d, a.logger, steps); err != nil {
		return "", err
	}

	match := sc.StorageMatch
	if a.cfg.StorageMatch != "" {
		match = StorageMatch(a.cfg.StorageMatch)
	}

	a.logger.Info("Grabbing the token from local storage.", zap.String("match", string(match)))
	scanCtx, cancel := context.WithTimeout(ctx, a.storageTimeout())
	defer cancel()
	entries, err := d.LocalStorage(scanCtx)
	if err != nil {
		return "", err
	}
	cred, ok := ScanStorage(entries, a.cfg.StorageScope, match)
	if !ok {
		a.logger.Warn("No matching local storage entry.", zap.Int("entries", len(entries)))
		return "", ErrTokenNotFound
	}
	return cred, nil
}

func (a *Acquirer) storageTimeout() time.Duration {
	if a.pacing.StepTimeout > 0 {
		return a.pacing.StepTimeout
	}
	return DefaultPacing.StepTimeout
}
