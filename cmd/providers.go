package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/browser"
	"github.com/xkilldash9x/copilot-probe/internal/config"
	"github.com/xkilldash9x/copilot-probe/internal/flows"
	"github.com/xkilldash9x/copilot-probe/internal/store"
	"github.com/xkilldash9x/copilot-probe/internal/webchat"
)

// tab is one browser tab, usable by both the sign-in flows and the webchat probes.
type tab interface {
	flows.Driver
	webchat.Driver
	Close(ctx context.Context) error
}

// browserSession is a running browser.
type browserSession interface {
	NewTab(ctx context.Context) (tab, error)
	Shutdown(ctx context.Context) error
}

type browserProvider interface {
	Start(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (browserSession, error)
}

// chromeProvider launches Chrome through chromedp.
type chromeProvider struct{}

func (chromeProvider) Start(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (browserSession, error) {
	m, err := browser.NewManager(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}
	return chromeBrowser{m: m}, nil
}

type chromeBrowser struct {
	m *browser.Manager
}

func (b chromeBrowser) NewTab(ctx context.Context) (tab, error) {
	s, err := b.m.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b chromeBrowser) Shutdown(ctx context.Context) error { return b.m.Shutdown(ctx) }

// recorder is the persistence surface the commands use.
type recorder interface {
	RecordCapture(ctx context.Context, rec store.CaptureRecord) error
	RecordProbes(ctx context.Context, runID uuid.UUID, probes []store.ProbeRecord) error
	RecentCaptures(ctx context.Context, limit int) ([]store.CaptureRecord, error)
}

type storeProvider interface {
	// Create returns a nil recorder when no database is configured.
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (recorder, func(), error)
}

type pgStoreProvider struct{}

// Create connects to the PostgreSQL database using the provided configuration,
// initializes the store service, and returns it along with a cleanup function
// to close the database connection pool.
func (pgStoreProvider) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (recorder, func(), error) {
	if cfg.Database().URL == "" {
		return nil, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}
