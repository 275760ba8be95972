// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/config"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	launchTimeout    = 30 * time.Second
)

// Manager owns the single Chromium process a run drives.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx owns the launch options and the process lifetime.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	// browserCtx is the first chromedp context on the allocator. Its first
	// Run starts the process, and every tab is derived from it.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	launchTimeout time.Duration
	// start performs the first Run on browserCtx. Tests replace it.
	start func(ctx context.Context) error

	// wg tracks open sessions for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser and verifies it responds.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Manager, error) {
	m := &Manager{
		logger:        logger.Named("browser_manager"),
		cfg:           cfg,
		launchTimeout: launchTimeout,
		start:         startBrowser,
	}
	if err := m.launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launch(ctx context.Context) error {
	m.logger.Debug("Initializing browser allocator.", zap.Bool("headless", m.cfg.Headless), zap.Bool("incognito", m.cfg.Incognito))

	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.allocatorOptions()...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	// The process is bound to the context of the first Run, so the launch
	// deadline is enforced here instead of on browserCtx.
	errCh := make(chan error, 1)
	go func() { errCh <- m.start(m.browserCtx) }()

	timer := time.NewTimer(m.launchTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-errCh:
	case <-timer.C:
		err = fmt.Errorf("no response after %s", m.launchTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched.")
	return nil
}

func startBrowser(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.Navigate("about:blank"))
}

// launchFlags computes the command line flags from configuration. Keys are
// flag names without the leading dashes; values are bool or string.
func launchFlags(cfg config.BrowserConfig, goos string) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                  cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-blink-features":    "AutomationControlled",
		"disable-extensions":        true,
		"disable-gpu":               cfg.Headless,
	}
	if cfg.Incognito {
		flags["incognito"] = true
	}

	width, height := viewport(cfg)
	flags["window-size"] = fmt.Sprintf("%d,%d", width, height)

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	// Containers on Linux need these to start at all.
	if goos == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

func viewport(cfg config.BrowserConfig) (int, int) {
	width, height := cfg.Viewport["width"], cfg.Viewport["height"]
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}
	return width, height
}

func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	// Appended flags override defaults; enable-automation is switched off explicitly.
	opts = append(opts, chromedp.Flag("enable-automation", false))

	flags := launchFlags(m.cfg, runtime.GOOS)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	ua := m.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	opts = append(opts, chromedp.UserAgent(ua))
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	return opts
}

// NewSession opens a tab.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	s, err := newSession(ctx, m.browserCtx, m.logger, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser session: %w", err)
	}
	m.wg.Add(1)
	s.onClose = m.wg.Done
	return s, nil
}

// Shutdown waits for open sessions, bounded by ctx, then terminates the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.logger.Debug("Shutting down browser process.")
		if m.browserCancel != nil {
			m.browserCancel()
		}
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
