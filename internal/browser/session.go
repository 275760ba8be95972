// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
	"github.com/xkilldash9x/copilot-probe/internal/config"
)

// ErrElementNotFound is returned by script-driven interactions when the selector matches nothing.
var ErrElementNotFound = errors.New("element not found")

// Session is a single browser tab.
type Session struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
	stepTimeout time.Duration
	feed        *responseFeed

	onClose   func()
	closeOnce sync.Once
}

var _ capture.Source = (*Session)(nil)

func newSession(ctx, browserCtx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Session, error) {
	id := uuid.New().String()
	tabCtx, cancel := chromedp.NewContext(browserCtx)

	s := &Session{
		id:          id,
		ctx:         tabCtx,
		cancel:      cancel,
		logger:      logger.Named("session").With(zap.String("session_id", id[:8])),
		stepTimeout: cfg.DefaultTimeout,
	}

	// The first Run allocates the tab, so it must use the tab context itself.
	width, height := viewport(cfg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx,
			network.Enable(),
			chromedp.EmulateViewport(int64(width), int64(height)),
		)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open tab: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	s.feed = newResponseFeed(tabCtx, s.logger)
	s.feed.start()

	s.logger.Debug("Browser session initialized.")
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// run executes actions on the tab bounded by both ctx and timeout.
func (s *Session) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	combined, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	opCtx := combined
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		opCtx, cancelTimeout = context.WithTimeout(combined, timeout)
		defer cancelTimeout()
	}

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Debug("Browser operation timed out.", zap.String("op", op), zap.Duration("timeout", timeout))
		return fmt.Errorf("%s timed out after %v: %w", op, timeout, context.DeadlineExceeded)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// Navigate loads url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	return s.run(ctx, "navigate "+url, s.stepTimeout, chromedp.Navigate(url))
}

// Click waits for selector to be visible and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, "click "+selector, s.stepTimeout, chromedp.Click(selector, chromedp.ByQuery))
}

// ClickJS clicks the first element matching selector from page script. It
// works on elements an overlay hides from pointer events.
func (s *Session) ClickJS(ctx context.Context, selector string) error {
	var clicked bool
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.click(); return true; })()`, jsString(selector))
	if err := s.run(ctx, "click "+selector, s.stepTimeout, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("click %s: %w", selector, ErrElementNotFound)
	}
	return nil
}

// Type focuses selector and sends text as key events.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	return s.run(ctx, "type into "+selector, s.stepTimeout, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

// PressEnter sends the Enter key to selector.
func (s *Session) PressEnter(ctx context.Context, selector string) error {
	return s.run(ctx, "press enter in "+selector, s.stepTimeout, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

// WaitVisible blocks until selector is visible or timeout elapses.
func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return s.run(ctx, "wait for "+selector, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Sleep pauses for d, returning early if ctx or the tab is done.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Evaluate runs js in the page and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, js string, out interface{}) error {
	return s.run(ctx, "evaluate", s.stepTimeout, chromedp.Evaluate(js, out))
}

// Texts returns the innerText of every element matching selector.
func (s *Session) Texts(ctx context.Context, selector string) ([]string, error) {
	var texts []string
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(e => e.innerText)`, jsString(selector))
	if err := s.Evaluate(ctx, script, &texts); err != nil {
		return nil, err
	}
	return texts, nil
}

// Count returns how many elements match selector.
func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	var n int
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector))
	if err := s.Evaluate(ctx, script, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// LocalStorage returns a snapshot of the page origin's localStorage.
func (s *Session) LocalStorage(ctx context.Context) (map[string]string, error) {
	entries := map[string]string{}
	if err := s.Evaluate(ctx, `({...localStorage})`, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Subscribe implements capture.Source over the tab's network responses.
func (s *Session) Subscribe(fn func(capture.ResponseEvent)) func() {
	return s.feed.subscribe(fn)
}

// WatchBodies limits body fetching to responses whose URL satisfies pred.
// Other responses are still delivered, without a body. A nil pred fetches all.
func (s *Session) WatchBodies(pred func(url string) bool) {
	s.feed.setBodyFilter(pred)
}

// Prioritize guarantees delivery of responses whose URL satisfies pred, even
// when the event queue is full.
func (s *Session) Prioritize(pred func(url string) bool) {
	s.feed.setPriority(pred)
}

// Close closes the tab. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.feed.stop()
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
		s.logger.Debug("Browser session closed.")
	})
	return nil
}

func jsString(v string) string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
