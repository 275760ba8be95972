package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Session holds the filter and extraction rules for capture runs.
// A Session is reusable; every Start produces an independent Handle.
type Session struct {
	matcher    *Matcher
	strategies []Strategy
	logger     *zap.Logger
	diag       *zap.Logger
	snippet    int
}

// Option configures a Session.
type Option func(*Session)

// WithStrategies replaces the default extraction order.
func WithStrategies(strategies ...Strategy) Option {
	return func(s *Session) { s.strategies = strategies }
}

// WithLogger sets the operational logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithDiagnostics records url, status and the first snippet bytes of every
// observed response to diag.
func WithDiagnostics(diag *zap.Logger, snippet int) Option {
	return func(s *Session) {
		s.diag = diag
		s.snippet = snippet
	}
}

// NewSession creates a Session. A nil matcher means DefaultMatcher.
func NewSession(matcher *Matcher, opts ...Option) *Session {
	if matcher == nil {
		matcher = DefaultMatcher()
	}
	s := &Session{
		matcher:    matcher,
		strategies: DefaultStrategies,
		logger:     zap.NewNop(),
		snippet:    512,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("capture")
	return s
}

// Matcher returns the filter predicate, so sources can prefilter body fetches.
func (s *Session) Matcher() *Matcher { return s.matcher }

// Start registers a subscriber on src and returns the Handle for the run.
// The subscription lives until the first credential is found or the Handle is
// released, whichever happens first.
func (s *Session) Start(src Source) *Handle {
	h := &Handle{
		session: s,
		signal:  make(chan struct{}),
	}
	unsubscribe := src.Subscribe(h.observe)

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		unsubscribe()
		return h
	}
	h.unsubscribe = unsubscribe
	h.mu.Unlock()

	s.logger.Debug("Token capture armed.")
	return h
}

// Handle is one capture run: a subscription plus a one-shot result signal.
type Handle struct {
	session *Session

	// signal is closed exactly once, after cred has been written.
	signal      chan struct{}
	resolveOnce sync.Once
	cred        Credential
	expired     bool

	mu          sync.Mutex
	released    bool
	unsubscribe func()
	releaseOnce sync.Once

	observed atomic.Int64
}

// Done is closed once a credential has been captured.
func (h *Handle) Done() <-chan struct{} { return h.signal }

// Observed returns how many responses the subscriber has seen.
func (h *Handle) Observed() int64 { return h.observed.Load() }

// Await blocks until a credential is captured, timeout elapses or ctx is
// cancelled. It returns (cred, true) or ("", false); a cancelled ctx counts as
// a timeout. The subscription is always released before Await returns, and a
// credential arriving after the deadline is discarded.
func (h *Handle) Await(ctx context.Context, timeout time.Duration) (Credential, bool) {
	defer h.Release()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.signal:
		return h.cred, true
	case <-timer.C:
		h.session.logger.Debug("Token capture timed out.", zap.Duration("timeout", timeout), zap.Int64("observed", h.Observed()))
	case <-ctx.Done():
		h.session.logger.Debug("Token capture cancelled.", zap.Error(ctx.Err()))
	}

	// Disable the resolver. If it already ran, the credential won the race.
	h.resolveOnce.Do(func() { h.expired = true })
	if !h.expired {
		return h.cred, true
	}
	return "", false
}

// Release tears down the subscription. It is idempotent.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		unsubscribe := h.unsubscribe
		h.unsubscribe = nil
		h.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

func (h *Handle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// observe is the subscriber callback. It runs on the source's dispatch goroutine.
func (h *Handle) observe(ev ResponseEvent) {
	if h.isReleased() {
		return
	}
	h.observed.Add(1)
	s := h.session
	s.recordDiagnostic(ev)

	if ev.Err != nil {
		s.logger.Debug("Skipping unreadable response.", zap.String("url", ev.URL), zap.Error(ev.Err))
		return
	}
	if !s.matcher.Match(ev) {
		return
	}
	cred, ok := Extract(ev.Body, s.strategies...)
	if !ok {
		s.logger.Debug("Token endpoint response carried no extractable access_token.", zap.String("url", ev.URL))
		return
	}

	won := false
	h.resolveOnce.Do(func() {
		s.logger.Info("Bearer token captured.", zap.String("url", ev.URL), zap.Int("status", ev.Status))
		h.cred = cred
		won = true
		close(h.signal)
	})
	if won {
		h.Release()
	}
}

func (s *Session) recordDiagnostic(ev ResponseEvent) {
	if s.diag == nil {
		return
	}
	body := ev.Body
	if s.snippet >= 0 && len(body) > s.snippet {
		body = body[:s.snippet]
	}
	fields := []zap.Field{
		zap.String("url", ev.URL),
		zap.Int("status", ev.Status),
		zap.String("body", body),
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	s.diag.Debug("response", fields...)
}
