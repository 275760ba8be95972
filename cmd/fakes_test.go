package cmd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
	"github.com/xkilldash9x/copilot-probe/internal/config"
	"github.com/xkilldash9x/copilot-probe/internal/store"
	"github.com/xkilldash9x/copilot-probe/internal/webchat"
)

const tokenEndpoint = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

// fakeTab is a scripted browser tab.
type fakeTab struct {
	mu    sync.Mutex
	calls []string
	subs  map[int]func(capture.ResponseEvent)
	next  int

	// tokenBody is delivered to subscribers once, on the first call equal to
	// emitOn, or on the first navigation when emitOn is empty.
	tokenBody string
	emitOn    string
	storage   map[string]string
	bubbles   []string
	messages  []string
	reply     []string
	sent      bool
	closed    bool
}

func newFakeTab() *fakeTab {
	return &fakeTab{subs: map[int]func(capture.ResponseEvent){}}
}

func (f *fakeTab) record(ctx context.Context, call string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var (
		body string
		subs []func(capture.ResponseEvent)
	)
	trigger := call == f.emitOn || (f.emitOn == "" && strings.HasPrefix(call, "navigate "))
	if trigger && f.tokenBody != "" {
		body, f.tokenBody = f.tokenBody, ""
		for _, fn := range f.subs {
			subs = append(subs, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(capture.ResponseEvent{URL: tokenEndpoint, Status: 200, Body: body})
	}
	return nil
}

func (f *fakeTab) Navigate(ctx context.Context, url string) error {
	return f.record(ctx, "navigate "+url)
}

func (f *fakeTab) Click(ctx context.Context, selector string) error {
	return f.record(ctx, "click "+selector)
}

func (f *fakeTab) ClickJS(ctx context.Context, selector string) error {
	return f.record(ctx, "clickjs "+selector)
}

func (f *fakeTab) Type(ctx context.Context, selector, text string) error {
	return f.record(ctx, "type "+selector)
}

func (f *fakeTab) PressEnter(ctx context.Context, selector string) error {
	if err := f.record(ctx, "enter "+selector); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTab) WaitVisible(ctx context.Context, selector string, _ time.Duration) error {
	return f.record(ctx, "wait "+selector)
}

func (f *fakeTab) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (f *fakeTab) LocalStorage(ctx context.Context) (map[string]string, error) {
	if err := f.record(ctx, "localstorage"); err != nil {
		return nil, err
	}
	return f.storage, nil
}

func (f *fakeTab) Texts(ctx context.Context, selector string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if selector == webchat.BubbleSelector {
		return f.bubbles, nil
	}
	return f.current(), nil
}

func (f *fakeTab) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.current()), nil
}

func (f *fakeTab) current() []string {
	if f.sent {
		return append(append([]string(nil), f.messages...), f.reply...)
	}
	return f.messages
}

func (f *fakeTab) Subscribe(fn func(capture.ResponseEvent)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeTab) WatchBodies(func(string) bool) {}

func (f *fakeTab) Prioritize(func(string) bool) {}

func (f *fakeTab) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTab) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeBrowsers hands out tabs from newTab and remembers them.
type fakeBrowsers struct {
	mu       sync.Mutex
	newTab   func(i int) *fakeTab
	tabs     []*fakeTab
	started  int
	shutdown int
	startErr error
}

func (b *fakeBrowsers) Start(ctx context.Context, _ *zap.Logger, _ config.BrowserConfig) (browserSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.started++
	return b, nil
}

func (b *fakeBrowsers) NewTab(ctx context.Context) (tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.newTab == nil {
		return nil, errors.New("no tabs scripted")
	}
	t := b.newTab(len(b.tabs))
	b.tabs = append(b.tabs, t)
	return t, nil
}

func (b *fakeBrowsers) Shutdown(context.Context) error {
	b.mu.Lock()
	b.shutdown++
	b.mu.Unlock()
	return nil
}

// fakeStore records what the commands persist.
type fakeStore struct {
	mu       sync.Mutex
	enabled  bool
	captures []store.CaptureRecord
	probes   []store.ProbeRecord
	recent   []store.CaptureRecord
}

func (s *fakeStore) Create(context.Context, config.Interface, *zap.Logger) (recorder, func(), error) {
	if !s.enabled {
		return nil, func() {}, nil
	}
	return s, func() {}, nil
}

func (s *fakeStore) RecordCapture(_ context.Context, rec store.CaptureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, rec)
	return nil
}

func (s *fakeStore) RecordProbes(_ context.Context, _ uuid.UUID, probes []store.ProbeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, probes...)
	return nil
}

func (s *fakeStore) RecentCaptures(_ context.Context, limit int) ([]store.CaptureRecord, error) {
	if limit < len(s.recent) {
		return s.recent[:limit], nil
	}
	return s.recent, nil
}
