package flows

import (
	"context"
	"sync"
	"time"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
)

// fakeDriver records every call and lets tests hook individual actions.
type fakeDriver struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]error
	onCall  func(call string)
	storage map[string]string
	// sleepScale shrinks scripted sleeps so tests stay fast.
	sleepScale time.Duration

	subsMu     sync.Mutex
	subs       map[int]func(capture.ResponseEvent)
	nextSub    int
	bodyFilter func(string) bool
	filterSet  bool
	priority   func(string) bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		failOn:     map[string]error{},
		subs:       map[int]func(capture.ResponseEvent){},
		sleepScale: time.Millisecond,
	}
}

func (f *fakeDriver) record(ctx context.Context, call string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.failOn[call]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func (f *fakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	return f.record(ctx, "navigate "+url)
}

func (f *fakeDriver) Click(ctx context.Context, selector string) error {
	return f.record(ctx, "click "+selector)
}

func (f *fakeDriver) ClickJS(ctx context.Context, selector string) error {
	return f.record(ctx, "clickjs "+selector)
}

func (f *fakeDriver) Type(ctx context.Context, selector, text string) error {
	return f.record(ctx, "type "+selector+" "+text)
}

func (f *fakeDriver) WaitVisible(ctx context.Context, selector string, _ time.Duration) error {
	return f.record(ctx, "wait "+selector)
}

func (f *fakeDriver) Sleep(ctx context.Context, d time.Duration) error {
	if err := f.record(ctx, "sleep"); err != nil {
		return err
	}
	scaled := d / time.Second * f.sleepScale
	t := time.NewTimer(scaled)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDriver) LocalStorage(ctx context.Context) (map[string]string, error) {
	if err := f.record(ctx, "localstorage"); err != nil {
		return nil, err
	}
	return f.storage, nil
}

func (f *fakeDriver) Subscribe(fn func(capture.ResponseEvent)) func() {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.subsMu.Lock()
		defer f.subsMu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeDriver) WatchBodies(pred func(string) bool) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	f.bodyFilter = pred
	f.filterSet = true
}

func (f *fakeDriver) Prioritize(pred func(string) bool) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	f.priority = pred
}

func (f *fakeDriver) Emit(ev capture.ResponseEvent) {
	f.subsMu.Lock()
	fns := make([]func(capture.ResponseEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.subsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeDriver) Subscribers() int {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	return len(f.subs)
}
