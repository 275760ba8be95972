package capture

import (
	"sync"
	"sync/atomic"
)

// fakeSource is an in-memory Source that delivers synchronously in Emit order.
type fakeSource struct {
	mu        sync.Mutex
	subs      map[int]func(ResponseEvent)
	nextID    int
	delivered atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[int]func(ResponseEvent))}
}

func (f *fakeSource) Subscribe(fn func(ResponseEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeSource) Emit(ev ResponseEvent) {
	f.mu.Lock()
	fns := make([]func(ResponseEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		f.delivered.Add(1)
		fn(ev)
	}
}

func (f *fakeSource) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
