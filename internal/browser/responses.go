// internal/browser/responses.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
)

const (
	bodyFetchTimeout = 10 * time.Second
	feedQueueSize    = 1024
)

// completedResponse is a response whose loading finished (or failed) and is
// ready to be turned into a capture.ResponseEvent.
type completedResponse struct {
	requestID network.RequestID
	url       string
	status    int
	failure   error
}

// bodyFetcher retrieves a response body. Tests replace it.
type bodyFetcher func(ctx context.Context, id network.RequestID) ([]byte, error)

// responseFeed turns CDP network events into capture.ResponseEvents.
//
// CDP commands cannot be issued from inside a ListenTarget callback, so the
// listener only records state and enqueues; a single dispatcher goroutine
// fetches bodies and calls subscribers in arrival order.
type responseFeed struct {
	tabCtx context.Context
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	fetch  bodyFetcher

	mu         sync.Mutex
	subs       map[uint64]func(capture.ResponseEvent)
	nextID     uint64
	pending    map[network.RequestID]*network.Response
	bodyFilter func(url string) bool
	// priority marks responses that are never dropped. They bypass the
	// bounded queue and are delivered ahead of it.
	priority func(url string) bool
	urgent   []completedResponse

	queue chan completedResponse
	wake  chan struct{}
	done  chan struct{}
}

func newResponseFeed(tabCtx context.Context, logger *zap.Logger) *responseFeed {
	ctx, cancel := context.WithCancel(tabCtx)
	f := &responseFeed{
		tabCtx:  tabCtx,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("responses"),
		subs:    make(map[uint64]func(capture.ResponseEvent)),
		pending: make(map[network.RequestID]*network.Response),
		queue:   make(chan completedResponse, feedQueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	f.fetch = f.fetchFromBrowser
	return f
}

// start attaches the CDP listener and the dispatcher.
func (f *responseFeed) start() {
	chromedp.ListenTarget(f.ctx, f.onEvent)
	go f.dispatch()
}

// stop detaches the listener and waits for the dispatcher to exit.
func (f *responseFeed) stop() {
	f.cancel()
	<-f.done
}

func (f *responseFeed) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		if ev.Response == nil {
			return
		}
		f.mu.Lock()
		f.pending[ev.RequestID] = ev.Response
		f.mu.Unlock()
	case *network.EventLoadingFinished:
		f.complete(ev.RequestID, nil)
	case *network.EventLoadingFailed:
		f.complete(ev.RequestID, fmt.Errorf("loading failed: %s", ev.ErrorText))
	}
}

func (f *responseFeed) complete(id network.RequestID, failure error) {
	f.mu.Lock()
	resp, ok := f.pending[id]
	delete(f.pending, id)
	if !ok || len(f.subs) == 0 {
		f.mu.Unlock()
		return
	}
	item := completedResponse{requestID: id, url: resp.URL, status: int(resp.Status), failure: failure}
	urgent := f.priority != nil && f.priority(resp.URL)
	if urgent {
		f.urgent = append(f.urgent, item)
	}
	f.mu.Unlock()

	if urgent {
		select {
		case f.wake <- struct{}{}:
		default:
		}
		return
	}

	select {
	case f.queue <- item:
	default:
		f.logger.Warn("Response queue full; dropping event.", zap.String("url", resp.URL))
	}
}

func (f *responseFeed) dispatch() {
	defer close(f.done)
	for {
		if item, ok := f.popUrgent(); ok {
			f.deliver(item)
			continue
		}
		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
		case item := <-f.queue:
			f.deliver(item)
		}
	}
}

func (f *responseFeed) popUrgent() (completedResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urgent) == 0 {
		return completedResponse{}, false
	}
	item := f.urgent[0]
	f.urgent = f.urgent[1:]
	return item, true
}

func (f *responseFeed) deliver(item completedResponse) {
	f.mu.Lock()
	fns := make([]func(capture.ResponseEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	filter := f.bodyFilter
	f.mu.Unlock()

	if len(fns) == 0 {
		return
	}

	ev := capture.ResponseEvent{URL: item.url, Status: item.status, Err: item.failure}
	if ev.Err == nil && (filter == nil || filter(item.url)) {
		fetchCtx, cancel := context.WithTimeout(Detach(f.tabCtx), bodyFetchTimeout)
		body, err := f.fetch(fetchCtx, item.requestID)
		cancel()
		if err != nil {
			ev.Err = fmt.Errorf("reading response body: %w", err)
		} else {
			ev.Body = string(body)
		}
	}

	for _, fn := range fns {
		fn(ev)
	}
}

func (f *responseFeed) fetchFromBrowser(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(c)
		return err
	}))
	return body, err
}

func (f *responseFeed) subscribe(fn func(capture.ResponseEvent)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *responseFeed) setBodyFilter(pred func(url string) bool) {
	f.mu.Lock()
	f.bodyFilter = pred
	f.mu.Unlock()
}

func (f *responseFeed) setPriority(pred func(url string) bool) {
	f.mu.Lock()
	f.priority = pred
	f.mu.Unlock()
}
