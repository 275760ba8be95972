// internal/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also cancelled
// when secondary is done. Values come from primary only, which is what chromedp
// needs: primary carries the tab, secondary carries the caller's deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

// valueOnlyContext inherits values (the chromedp target) but never its parent's
// deadline or cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                    { return nil }
func (valueOnlyContext) Err() error                               { return nil }

// Detach returns a context that keeps ctx's values but is not cancelled with it.
// Body fetches for responses use it so they can finish while a step is unwinding.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
