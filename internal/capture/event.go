// Package capture races a stream of network responses against a deadline to
// pull a single OAuth bearer token out of a browser session.
package capture

// Credential is an opaque bearer token. Once published it is never mutated.
type Credential string

// ResponseEvent is one network response observed by a Source. Err is set when
// the body could not be read; such events are skipped by the capture.
type ResponseEvent struct {
	URL    string
	Status int
	Body   string
	Err    error
}

// Source delivers ResponseEvents to subscribers in arrival order, one at a time.
//
// The returned unsubscribe func must be idempotent and safe to call from inside
// the subscriber callback itself.
type Source interface {
	Subscribe(fn func(ResponseEvent)) (unsubscribe func())
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(fn func(ResponseEvent)) func()

func (f SourceFunc) Subscribe(fn func(ResponseEvent)) func() { return f(fn) }
