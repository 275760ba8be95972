// Package flows drives a browser through the Microsoft sign-in journeys that
// end with a Substrate bearer token in the session.
package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
)

// ErrTimeout classifies navigation and selector waits that ran out of time.
var ErrTimeout = errors.New("timeout")

// Driver is what a flow needs from a browser tab.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	ClickJS(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Sleep(ctx context.Context, d time.Duration) error
	LocalStorage(ctx context.Context) (map[string]string, error)

	capture.Source
	WatchBodies(pred func(url string) bool)
	Prioritize(pred func(url string) bool)
}

// Step is one linear action in a flow.
type Step struct {
	Name string
	// Optional steps log their failure and let the flow continue.
	Optional bool
	// Announce, when set, is logged at info level before the step runs.
	Announce string
	do       func(ctx context.Context, d Driver) error
}

// StepError reports which step of a flow failed.
type StepError struct {
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTimeout) true for deadline failures.
func (e *StepError) Is(target error) bool {
	return target == ErrTimeout && errors.Is(e.Err, context.DeadlineExceeded)
}

// IsTimeout reports whether err is in the timeout category.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func Navigate(url string) Step {
	return Step{Name: "navigate " + url, do: func(ctx context.Context, d Driver) error { return d.Navigate(ctx, url) }}
}

func Click(selector string) Step {
	return Step{Name: "click " + selector, do: func(ctx context.Context, d Driver) error { return d.Click(ctx, selector) }}
}

// ClickJS clicks from page script instead of dispatching mouse events.
func ClickJS(selector string) Step {
	return Step{Name: "script click " + selector, do: func(ctx context.Context, d Driver) error { return d.ClickJS(ctx, selector) }}
}

func Type(selector, text string) Step {
	return Step{Name: "type into " + selector, do: func(ctx context.Context, d Driver) error { return d.Type(ctx, selector, text) }}
}

func Sleep(dur time.Duration) Step {
	return Step{Name: "sleep " + dur.String(), do: func(ctx context.Context, d Driver) error { return d.Sleep(ctx, dur) }}
}

func WaitVisible(selector string, timeout time.Duration) Step {
	return Step{Name: "wait for " + selector, do: func(ctx context.Context, d Driver) error { return d.WaitVisible(ctx, selector, timeout) }}
}

// WithAnnounce returns a copy of s that logs msg before running.
func (s Step) WithAnnounce(msg string) Step {
	s.Announce = msg
	return s
}

// AsOptional returns a copy of s whose failure does not stop the flow.
func (s Step) AsOptional() Step {
	s.Optional = true
	return s
}

// Run executes steps in order and stops at the first required failure.
func Run(ctx context.Context, d Driver, logger *zap.Logger, steps []Step) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Step: step.Name, Err: err}
		}
		if step.Announce != "" {
			logger.Info(step.Announce)
		}
		logger.Debug("Running step.", zap.Int("index", i+1), zap.String("step", step.Name))

		err := step.do(ctx, d)
		if err == nil {
			continue
		}
		if step.Optional && ctx.Err() == nil {
			logger.Warn("Optional step failed; continuing.", zap.String("step", step.Name), zap.Error(err))
			continue
		}
		return &StepError{Index: i, Step: step.Name, Err: err}
	}
	return nil
}
