// Package poll is a bounded retry engine for eventually consistent state.
//
// A check is evaluated immediately and then every Interval until it reports
// true, returns a permanent error, the context is cancelled, or Timeout
// elapses. Every attempt runs under a context that expires at the poll
// deadline, so a check blocked in a control-channel call cannot outlive the
// poll. The last observed value is always returned so a failure can be
// diagnosed.
package poll

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/newtron-network/newtconv/pkg/util"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTimeout  = 60 * time.Second
	DefaultInterval = 2 * time.Second
)

// Options bounds a poll.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	What     string // subject used in the timeout error
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Interval > o.Timeout {
		o.Interval = o.Timeout
	}
	if o.What == "" {
		o.What = "condition"
	}
	return o
}

// Check observes state once. It returns the observation, whether it
// satisfies the condition, and an error. Errors are transient unless
// wrapped with Permanent.
type Check[T any] func(ctx context.Context) (T, bool, error)

// Result is the outcome of a poll.
type Result[T any] struct {
	OK       bool
	Last     T // last observation from an attempt that returned no error
	Attempts int
	Elapsed  time.Duration
	// Err is nil when OK. Otherwise it is a *util.ConvergenceTimeoutError,
	// the context error, or the unwrapped permanent error.
	Err error
}

// Until evaluates check until it holds or the poll is bounded out.
func Until[T any](ctx context.Context, opts Options, check Check[T]) Result[T] {
	opts = opts.withDefaults()
	start := time.Now()
	deadline := start.Add(opts.Timeout)
	log := util.WithField("poll", opts.What)

	var res Result[T]
	var lastErr error

	for {
		res.Attempts++
		actx, cancel := context.WithDeadline(ctx, deadline)
		v, ok, err := check(actx)
		cancel()
		if err == nil {
			res.Last = v
			lastErr = nil
			if ok {
				res.OK = true
				res.Elapsed = time.Since(start)
				return res
			}
		} else {
			var perm *permanentError
			if errors.As(err, &perm) {
				res.Err = perm.err
				res.Elapsed = time.Since(start)
				return res
			}
			lastErr = err
			log.Debugf("attempt %d: %v", res.Attempts, err)
		}

		if ctx.Err() != nil {
			res.Err = ctx.Err()
			res.Elapsed = time.Since(start)
			return res
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			res.Elapsed = time.Since(start)
			res.Err = &util.ConvergenceTimeoutError{
				What:     opts.What,
				Timeout:  opts.Timeout,
				Attempts: res.Attempts,
				Last:     describe(res.Last),
				Cause:    lastErr,
			}
			return res
		}
		wait := opts.Interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			res.Elapsed = time.Since(start)
			return res
		case <-timer.C:
		}
	}
}

// Bool polls a plain predicate and reports whether it became true within timeout.
func Bool(ctx context.Context, pred func(ctx context.Context) bool, timeout, interval time.Duration) bool {
	res := Until(ctx, Options{Timeout: timeout, Interval: interval}, func(ctx context.Context) (struct{}, bool, error) {
		return struct{}{}, pred(ctx), nil
	})
	return res.OK
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that retrying cannot fix, ending the poll.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// describe renders an observation for diagnostics.
func describe(v any) string {
	if rv := reflect.ValueOf(v); rv.IsValid() {
		switch rv.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
			if rv.IsNil() {
				return ""
			}
		}
	}
	switch x := v.(type) {
	case nil:
		return ""
	case fmt.Stringer:
		return x.String()
	case string:
		return x
	}
	return fmt.Sprintf("%+v", v)
}
