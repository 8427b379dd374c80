package oauth

import (
	"context"
	"fmt"
)

// Status is the outcome of a resolved authorization attempt.
type Status int

const (
	StatusPending Status = iota
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the resolved value of an Attempt. Params is set only for StatusCompleted and Err
// only for StatusCancelled and StatusFailed.
type Result struct {
	Status Status
	Params Params
	Err    error
}

func completed(params Params) Result {
	return Result{Status: StatusCompleted, Params: params}
}

func cancelled() Result {
	return Result{Status: StatusCancelled, Err: ErrUserCancelled}
}

func failed(err error) Result {
	return Result{Status: StatusFailed, Err: fmt.Errorf("%w: %w", ErrSurfaceDisplay, err)}
}

// Attempt is a single authorization handshake. It is resolved exactly once.
type Attempt struct {
	req    Request
	done   chan struct{}
	result Result
}

func newAttempt(req Request) *Attempt {
	return &Attempt{req: req, done: make(chan struct{})}
}

// Request returns the request the attempt was started with.
func (a *Attempt) Request() Request {
	return a.req
}

// Done is closed once the attempt has been resolved.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Result returns the outcome of the attempt. It reports StatusPending until Done is closed.
func (a *Attempt) Result() Result {
	select {
	case <-a.done:
		return a.result
	default:
		return Result{Status: StatusPending}
	}
}

// Wait blocks until the attempt is resolved or ctx is done. A cancelled attempt returns
// ErrUserCancelled. Giving up on ctx does not cancel the attempt itself; only closing the
// surface does.
func (a *Attempt) Wait(ctx context.Context) (Params, error) {
	select {
	case <-a.done:
		return a.result.Params, a.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
