// Package uithread provides the "run on the UI thread" capability that browser surfaces and
// the authorization coordinator rely on.
package uithread

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mapdesk/mapdesk/common/reporting"
)

// Scheduler runs functions on the UI thread. Run must not block waiting for fn.
type Scheduler interface {
	Run(fn func())
}

// Immediate runs fn on the calling goroutine. It stands in for a caller that is already on the
// UI thread, and is what tests use.
type Immediate struct{}

func (Immediate) Run(fn func()) {
	fn()
}

// Loop is a serial task queue drained by Serve. The goroutine calling Serve is the UI thread.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Run queues fn. It is safe to call from any goroutine, including from a task running on the
// loop. Tasks queued after Stop are dropped.
func (l *Loop) Run(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		slog.Debug("UI loop stopped, dropping task")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Serve runs queued tasks in order until ctx is done or Stop is called.
func (l *Loop) Serve(ctx context.Context) error {
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.runTask(fn)
		}
		if l.isStopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Stop makes Serve return once the task it is running, if any, has finished.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic in UI task: %v", r)
			slog.Error(msg, "stack", string(debug.Stack()))
			reporting.ReportPanic(msg)
		}
	}()
	fn()
}
