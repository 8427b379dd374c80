// Package oauth drives the browser half of an OAuth2 authorization-code sign-in: it shows the
// identity provider's pages in a host-provided browser surface, intercepts the navigation to
// the redirect URI, and hands the parameters it carried back to the caller.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mapdesk/mapdesk/uithread"
)

// Request describes one authorization. It is supplied by the credential manager.
type Request struct {
	ServiceURI   string
	AuthorizeURI string
	RedirectURI  string
}

// Coordinator owns at most one authorization attempt at a time.
type Coordinator struct {
	host  Host
	sched uithread.Scheduler

	mu      sync.Mutex
	pending *flow
	markers []string
}

type Option func(*Coordinator)

// WithApprovalMarkers replaces the default approval markers. No markers disables the
// approval page fallback.
func WithApprovalMarkers(markers ...string) Option {
	return func(c *Coordinator) {
		c.markers = slices.Clone(markers)
	}
}

// NewCoordinator returns a coordinator that opens surfaces through host, always from a
// function run by sched.
func NewCoordinator(host Host, sched uithread.Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{
		host:    host,
		sched:   sched,
		markers: []string{DefaultApprovalMarker},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetApprovalMarkers changes the approval markers used by attempts started from now on.
func (c *Coordinator) SetApprovalMarkers(markers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = slices.Clone(markers)
}

// InProgress reports whether an attempt is waiting to be resolved.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Authorize starts an attempt for req and returns it without waiting for the user. It fails
// with ErrFlowInProgress, leaving the current attempt alone, if one is still unresolved.
// Errors building or showing the surface resolve the returned attempt as failed.
func (c *Coordinator) Authorize(req Request) (*Attempt, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrFlowInProgress
	}
	f := &flow{
		c:       c,
		attempt: newAttempt(req),
		matcher: Matcher{RedirectURI: req.RedirectURI, ApprovalMarkers: slices.Clone(c.markers)},
		started: time.Now(),
	}
	c.pending = f
	c.mu.Unlock()

	f.span = startSpan(req)
	slog.Debug("Starting authorization", "service", req.ServiceURI, "redirect", req.RedirectURI)

	authorizeURL, err := absoluteURL(req.AuthorizeURI)
	if err != nil {
		f.resolve(failed(err))
		return f.attempt, nil
	}
	c.sched.Run(func() { f.display(authorizeURL) })
	return f.attempt, nil
}

// AuthorizeAndWait starts an attempt and waits for it. It returns ErrUserCancelled if the
// user closes the surface first.
func (c *Coordinator) AuthorizeAndWait(ctx context.Context, req Request) (Params, error) {
	attempt, err := c.Authorize(req)
	if err != nil {
		return nil, err
	}
	return attempt.Wait(ctx)
}

// Close dismisses the surface of the pending attempt, if any, which cancels the attempt
// unless the redirect has already been intercepted.
func (c *Coordinator) Close() {
	c.closePending()
}

// Shutdown is Close followed by waiting until the pending attempt is resolved or ctx is done.
// It must not be called from the UI thread.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	attempt := c.closePending()
	if attempt == nil {
		return nil
	}
	select {
	case <-attempt.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) closePending() *Attempt {
	c.mu.Lock()
	f := c.pending
	c.mu.Unlock()
	if f == nil {
		return nil
	}
	c.sched.Run(f.closeSurface)
	return f.attempt
}

func (c *Coordinator) release(f *flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == f {
		c.pending = nil
	}
}

func absoluteURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid authorize URI: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("authorize URI %q is not absolute", raw)
	}
	return u.String(), nil
}

// flow is the pending attempt together with its surface. It observes the surface, so the
// fields below resolved are only touched from the UI thread.
type flow struct {
	c       *Coordinator
	attempt *Attempt
	matcher Matcher
	started time.Time
	span    trace.Span

	resolved atomic.Bool

	surface        Surface
	closeRequested bool
	closing        bool
	closed         bool
}

func (f *flow) display(authorizeURL string) {
	defer func() {
		if r := recover(); r != nil {
			f.resolve(failed(fmt.Errorf("panic opening surface: %v", r)))
		}
	}()
	if f.resolved.Load() {
		return
	}
	if f.closeRequested {
		f.resolve(cancelled())
		return
	}
	surface, err := f.c.host.Open(authorizeURL, f)
	if err != nil {
		f.resolve(failed(err))
		return
	}
	if f.closed {
		// the surface went away while it was being opened
		return
	}
	f.surface = surface
	if f.closeRequested {
		f.closeSurface()
	}
}

// Navigating implements SurfaceObserver.
func (f *flow) Navigating(nav *Navigation) {
	if nav == nil || !f.matcher.Match(nav.URL) {
		return
	}
	// The redirect URI only signals completion; it is never loaded, even on a duplicate.
	nav.Cancel()
	if f.resolve(completed(ParseRedirect(nav.URL))) {
		slog.Debug("Intercepted authorization redirect", "service", f.attempt.req.ServiceURI)
	}
	f.closeSurface()
}

// Closed implements SurfaceObserver.
func (f *flow) Closed() {
	if f.closed {
		return
	}
	f.closed = true
	if f.resolve(cancelled()) {
		slog.Info("Authorization window closed before completion", "service", f.attempt.req.ServiceURI)
	}
	f.c.host.FocusOwner()
	f.surface = nil
}

func (f *flow) closeSurface() {
	f.closeRequested = true
	if f.surface == nil || f.closing || f.closed {
		return
	}
	f.closing = true
	if err := f.surface.Close(); err != nil {
		slog.Warn("Failed to close authorization surface", "error", err)
	}
}

// resolve completes the attempt with res. Only the first call has any effect; it reports
// whether this call was the one that resolved the attempt. A completed attempt has its
// surface closed before the coordinator goes back to idle, so a caller woken by Done never
// sees two windows.
func (f *flow) resolve(res Result) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	if res.Status == StatusCompleted {
		f.closeSurface()
	}
	f.c.release(f)
	f.attempt.result = res
	close(f.attempt.done)

	if res.Status == StatusFailed {
		slog.Error("Authorization failed", "service", f.attempt.req.ServiceURI, "error", res.Err)
	}
	recordOutcome(f.span, f.attempt.req, res, time.Since(f.started))
	return true
}
