// Package browser shows authorization pages in a Chrome window driven over the DevTools
// protocol, and reports its navigations to an oauth.SurfaceObserver.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/mapdesk/mapdesk/oauth"
	"github.com/mapdesk/mapdesk/uithread"
)

type Options struct {
	// ExecPath is the Chrome binary. Empty means chromedp's lookup of the usual names.
	ExecPath    string
	Headless    bool
	UserDataDir string
	Width       int
	Height      int
}

// Host opens one Chrome window per surface. Observer callbacks are run through the scheduler.
type Host struct {
	sched uithread.Scheduler
	opts  Options
}

var _ oauth.Host = (*Host)(nil)

func NewHost(sched uithread.Scheduler, opts Options) *Host {
	return &Host{sched: sched, opts: opts}
}

func (h *Host) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", h.opts.Headless))
	if h.opts.Width > 0 && h.opts.Height > 0 {
		opts = append(opts, chromedp.WindowSize(h.opts.Width, h.opts.Height))
	}
	if h.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(h.opts.ExecPath))
	}
	if h.opts.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(h.opts.UserDataDir))
	}
	return opts
}

// Open starts Chrome and navigates it to authorizeURL. It returns once the browser is up;
// the page loads in the background.
func (h *Host) Open(authorizeURL string, observer oauth.SurfaceObserver) (oauth.Surface, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), h.allocatorOptions()...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx)
	s := newSurface(ctx, h.sched, observer, func() {
		cancelCtx()
		cancelAlloc()
	})

	chromedp.ListenTarget(ctx, s.onTargetEvent)
	chromedp.ListenBrowser(ctx, s.onBrowserEvent)

	// Every document request is paused until the observer has seen it.
	interceptDocuments := fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
		URLPattern:   "*",
		ResourceType: network.ResourceTypeDocument,
		RequestStage: fetch.RequestStageRequest,
	}})
	err := chromedp.Run(ctx,
		interceptDocuments,
		chromedp.ActionFunc(func(ctx context.Context) error {
			c := chromedp.FromContext(ctx)
			s.targetID.Store(c.Target.TargetID)
			return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
		}),
	)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("starting browser: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.closed()
	}()
	go func() {
		if err := chromedp.Run(ctx, chromedp.Navigate(authorizeURL)); err != nil && ctx.Err() == nil {
			slog.Warn("Loading authorization page", "error", err)
		}
	}()
	return s, nil
}

// FocusOwner does nothing: the Chrome window has no owner window to return to.
func (h *Host) FocusOwner() {
	slog.Debug("Authorization window closed")
}

type surface struct {
	sched    uithread.Scheduler
	observer oauth.SurfaceObserver
	ctx      context.Context
	cancel   func()
	targetID atomic.Value // target.ID
	// paused requests in the order Chrome reported them
	paused chan *fetch.EventRequestPaused

	closeOnce sync.Once
}

// newSurface starts the goroutine that hands paused requests to the observer one at a time.
// It exits when ctx is done.
func newSurface(ctx context.Context, sched uithread.Scheduler, observer oauth.SurfaceObserver, cancel func()) *surface {
	s := &surface{
		sched:    sched,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		paused:   make(chan *fetch.EventRequestPaused, 64),
	}
	go s.forwardNavigations()
	return s
}

func (s *surface) forwardNavigations() {
	for {
		select {
		case e := <-s.paused:
			s.navigating(e)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *surface) Close() error {
	s.cancel()
	return nil
}

func (s *surface) onTargetEvent(ev any) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		select {
		case s.paused <- e:
		case <-s.ctx.Done():
		}
	case *inspector.EventDetached:
		go s.closed()
	}
}

func (s *surface) onBrowserEvent(ev any) {
	e, ok := ev.(*target.EventTargetDestroyed)
	if !ok {
		return
	}
	if id, _ := s.targetID.Load().(target.ID); id != "" && id == e.TargetID {
		go s.closed()
	}
}

// navigating asks the observer, on the UI thread, whether the paused request may proceed.
func (s *surface) navigating(e *fetch.EventRequestPaused) {
	decision := make(chan bool, 1)
	url := navigationURL(e.Request)
	s.sched.Run(func() {
		nav := oauth.NewNavigation(url)
		s.observer.Navigating(nav)
		decision <- nav.Cancelled()
	})

	var cancelled bool
	select {
	case cancelled = <-decision:
	case <-s.ctx.Done():
		return
	}
	var action chromedp.Action = fetch.ContinueRequest(e.RequestID)
	if cancelled {
		action = fetch.FailRequest(e.RequestID, network.ErrorReasonAborted)
	}
	if err := chromedp.Run(s.ctx, action); err != nil && s.ctx.Err() == nil {
		slog.Debug("Answering paused request", "url", url, "error", err)
	}
}

// closed reports the window as gone exactly once, however that was noticed.
func (s *surface) closed() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.sched.Run(s.observer.Closed)
	})
}

// navigationURL rebuilds the full target of a request; the fragment is reported separately.
func navigationURL(req *network.Request) string {
	if req == nil {
		return ""
	}
	return req.URL + req.URLFragment
}
