package oauth

// Host displays browser surfaces on behalf of the coordinator. Implementations deliver
// SurfaceObserver callbacks serially on the UI thread.
type Host interface {
	// Open shows a modal browser surface navigated to authorizeURL. Observer callbacks may
	// be delivered before Open returns.
	Open(authorizeURL string, observer SurfaceObserver) (Surface, error)
	// FocusOwner returns focus to the window that owns the surfaces, if there is one.
	FocusOwner()
}

// Surface is an open browser surface. Close must result in exactly one Closed callback,
// and must be safe to call after the surface has already been closed by the user.
type Surface interface {
	Close() error
}

// SurfaceObserver receives the events of a single surface.
type SurfaceObserver interface {
	// Navigating is called before the surface loads a new document.
	Navigating(nav *Navigation)
	// Closed is called once the surface has been dismissed, for any reason.
	Closed()
}

// Navigation is a pending navigation of a surface.
type Navigation struct {
	URL       string
	cancelled bool
}

// NewNavigation returns a navigation to url that will proceed unless cancelled.
func NewNavigation(url string) *Navigation {
	return &Navigation{URL: url}
}

// Cancel stops the surface from loading the navigation target.
func (n *Navigation) Cancel() {
	n.cancelled = true
}

// Cancelled reports whether Cancel was called.
func (n *Navigation) Cancelled() bool {
	return n.cancelled
}
