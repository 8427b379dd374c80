package oauth

import "errors"

var (
	// ErrFlowInProgress is returned when an authorization is requested while another attempt
	// on the same coordinator has not been resolved yet.
	ErrFlowInProgress = errors.New("authorization flow already in progress")
	// ErrUserCancelled is returned when the user closes the browser surface before the
	// redirect is intercepted.
	ErrUserCancelled = errors.New("authorization cancelled by user")
	// ErrSurfaceDisplay wraps failures to build or display the browser surface.
	ErrSurfaceDisplay = errors.New("failed to display authorization surface")
)
