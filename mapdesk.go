// Package mapdesk signs the desktop client in to its portal. It connects the configuration,
// the browser sign-in flow and the credential cache; map rendering lives elsewhere.
package mapdesk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mapdesk/mapdesk/config"
	"github.com/mapdesk/mapdesk/credentials"
	"github.com/mapdesk/mapdesk/oauth"
	"github.com/mapdesk/mapdesk/uithread"
)

type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Host shows the sign-in window. Required.
	Host oauth.Host
	// Scheduler runs work on the UI thread. Defaults to uithread.Immediate.
	Scheduler uithread.Scheduler
	// HTTPClient is used for the token exchange. Defaults to a retrying client.
	HTTPClient *http.Client
}

// Client signs in to the configured portal.
type Client struct {
	coordinator *oauth.Coordinator
	credentials *credentials.Manager

	mu         sync.Mutex
	serviceURL string
}

func New(opts Options) (*Client, error) {
	if opts.Host == nil {
		return nil, errors.New("a browser host is required")
	}
	cfg := opts.Config
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = uithread.Immediate{}
	}

	c := &Client{
		coordinator: oauth.NewCoordinator(opts.Host, sched, oauth.WithApprovalMarkers(cfg.Portal.ApprovalMarkers...)),
	}
	var mopts []credentials.Option
	if opts.HTTPClient != nil {
		mopts = append(mopts, credentials.WithHTTPClient(opts.HTTPClient))
	}
	c.credentials = credentials.NewManager(c.coordinator, mopts...)
	c.register(cfg)
	return c, nil
}

func (c *Client) register(cfg *config.Config) {
	c.credentials.AddServer(credentials.ServerConfig{
		ServiceURL:  cfg.Portal.URL,
		ClientID:    cfg.Portal.ClientID,
		RedirectURL: cfg.Portal.RedirectURI,
		Scopes:      cfg.Portal.Scopes,
	})
	c.mu.Lock()
	c.serviceURL = cfg.Portal.URL
	c.mu.Unlock()
}

func (c *Client) portal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceURL
}

// ApplyConfig picks up a reloaded configuration. Attempts already running keep the settings
// they started with.
func (c *Client) ApplyConfig(cfg *config.Config) {
	c.coordinator.SetApprovalMarkers(cfg.Portal.ApprovalMarkers)
	c.register(cfg)
}

// EnsureSignedIn makes sure there is a credential for the portal, showing the sign-in window
// if there is none. It returns false without an error if the user closes the window.
func (c *Client) EnsureSignedIn(ctx context.Context) (bool, error) {
	cred, err := c.credentials.GetCredential(ctx, c.portal(), true)
	switch {
	case errors.Is(err, oauth.ErrUserCancelled):
		slog.Info("Sign-in cancelled")
		return false, nil
	case err != nil:
		return false, fmt.Errorf("sign-in failed: %w", err)
	}
	return cred.Valid(), nil
}

// Credential returns the current portal credential, if signed in.
func (c *Client) Credential() (*credentials.Credential, bool) {
	return c.credentials.Credential(c.portal())
}

// Close dismisses an open sign-in window, cancelling its attempt.
func (c *Client) Close() {
	c.coordinator.Close()
}

// Shutdown dismisses an open sign-in window and waits, until ctx is done, for its attempt to
// be cancelled. The UI thread must keep running meanwhile.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.coordinator.Shutdown(ctx)
}
