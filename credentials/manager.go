// Package credentials turns the parameters of an authorization redirect into credentials for
// portal services, and keeps them for the lifetime of the process.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/mapdesk/mapdesk/oauth"
	"github.com/mapdesk/mapdesk/telemetry"
)

var (
	// ErrNoCredential is returned when there is no valid credential and prompting is off.
	ErrNoCredential = errors.New("no credential for service")
	// ErrNoServerConfig is returned for services no ServerConfig covers.
	ErrNoServerConfig = errors.New("no server configuration for service")
	// ErrAuthorizationDenied wraps error responses from the identity provider.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrStateMismatch means the redirect did not answer the request that was sent.
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrIncompleteResponse means the redirect carried neither a code nor a token.
	ErrIncompleteResponse = errors.New("authorization response has no code or token")
)

// ServerConfig registers an OAuth client for a portal.
type ServerConfig struct {
	// ServiceURL is the sharing REST root, e.g. https://www.arcgis.com/sharing/rest. It also
	// covers every URL below it.
	ServiceURL  string
	ClientID    string
	RedirectURL string
	Scopes      []string
}

func (s ServerConfig) oauth2Config() *oauth2.Config {
	base := strings.TrimSuffix(s.ServiceURL, "/")
	return &oauth2.Config{
		ClientID:    s.ClientID,
		RedirectURL: s.RedirectURL,
		Scopes:      s.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/oauth2/authorize",
			TokenURL:  base + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Credential is a signed-in user's token for one portal.
type Credential struct {
	ServiceURL string
	Username   string
	Token      *oauth2.Token
}

// Valid reports whether the credential holds an unexpired token.
func (c *Credential) Valid() bool {
	return c != nil && c.Token.Valid()
}

// Authorizer runs the browser part of a sign-in and returns the redirect parameters.
type Authorizer interface {
	AuthorizeAndWait(ctx context.Context, req oauth.Request) (oauth.Params, error)
}

// Manager hands out credentials, signing in through its Authorizer when needed.
type Manager struct {
	authorizer Authorizer
	httpClient *http.Client
	newState   func() string
	now        func() time.Time

	mu      sync.Mutex
	servers []ServerConfig
	creds   map[string]*Credential
}

type Option func(*Manager)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

func NewManager(authorizer Authorizer, opts ...Option) *Manager {
	m := &Manager{
		authorizer: authorizer,
		newState:   uuid.NewString,
		now:        time.Now,
		creds:      make(map[string]*Credential),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = 3
		rc.RetryWaitMax = 5 * time.Second
		rc.Logger = slog.Default()
		rc.HTTPClient.Transport = telemetry.NewRoundTripper(rc.HTTPClient.Transport)
		m.httpClient = rc.StandardClient()
	}
	return m
}

// AddServer registers cfg. A later registration for the same service URL replaces it.
func (m *Manager) AddServer(cfg ServerConfig) {
	cfg.ServiceURL = strings.TrimSuffix(cfg.ServiceURL, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.servers {
		if s.ServiceURL == cfg.ServiceURL {
			m.servers[i] = cfg
			return
		}
	}
	m.servers = append(m.servers, cfg)
}

// serverFor returns the config with the longest service URL that serviceURL falls under.
func (m *Manager) serverFor(serviceURL string) (ServerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  ServerConfig
		found bool
	)
	for _, s := range m.servers {
		if serviceURL != s.ServiceURL && !strings.HasPrefix(serviceURL, s.ServiceURL+"/") {
			continue
		}
		if !found || len(s.ServiceURL) > len(best.ServiceURL) {
			best, found = s, true
		}
	}
	return best, found
}

// Credential returns the cached credential for serviceURL, if there is a valid one.
func (m *Manager) Credential(serviceURL string) (*Credential, bool) {
	server, ok := m.serverFor(strings.TrimSuffix(serviceURL, "/"))
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := m.creds[server.ServiceURL]
	return cred, cred.Valid()
}

// GetCredential returns a valid credential for serviceURL. Without one, it signs in when
// prompt is set and fails with ErrNoCredential otherwise. A sign-in the user cancels returns
// oauth.ErrUserCancelled.
func (m *Manager) GetCredential(ctx context.Context, serviceURL string, prompt bool) (*Credential, error) {
	serviceURL = strings.TrimSuffix(serviceURL, "/")
	server, ok := m.serverFor(serviceURL)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoServerConfig, serviceURL)
	}
	if cred, ok := m.Credential(serviceURL); ok {
		return cred, nil
	}
	if !prompt {
		return nil, fmt.Errorf("%w: %s", ErrNoCredential, serviceURL)
	}

	cred, err := m.signIn(ctx, server)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.creds[server.ServiceURL] = cred
	m.mu.Unlock()
	slog.Info("Signed in", "service", server.ServiceURL, "user", cred.Username)
	return cred, nil
}

func (m *Manager) signIn(ctx context.Context, server ServerConfig) (*Credential, error) {
	conf := server.oauth2Config()
	state := m.newState()
	params, err := m.authorizer.AuthorizeAndWait(ctx, oauth.Request{
		ServiceURI:   server.ServiceURL,
		AuthorizeURI: conf.AuthCodeURL(state),
		RedirectURI:  server.RedirectURL,
	})
	if err != nil {
		return nil, err
	}
	return m.credentialFromParams(ctx, server, conf, state, params)
}

func (m *Manager) credentialFromParams(ctx context.Context, server ServerConfig, conf *oauth2.Config, state string, params oauth.Params) (*Credential, error) {
	if code := params.Get("error"); code != "" {
		return nil, fmt.Errorf("%w: %s (%s)", ErrAuthorizationDenied, code, params.Get("error_description"))
	}
	if params.Has("state") && params.Get("state") != state {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrStateMismatch, state, params.Get("state"))
	}

	if accessToken := params.Get("access_token"); accessToken != "" {
		token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
		if secs, err := strconv.Atoi(params.Get("expires_in")); err == nil && secs > 0 {
			token.Expiry = m.now().Add(time.Duration(secs) * time.Second)
		}
		return &Credential{ServiceURL: server.ServiceURL, Username: params.Get("username"), Token: token}, nil
	}

	code := params.Get("code")
	if code == "" {
		return nil, ErrIncompleteResponse
	}
	token, err := conf.Exchange(context.WithValue(ctx, oauth2.HTTPClient, m.httpClient), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	username, _ := token.Extra("username").(string)
	return &Credential{ServiceURL: server.ServiceURL, Username: username, Token: token}, nil
}
