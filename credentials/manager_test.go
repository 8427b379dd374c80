package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapdesk/mapdesk/oauth"
)

type fakeAuthorizer struct {
	requests []oauth.Request
	respond  func(req oauth.Request) (oauth.Params, error)
}

func (f *fakeAuthorizer) AuthorizeAndWait(_ context.Context, req oauth.Request) (oauth.Params, error) {
	f.requests = append(f.requests, req)
	return f.respond(req)
}

// stateOf returns the state parameter the manager put in the authorize URL.
func stateOf(t *testing.T, req oauth.Request) string {
	t.Helper()
	u, err := url.Parse(req.AuthorizeURI)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func newTokenServer(t *testing.T) (*httptest.Server, *url.Values) {
	t.Helper()
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sharing/rest/oauth2/token" {
			http.NotFound(w, r)
			return
		}
		assert.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "exchanged-token",
			"expires_in":    1800,
			"username":      "ana",
			"refresh_token": "ignored",
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestGetCredentialExchangesCode(t *testing.T) {
	srv, form := newTokenServer(t)
	service := srv.URL + "/sharing/rest"

	auth := &fakeAuthorizer{}
	auth.respond = func(req oauth.Request) (oauth.Params, error) {
		return oauth.Params{"code": "the-code", "state": stateOf(t, req)}, nil
	}
	m := NewManager(auth, WithHTTPClient(srv.Client()))
	m.AddServer(ServerConfig{ServiceURL: service + "/", ClientID: "client-1", RedirectURL: "http://localhost"})

	cred, err := m.GetCredential(context.Background(), service+"/content/items", true)
	require.NoError(t, err)
	assert.Equal(t, "exchanged-token", cred.Token.AccessToken)
	assert.Equal(t, "ana", cred.Username)
	assert.Equal(t, service, cred.ServiceURL)
	assert.True(t, cred.Valid())

	require.Len(t, auth.requests, 1)
	req := auth.requests[0]
	assert.Equal(t, service, req.ServiceURI)
	assert.Equal(t, "http://localhost", req.RedirectURI)
	authorize, err := url.Parse(req.AuthorizeURI)
	require.NoError(t, err)
	assert.Equal(t, "/sharing/rest/oauth2/authorize", authorize.Path)
	assert.Equal(t, "code", authorize.Query().Get("response_type"))
	assert.Equal(t, "client-1", authorize.Query().Get("client_id"))
	assert.NotEmpty(t, authorize.Query().Get("state"))

	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "client-1", form.Get("client_id"))
	assert.Equal(t, "authorization_code", form.Get("grant_type"))

	// cached for later calls, no second prompt
	again, err := m.GetCredential(context.Background(), service, true)
	require.NoError(t, err)
	assert.Same(t, cred, again)
	assert.Len(t, auth.requests, 1)
}

func TestGetCredentialImplicitToken(t *testing.T) {
	auth := &fakeAuthorizer{respond: func(req oauth.Request) (oauth.Params, error) {
		return oauth.Params{"access_token": "tok", "expires_in": "7200", "username": "bo"}, nil
	}}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManager(auth)
	m.now = func() time.Time { return now }
	m.AddServer(ServerConfig{ServiceURL: "https://www.arcgis.com/sharing/rest", ClientID: "c", RedirectURL: "http://localhost"})

	cred, err := m.GetCredential(context.Background(), "https://www.arcgis.com/sharing/rest", true)
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.Token.AccessToken)
	assert.Equal(t, "bo", cred.Username)
	assert.Equal(t, now.Add(2*time.Hour), cred.Token.Expiry)
}

func TestGetCredentialWithoutPrompt(t *testing.T) {
	auth := &fakeAuthorizer{respond: func(oauth.Request) (oauth.Params, error) {
		t.Fatal("must not prompt")
		return nil, nil
	}}
	m := NewManager(auth)
	m.AddServer(ServerConfig{ServiceURL: "https://www.arcgis.com/sharing/rest", ClientID: "c", RedirectURL: "http://localhost"})

	_, err := m.GetCredential(context.Background(), "https://www.arcgis.com/sharing/rest", false)
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = m.GetCredential(context.Background(), "https://elsewhere.example.com", true)
	assert.ErrorIs(t, err, ErrNoServerConfig)

	_, ok := m.Credential("https://www.arcgis.com/sharing/rest")
	assert.False(t, ok)
}

func TestGetCredentialFailures(t *testing.T) {
	tests := []struct {
		name    string
		respond func(req oauth.Request) (oauth.Params, error)
		want    error
	}{
		{
			name:    "cancelled",
			respond: func(oauth.Request) (oauth.Params, error) { return nil, oauth.ErrUserCancelled },
			want:    oauth.ErrUserCancelled,
		},
		{
			name: "denied",
			respond: func(oauth.Request) (oauth.Params, error) {
				return oauth.Params{"error": "access_denied", "error_description": "The user denied your request."}, nil
			},
			want: ErrAuthorizationDenied,
		},
		{
			name:    "state mismatch",
			respond: func(oauth.Request) (oauth.Params, error) { return oauth.Params{"code": "c", "state": "forged"}, nil },
			want:    ErrStateMismatch,
		},
		{
			name:    "empty",
			respond: func(oauth.Request) (oauth.Params, error) { return oauth.Params{}, nil },
			want:    ErrIncompleteResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(&fakeAuthorizer{respond: tt.respond})
			m.AddServer(ServerConfig{ServiceURL: "https://www.arcgis.com/sharing/rest", ClientID: "c", RedirectURL: "http://localhost"})
			_, err := m.GetCredential(context.Background(), "https://www.arcgis.com/sharing/rest", true)
			assert.ErrorIs(t, err, tt.want)
			_, ok := m.Credential("https://www.arcgis.com/sharing/rest")
			assert.False(t, ok, "failures are not cached")
		})
	}
}

func TestServerForLongestPrefix(t *testing.T) {
	m := NewManager(&fakeAuthorizer{})
	m.AddServer(ServerConfig{ServiceURL: "https://gis.example.org/portal", ClientID: "outer"})
	m.AddServer(ServerConfig{ServiceURL: "https://gis.example.org/portal/sharing/rest", ClientID: "inner"})
	m.AddServer(ServerConfig{ServiceURL: "https://gis.example.org/portal", ClientID: "outer-2"})

	s, ok := m.serverFor("https://gis.example.org/portal/sharing/rest/content")
	require.True(t, ok)
	assert.Equal(t, "inner", s.ClientID)

	s, ok = m.serverFor("https://gis.example.org/portal/home")
	require.True(t, ok)
	assert.Equal(t, "outer-2", s.ClientID, "re-registering replaces the config")

	_, ok = m.serverFor("https://gis.example.org/portal2")
	assert.False(t, ok)
}
