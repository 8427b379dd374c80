package oauth

import (
	"net/url"
	"strings"
)

// DefaultApprovalMarker is the path segment of the portal's intermediate "access approved" page.
const DefaultApprovalMarker = "/oauth2/approval"

// Matcher decides whether a navigation target is the redirect that ends an authorization attempt.
type Matcher struct {
	RedirectURI string
	// ApprovalMarkers are path segments that, when present in both the redirect URI and the
	// target, count as a match even if the target does not start with the redirect URI.
	ApprovalMarkers []string
}

// Match reports whether target should be intercepted.
func (m Matcher) Match(target string) bool {
	if target == "" {
		return false
	}
	target = absoluteForm(target)
	redirect := absoluteForm(m.RedirectURI)
	if redirect != "" && strings.HasPrefix(target, redirect) {
		return true
	}
	for _, marker := range m.ApprovalMarkers {
		if marker == "" {
			continue
		}
		if strings.Contains(redirect, marker) && strings.Contains(target, marker) {
			return true
		}
	}
	return false
}

// absoluteForm normalizes the parts of a URI that browsers normalize before navigating, so
// "HTTP://LocalHost" and "http://localhost/" compare equal.
func absoluteForm(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Host != "" && u.Path == "" && u.RawPath == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String()
}
