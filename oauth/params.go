package oauth

import (
	"net/url"
	"strings"
)

// Params holds the key/value pairs carried by a redirect URI.
type Params map[string]string

// Get returns the value for key, or "" if it is not present.
func (p Params) Get(key string) string {
	return p[key]
}

// Has reports whether key is present, even with an empty value.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// ParseRedirectURL is ParseRedirect for an already parsed URL.
func ParseRedirectURL(u *url.URL) Params {
	if u == nil {
		return Params{}
	}
	return ParseRedirect(u.String())
}

// ParseRedirect extracts the parameters of a redirect URI. The fragment wins over the query
// when both are present. Keys are used verbatim, values are percent-decoded, and a token
// without '=' maps to an empty value. Malformed escapes are kept literally; the valid ones
// around them are still decoded.
func ParseRedirect(rawURI string) Params {
	params := Params{}
	for _, token := range strings.Split(redirectSegment(rawURI), "&") {
		if token == "" {
			continue
		}
		key, value, _ := strings.Cut(token, "=")
		params[key] = unescape(value)
	}
	return params
}

// redirectSegment returns the fragment of rawURI if it is non-empty, otherwise the query.
func redirectSegment(rawURI string) string {
	rest, fragment, _ := strings.Cut(rawURI, "#")
	if fragment != "" {
		return fragment
	}
	_, query, _ := strings.Cut(rest, "?")
	return query
}

// unescape decodes every valid %XX escape in s. Unlike url.PathUnescape it does not give up on
// the first malformed one. '+' is not a space.
func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
