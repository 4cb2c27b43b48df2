// Package scope implements URL canonicalization and the admission filter
// that decides which discovered URLs are crawled and which are persisted.
package scope

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Canonicalization rule used for frontier dedup: scheme and host are
// lowercased, the fragment is dropped, default ports (80/443) are collapsed,
// an empty path becomes "/", a trailing slash is stripped except on the root
// path, and the query string is preserved. Only http and https URLs are
// admissible.

// Normalize returns the canonical form of u, or false when the URL is not
// crawlable (unsupported scheme or missing host). The argument is not
// modified.
func Normalize(u *url.URL) (*url.URL, bool) {
	if u == nil {
		return nil, false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, false
	}
	if port := u.Port(); port != "" && port != defaultPort(scheme) {
		host += ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	norm := &url.URL{
		Scheme:   scheme,
		Host:     host,
		RawQuery: u.RawQuery,
	}
	norm.Path, norm.RawPath = decodePath(path)
	return norm, true
}

// NormalizeString parses and canonicalizes a raw URL string.
func NormalizeString(raw string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	return Normalize(u)
}

// NormalizePrefix canonicalizes the configured crawl prefix: scheme and host
// are lowercased, default ports collapse, and the fragment and query are
// discarded. The path is kept verbatim — in particular a trailing slash is
// preserved, since that is how callers opt into path-boundary scope
// semantics on top of the literal prefix test.
func NormalizePrefix(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url prefix must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url prefix: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("url prefix %q must start with http:// or https://", raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url prefix %q must include a hostname", raw)
	}
	if port := u.Port(); port != "" && port != defaultPort(scheme) {
		host += ":" + port
	}
	return scheme + "://" + host + u.EscapedPath(), nil
}

// Filter is the admission filter: a literal prefix scope test plus an
// unanchored regular-expression match test. Both tests are pure.
type Filter struct {
	prefix  string
	pattern *regexp.Regexp
}

// NewFilter builds a filter from a normalized prefix and a compiled pattern.
func NewFilter(prefix string, pattern *regexp.Regexp) *Filter {
	return &Filter{prefix: prefix, pattern: pattern}
}

// InScope reports whether the normalized URL string starts with the
// configured prefix. This is a literal string-prefix test: a prefix of
// "https://a.com/blog" also admits "https://a.com/blog2/x". Callers wanting
// path-boundary semantics must configure a trailing separator.
func (f *Filter) InScope(normalized string) bool {
	return strings.HasPrefix(normalized, f.prefix)
}

// Matches returns every substring of the URL matched by the configured
// pattern, or nil when the URL does not match. Only the URL is tested, never
// page content.
func (f *Filter) Matches(normalized string) []string {
	return f.pattern.FindAllString(normalized, -1)
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

// decodePath splits an escaped path into the decoded Path and, when the
// escaped form is not canonical, a RawPath that preserves it.
func decodePath(escaped string) (path, rawPath string) {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return escaped, ""
	}
	tmp := url.URL{Path: decoded}
	if tmp.EscapedPath() != escaped {
		return decoded, escaped
	}
	return decoded, ""
}
