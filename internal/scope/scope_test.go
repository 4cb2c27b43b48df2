package scope

import (
	"net/url"
	"reflect"
	"regexp"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"lowercases scheme and host", "HTTP://Example.COM/Path", "http://example.com/Path", true},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a", true},
		{"collapses default http port", "http://example.com:80/a", "http://example.com/a", true},
		{"collapses default https port", "https://example.com:443/a", "https://example.com/a", true},
		{"keeps explicit port", "http://example.com:8080/a", "http://example.com:8080/a", true},
		{"empty path becomes root", "https://example.com", "https://example.com/", true},
		{"strips trailing slash", "https://example.com/blog/", "https://example.com/blog", true},
		{"root keeps its slash", "https://example.com/", "https://example.com/", true},
		{"preserves query", "https://example.com/a?page=2", "https://example.com/a?page=2", true},
		{"rejects ftp", "ftp://example.com/a", "", false},
		{"rejects mailto", "mailto:someone@example.com", "", false},
		{"rejects missing host", "https:///a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.in, err)
			}
			got, ok := Normalize(u)
			if ok != tt.ok {
				t.Fatalf("Normalize(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.String() != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got.String(), tt.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, raw := range []string{
		"HTTP://Example.COM:80/Blog/",
		"https://example.com/a?x=1#f",
		"https://example.com",
	} {
		first, ok := NormalizeString(raw)
		if !ok {
			t.Fatalf("NormalizeString(%q) rejected", raw)
		}
		second, ok := Normalize(first)
		if !ok {
			t.Fatalf("second Normalize of %q rejected", first)
		}
		if first.String() != second.String() {
			t.Errorf("normalization not idempotent: %q then %q", first, second)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain prefix", "https://example.com/blog", "https://example.com/blog", false},
		{"trailing slash preserved", "https://example.com/blog/", "https://example.com/blog/", false},
		{"host lowered", "https://Example.COM/Blog", "https://example.com/Blog", false},
		{"query dropped", "https://example.com/blog?page=1", "https://example.com/blog", false},
		{"fragment dropped", "https://example.com/blog#top", "https://example.com/blog", false},
		{"default port collapsed", "https://example.com:443/blog", "https://example.com/blog", false},
		{"empty", "", "", true},
		{"no scheme", "example.com/blog", "", true},
		{"ftp scheme", "ftp://example.com/blog", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePrefix(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePrefix(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("NormalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterInScopeIsLiteral(t *testing.T) {
	f := NewFilter("https://a.com/blog", regexp.MustCompile(`post-\d+`))

	// Literal string-prefix semantics: blog2 shares the prefix bytes.
	if !f.InScope("https://a.com/blog/post-1") {
		t.Error("URL under the prefix should be in scope")
	}
	if !f.InScope("https://a.com/blog2/x") {
		t.Error("literal prefix test must admit blog2 (no boundary awareness)")
	}
	if f.InScope("https://a.com/other") {
		t.Error("URL outside the prefix must not be in scope")
	}
	if f.InScope("http://a.com/blog") {
		t.Error("scheme is part of the literal prefix")
	}

	// A trailing separator opts into boundary semantics.
	bounded := NewFilter("https://a.com/blog/", regexp.MustCompile(`post-\d+`))
	if bounded.InScope("https://a.com/blog2/x") {
		t.Error("trailing separator must exclude blog2")
	}
	if !bounded.InScope("https://a.com/blog/x") {
		t.Error("trailing separator must still admit children")
	}
}

func TestFilterMatches(t *testing.T) {
	f := NewFilter("https://a.com/", regexp.MustCompile(`post-\d+`))

	if got := f.Matches("https://a.com/about/"); got != nil {
		t.Errorf("expected no matches, got %v", got)
	}
	got := f.Matches("https://a.com/post-12/see-post-13")
	want := []string{"post-12", "post-13"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Matches = %v, want %v", got, want)
	}
}
