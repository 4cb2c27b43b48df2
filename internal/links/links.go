// Package links discovers outbound references in an HTML document. The
// document is parsed once; discovered URLs are exposed as a lazy, finite,
// restartable sequence so callers can stop early or iterate again.
package links

import (
	"bytes"
	"iter"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Attributes holding URL references worth following.
const refSelector = "[href], [src]"

// Extractor yields the absolute URLs referenced by one HTML document.
type Extractor struct {
	doc  *goquery.Document
	base *url.URL
}

// New parses body and prepares extraction against baseURL. Malformed markup
// is tolerated: the parser recovers what it can, and a body that cannot be
// parsed at all simply yields no links.
func New(body []byte, baseURL *url.URL) *Extractor {
	e := &Extractor{base: baseURL}
	if len(body) == 0 || baseURL == nil {
		return e
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return e
	}
	e.doc = doc
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := baseURL.Parse(strings.TrimSpace(href)); err == nil {
			e.base = resolved
		}
	}
	return e
}

// All returns the sequence of absolute http(s) URLs referenced by the
// document, resolved against the base URL, fragments stripped, duplicates
// within the document elided. The sequence is restartable: each range starts
// over from the first reference.
func (e *Extractor) All() iter.Seq[*url.URL] {
	return func(yield func(*url.URL) bool) {
		if e.doc == nil || e.base == nil {
			return
		}
		seen := make(map[string]struct{})
		e.doc.Find(refSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if goquery.NodeName(s) == "base" {
				return true
			}
			ref, ok := s.Attr("href")
			if !ok {
				ref, ok = s.Attr("src")
			}
			if !ok {
				return true
			}
			ref = strings.TrimSpace(ref)
			if ref == "" {
				return true
			}
			if strings.HasPrefix(ref, "javascript:") ||
				strings.HasPrefix(ref, "mailto:") ||
				strings.HasPrefix(ref, "data:") ||
				strings.HasPrefix(ref, "tel:") {
				return true
			}

			u, err := e.base.Parse(ref)
			if err != nil {
				return true
			}
			u.Fragment = ""
			scheme := strings.ToLower(u.Scheme)
			if scheme != "http" && scheme != "https" {
				return true
			}
			key := u.String()
			if _, dup := seen[key]; dup {
				return true
			}
			seen[key] = struct{}{}
			return yield(u)
		})
	}
}
