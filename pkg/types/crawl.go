package types

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ContentKind classifies a fetched body by its Content-Type header.
type ContentKind int

const (
	// ContentKindOther covers bodies the crawler persists or skips but
	// never parses for links.
	ContentKindOther ContentKind = iota
	// ContentKindHTML marks bodies eligible for link discovery.
	ContentKindHTML
)

// KindOf derives the content kind from a Content-Type header value.
func KindOf(contentType string) ContentKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return ContentKindHTML
	default:
		return ContentKindOther
	}
}

// Page represents a fetched document.
type Page struct {
	URL         *url.URL
	Body        []byte
	ContentType string
	Kind        ContentKind
	StatusCode  int
	Headers     http.Header
	FetchedAt   time.Time
}

// MatchRecord is one line of matches.jsonl, written once per persisted
// matching page and never mutated afterwards.
type MatchRecord struct {
	URL           string    `json:"url"`
	Host          string    `json:"host"`
	FetchedAt     time.Time `json:"fetchedAt"`
	HTTPStatus    int       `json:"httpStatus"`
	ContentLength int64     `json:"contentLength"`
	SavedPath     string    `json:"savedPath"`
	Matches       []string  `json:"matches,omitempty"`
}
