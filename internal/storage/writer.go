// Package storage persists matched pages under per-host directories and
// appends one JSON record per match to matches.jsonl. Write failures here
// are fatal to a crawl: a run that cannot persist results must abort.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"pagesieve/pkg/types"
)

const (
	matchesFile      = "matches.jsonl"
	maxFilenameBytes = 240
)

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	digitRun    = regexp.MustCompile(`\d+`)
)

// MatchSink receives match records in addition to the JSONL log, eg. a
// relational mirror.
type MatchSink interface {
	Insert(rec types.MatchRecord) error
	Close() error
}

// Writer owns the output tree for one crawl run.
type Writer struct {
	root string
	sink MatchSink

	mu  sync.Mutex
	log *os.File
}

// NewWriter creates the output root and opens matches.jsonl in append mode,
// so prior history is never truncated. sink may be nil.
func NewWriter(root string, sink MatchSink) (*Writer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	log, err := os.OpenFile(filepath.Join(root, matchesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", matchesFile, err)
	}
	return &Writer{root: root, sink: sink, log: log}, nil
}

// SavePage writes body to a deterministic path under <root>/<host>/ and
// returns the path written. The filename stem is post_<n> when a matched
// substring carries a digit run, otherwise the sanitised last path segment
// suffixed with a short hash of the full URL; either way name collisions
// between distinct URLs are resolved by probing numbered suffixes.
func (w *Writer) SavePage(u *url.URL, body []byte, matches []string) (string, error) {
	dir := filepath.Join(w.root, sanitizeComponent(u.Host))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create host dir: %w", err)
	}

	stem := filenameStem(u, matches)

	w.mu.Lock()
	defer w.mu.Unlock()
	path, err := uniquePath(dir, stem, ".html")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write page: %w", err)
	}
	return path, nil
}

// AppendRecord appends one JSON object line to matches.jsonl. The line is
// marshalled first and written with a single write so records never
// interleave under concurrency. The optional sink receives the record too.
func (w *Writer) AppendRecord(rec types.MatchRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode match record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	_, err = w.log.Write(line)
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("append match record: %w", err)
	}

	if w.sink != nil {
		if err := w.sink.Insert(rec); err != nil {
			return fmt.Errorf("mirror match record: %w", err)
		}
	}
	return nil
}

// MatchesPath returns the location of the JSONL log.
func (w *Writer) MatchesPath() string {
	return filepath.Join(w.root, matchesFile)
}

// Close flushes and releases the JSONL log and the sink.
func (w *Writer) Close() error {
	w.mu.Lock()
	err := w.log.Close()
	w.mu.Unlock()
	if w.sink != nil {
		if cerr := w.sink.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func filenameStem(u *url.URL, matches []string) string {
	if n := digitRunIn(matches); n != "" {
		return "post_" + n
	}

	sum := sha256.Sum256([]byte(u.String()))
	hashed := hex.EncodeToString(sum[:])[:16]

	segment := "root"
	if parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' }); len(parts) > 0 {
		segment = parts[len(parts)-1]
	}
	safe := sanitizeComponent(segment)

	reserved := len("_" + hashed + ".html")
	safe = truncateUTF8(safe, maxFilenameBytes-reserved)
	if safe == "" {
		safe = "segment"
	}
	return safe + "_" + hashed
}

// digitRunIn returns the first run of digits found in any matched substring.
func digitRunIn(matches []string) string {
	for _, m := range matches {
		if n := digitRun.FindString(m); n != "" {
			return n
		}
	}
	return ""
}

func sanitizeComponent(value string) string {
	sanitized := unsafeChars.ReplaceAllString(value, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		return "segment"
	}
	return sanitized
}

// truncateUTF8 shortens value to at most maxBytes without splitting a rune.
func truncateUTF8(value string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(value) <= maxBytes {
		return value
	}
	for maxBytes > 0 && !isRuneStart(value[maxBytes]) {
		maxBytes--
	}
	return value[:maxBytes]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func uniquePath(dir, stem, suffix string) (string, error) {
	candidate := filepath.Join(dir, stem+suffix)
	if notExists(candidate) {
		return candidate, nil
	}
	for i := 1; ; i++ {
		next := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, suffix))
		if notExists(next) {
			return next, nil
		}
	}
}

func notExists(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}
