package crawler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pagesieve/internal/config"
	"pagesieve/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, prefix string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Crawl.URLPrefix = prefix
	cfg.Crawl.MatchRegex = `post-\d+`
	cfg.Crawl.RequestTimeout = config.DurationFrom(5 * time.Second)
	cfg.Output.Dir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

// newSite serves a small fixed page graph:
//
//	/          -> /post-12, /about, /post-13, /missing, external
//	/about     -> / (cycle), /post-12 (duplicate)
//	/post-12   -> no links
//	/post-13   -> no links
//	/missing   -> 404
func newSite(t *testing.T, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, body)
		}
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		page(`<html><body>
			<a href="/post-12">twelve</a>
			<a href="/about">about</a>
			<a href="/post-13">thirteen</a>
			<a href="/missing">gone</a>
			<a href="https://elsewhere.example/x">external</a>
		</body></html>`)(w, r)
	})
	mux.Handle("/about", page(`<html><body><a href="/">home</a><a href="/post-12">dup</a></body></html>`))
	mux.Handle("/post-12", page(`<html><body>post twelve</body></html>`))
	mux.Handle("/post-13", page(`<html><body>post thirteen</body></html>`))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readRecords(t *testing.T, dir string) []types.MatchRecord {
	t.Helper()
	fh, err := os.Open(filepath.Join(dir, "matches.jsonl"))
	if err != nil {
		t.Fatalf("open matches.jsonl: %v", err)
	}
	defer fh.Close()

	var recs []types.MatchRecord
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		var rec types.MatchRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestRunCompletesAndPersistsMatches(t *testing.T) {
	srv := newSite(t, nil)
	cfg := testConfig(t, srv.URL)

	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if engine.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", engine.State())
	}

	recs := readRecords(t, cfg.Output.Dir)
	if len(recs) != 2 {
		t.Fatalf("got %d match records %+v, want 2", len(recs), recs)
	}
	// Breadth-first discovery order from the seed page.
	if recs[0].URL != srv.URL+"/post-12" || recs[1].URL != srv.URL+"/post-13" {
		t.Errorf("match order = [%s, %s]", recs[0].URL, recs[1].URL)
	}
	for _, rec := range recs {
		info, err := os.Stat(rec.SavedPath)
		if err != nil {
			t.Errorf("savedPath %q missing: %v", rec.SavedPath, err)
			continue
		}
		if info.Size() != rec.ContentLength {
			t.Errorf("%s: size %d != contentLength %d", rec.SavedPath, info.Size(), rec.ContentLength)
		}
		if rec.HTTPStatus != http.StatusOK {
			t.Errorf("%s: status %d", rec.URL, rec.HTTPStatus)
		}
	}

	snap := engine.Stats()
	// Seed, post-12, about, post-13 fetch fine; /missing 404s.
	if snap.Fetched != 4 {
		t.Errorf("fetched = %d, want 4", snap.Fetched)
	}
	if snap.Matched != 2 {
		t.Errorf("matched = %d, want 2", snap.Matched)
	}
	if snap.Errors != 1 {
		t.Errorf("fetch errors = %d, want 1 (the 404)", snap.Errors)
	}
	if snap.Skipped == 0 {
		t.Error("external link should have been counted as skipped")
	}
}

func TestRunIsDeterministic(t *testing.T) {
	srv := newSite(t, nil)

	var orders [][]string
	for i := 0; i < 2; i++ {
		cfg := testConfig(t, srv.URL)
		engine, err := New(cfg, discardLogger())
		if err != nil {
			t.Fatal(err)
		}
		if err := engine.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		var urls []string
		for _, rec := range readRecords(t, cfg.Output.Dir) {
			urls = append(urls, rec.URL)
		}
		orders = append(orders, urls)
	}

	if len(orders[0]) != len(orders[1]) {
		t.Fatalf("runs recorded %d vs %d matches", len(orders[0]), len(orders[1]))
	}
	for i := range orders[0] {
		if orders[0][i] != orders[1][i] {
			t.Errorf("match %d differs: %q vs %q", i, orders[0][i], orders[1][i])
		}
	}
}

func TestMaxPagesBoundsFetchAttempts(t *testing.T) {
	var requests atomic.Int64
	srv := newSite(t, &requests)
	cfg := testConfig(t, srv.URL)
	cfg.Crawl.MaxPages = 2

	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if engine.State() != StateCompleted {
		t.Errorf("state = %s, want completed", engine.State())
	}
	if got := requests.Load(); got > 2 {
		t.Errorf("server saw %d requests, budget was 2", got)
	}
}

func TestMaxPagesBoundHoldsUnderConcurrency(t *testing.T) {
	var requests atomic.Int64
	srv := newSite(t, &requests)
	cfg := testConfig(t, srv.URL)
	cfg.Crawl.MaxPages = 3
	cfg.Worker.Concurrency = 8

	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := requests.Load(); got > 3 {
		t.Errorf("server saw %d requests, budget was 3", got)
	}
}

func TestCyclicGraphTerminates(t *testing.T) {
	// / and /loop link to each other; dedup must end the crawl.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<a href="/loop">loop</a>`)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<a href="/">back</a>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cyclic graph did not terminate")
	}
	if got := engine.Stats().Fetched; got != 2 {
		t.Errorf("fetched = %d, want 2", got)
	}
}

func TestEachURLFetchedAtMostOnce(t *testing.T) {
	var requests atomic.Int64
	srv := newSite(t, &requests)
	cfg := testConfig(t, srv.URL)

	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 5 distinct in-scope URLs exist; about/ links back to already-visited
	// pages, which must not be fetched again.
	if got := requests.Load(); got != 5 {
		t.Errorf("server saw %d requests, want 5", got)
	}
	if got := engine.frontier.VisitedCount(); got != 5 {
		t.Errorf("visited set holds %d URLs, want 5", got)
	}
}

func TestFetchFailureDoesNotAbort(t *testing.T) {
	srv := newSite(t, nil)
	cfg := testConfig(t, srv.URL)

	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("a 404 must not abort the run: %v", err)
	}
	if engine.State() != StateCompleted {
		t.Errorf("state = %s, want completed", engine.State())
	}
	if engine.Stats().Errors == 0 {
		t.Error("error counter should be non-zero")
	}
}

func TestPersistenceFailureAborts(t *testing.T) {
	srv := newSite(t, nil)
	cfg := testConfig(t, srv.URL)

	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Occupy the host directory path with a regular file so SavePage fails.
	hostDir := filepath.Join(cfg.Output.Dir, sanitizedHost(srv.URL))
	if err := os.WriteFile(hostDir, []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = engine.Run(context.Background())
	if err == nil {
		t.Fatal("expected run to abort on persistence failure")
	}
	if engine.State() != StateAborted {
		t.Errorf("state = %s, want aborted", engine.State())
	}
}

func TestContextCancellationAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	cfg := testConfig(t, srv.URL)
	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("cancelled run should return an error")
		}
		if engine.State() != StateAborted {
			t.Errorf("state = %s, want aborted", engine.State())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRunTwiceFails(t *testing.T) {
	srv := newSite(t, nil)
	cfg := testConfig(t, srv.URL)
	engine, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := engine.Run(context.Background()); err == nil {
		t.Error("second Run must be rejected")
	}
}

// sanitizedHost mirrors the storage layer's host directory naming.
func sanitizedHost(rawURL string) string {
	host := rawURL[len("http://"):]
	out := make([]rune, 0, len(host))
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
