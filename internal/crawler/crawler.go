// Package crawler orchestrates the crawl: it pulls URLs from the frontier,
// fetches them, persists matches, and feeds discovered in-scope links back
// into the frontier until the frontier drains or the page budget is spent.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"pagesieve/internal/config"
	"pagesieve/internal/fetcher"
	"pagesieve/internal/frontier"
	"pagesieve/internal/links"
	robotsclient "pagesieve/internal/robots"
	"pagesieve/internal/scope"
	"pagesieve/internal/storage"
	"pagesieve/pkg/types"
)

// State describes the engine lifecycle. Terminal states are final; there is
// no resume within one process lifetime.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Engine runs one crawl. Build it with New and run it exactly once.
type Engine struct {
	cfg     config.Config
	prefix  string
	filter  *scope.Filter
	fetcher fetcher.Fetcher
	writer  *storage.Writer
	robots  *robotsclient.Agent
	limiter *HostLimiter

	frontier *frontier.Frontier
	logger   *slog.Logger
	stats    Stats

	maxPages int64
	started  atomic.Int64
	limitHit atomic.Bool

	state  atomic.Int32
	cancel context.CancelFunc

	failMu sync.Mutex
	fatal  error
}

// New builds a crawler engine from validated configuration.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	prefix, err := scope.NormalizePrefix(cfg.Crawl.URLPrefix)
	if err != nil {
		return nil, err
	}
	pattern, err := cfg.Pattern()
	if err != nil {
		return nil, fmt.Errorf("match pattern: %w", err)
	}

	httpFetcher := fetcher.New(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
	})

	var sink storage.MatchSink
	if cfg.DB.Enabled() {
		mirror, err := storage.NewSQLMirror(cfg.DB)
		if err != nil {
			return nil, err
		}
		sink = mirror
	}
	writer, err := storage.NewWriter(cfg.Output.Dir, sink)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		prefix:   prefix,
		filter:   scope.NewFilter(prefix, pattern),
		fetcher:  httpFetcher,
		writer:   writer,
		robots:   robotsclient.NewAgent(cfg.Robots, httpFetcher.Client()),
		limiter:  NewHostLimiter(cfg.Crawl.PerHostDelay.Duration, RateLimiterSettings{Requests: cfg.Crawl.RateLimit.Requests, Window: cfg.Crawl.RateLimit.Window.Duration}),
		frontier: frontier.New(),
		logger:   logger,
		maxPages: int64(cfg.Crawl.MaxPages),
	}, nil
}

// Run executes the crawl until the frontier drains, the page budget is
// spent, the context is cancelled, or a persistence failure aborts the run.
// It returns nil exactly when the terminal state is Completed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.New("crawl already started")
	}

	seed, err := url.Parse(e.prefix)
	if err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	e.frontier.Push(seed)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel

	e.logger.Info("crawl starting",
		"prefix", e.prefix,
		"pattern", e.cfg.Crawl.MatchRegex,
		"maxPages", e.maxPages,
		"timeout", e.cfg.Crawl.RequestTimeout.Duration,
		"concurrency", e.cfg.Worker.Concurrency,
	)

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	inflight := 0

	// Wake waiting workers when the run context ends, so cancellation is
	// never lost between a condition check and cond.Wait.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		<-runCtx.Done()
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(runCtx, &mu, cond, &inflight)
		}()
	}
	wg.Wait()
	cancel()
	<-watcherDone

	e.failMu.Lock()
	fatal := e.fatal
	e.failMu.Unlock()

	var runErr error
	switch {
	case fatal != nil:
		runErr = fatal
	case ctx.Err() != nil:
		runErr = ctx.Err()
	}

	if cerr := e.writer.Close(); cerr != nil && runErr == nil {
		runErr = fmt.Errorf("close writer: %w", cerr)
	}

	snap := e.stats.Snapshot()
	if runErr != nil {
		e.state.Store(int32(StateAborted))
		e.logger.Error("crawl aborted",
			"error", runErr,
			"fetched", snap.Fetched,
			"matched", snap.Matched,
			"skipped", snap.Skipped,
			"fetchErrors", snap.Errors,
		)
		return runErr
	}

	e.state.Store(int32(StateCompleted))
	e.logger.Info("crawl completed",
		"fetched", snap.Fetched,
		"matched", snap.Matched,
		"skipped", snap.Skipped,
		"fetchErrors", snap.Errors,
		"discovered", e.frontier.VisitedCount(),
	)
	return nil
}

// State reports the engine lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Stats returns a snapshot of the run counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

func (e *Engine) work(ctx context.Context, mu *sync.Mutex, cond *sync.Cond, inflight *int) {
	for {
		mu.Lock()
		for e.frontier.Empty() && *inflight > 0 && !e.done(ctx) {
			cond.Wait()
		}
		if e.done(ctx) || e.frontier.Empty() {
			mu.Unlock()
			cond.Broadcast()
			return
		}
		entry, ok := e.frontier.Pop()
		if !ok {
			mu.Unlock()
			continue
		}
		*inflight++
		mu.Unlock()

		e.process(ctx, entry)

		mu.Lock()
		*inflight--
		mu.Unlock()
		cond.Broadcast()
	}
}

func (e *Engine) done(ctx context.Context) bool {
	if ctx.Err() != nil || e.limitHit.Load() {
		return true
	}
	e.failMu.Lock()
	fatal := e.fatal
	e.failMu.Unlock()
	return fatal != nil
}

func (e *Engine) process(ctx context.Context, entry frontier.Entry) {
	u := entry.URL
	target := u.String()

	if !e.robots.Allowed(ctx, u) {
		e.logger.Debug("blocked by robots", "url", target)
		e.stats.skipped.Add(1)
		return
	}
	if err := e.limiter.Wait(ctx, u.Hostname()); err != nil {
		return
	}
	if !e.reserveFetch() {
		return
	}

	e.logger.Info("fetching", "url", target, "seq", entry.Seq)
	page, err := e.fetcher.Fetch(ctx, u)
	if err != nil {
		e.stats.errors.Add(1)
		e.logFetchFailure(target, err)
		e.checkBudget()
		return
	}
	e.stats.fetched.Add(1)

	if matches := e.filter.Matches(target); len(matches) > 0 {
		if err := e.persistMatch(u, page, matches); err != nil {
			e.fail(err)
			return
		}
	}

	if page.Kind == types.ContentKindHTML {
		e.discover(page.Body, u, target)
	}
	e.checkBudget()
}

func (e *Engine) persistMatch(u *url.URL, page *types.Page, matches []string) error {
	path, err := e.writer.SavePage(u, page.Body, matches)
	if err != nil {
		return fmt.Errorf("persist page %s: %w", u, err)
	}
	rec := types.MatchRecord{
		URL:           u.String(),
		Host:          u.Host,
		FetchedAt:     page.FetchedAt,
		HTTPStatus:    page.StatusCode,
		ContentLength: int64(len(page.Body)),
		SavedPath:     path,
		Matches:       matches,
	}
	if err := e.writer.AppendRecord(rec); err != nil {
		return fmt.Errorf("record match %s: %w", u, err)
	}
	e.stats.matched.Add(1)
	e.logger.Info("saved match", "url", rec.URL, "path", path, "matches", len(matches))
	return nil
}

func (e *Engine) discover(body []byte, base *url.URL, from string) {
	for link := range links.New(body, base).All() {
		if e.cfg.Crawl.LogDiscovered {
			e.logger.Debug("discovered", "url", link.String(), "on", from)
		}
		norm, ok := scope.Normalize(link)
		if !ok {
			continue
		}
		if !e.filter.InScope(norm.String()) {
			e.stats.skipped.Add(1)
			continue
		}
		e.frontier.Push(norm)
	}
}

// reserveFetch claims one unit of the page budget. The check-and-increment
// is a CAS loop so concurrent workers never start more than maxPages fetches.
func (e *Engine) reserveFetch() bool {
	if e.maxPages <= 0 {
		return true
	}
	for {
		cur := e.started.Load()
		if cur >= e.maxPages {
			e.limitHit.Store(true)
			return false
		}
		if e.started.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (e *Engine) checkBudget() {
	if e.maxPages > 0 && e.started.Load() >= e.maxPages {
		e.limitHit.Store(true)
	}
}

// fail records the first fatal error and cancels in-flight work.
func (e *Engine) fail(err error) {
	e.failMu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.failMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) logFetchFailure(target string, err error) {
	var (
		timeoutErr *fetcher.TimeoutError
		httpErr    *fetcher.HTTPError
		netErr     *fetcher.NetworkError
	)
	switch {
	case errors.As(err, &timeoutErr):
		e.logger.Warn("fetch timed out", "url", target, "timeout", timeoutErr.Timeout)
	case errors.As(err, &httpErr):
		e.logger.Warn("fetch returned error status", "url", target, "status", httpErr.StatusCode)
	case errors.As(err, &netErr):
		e.logger.Warn("fetch failed", "url", target, "error", netErr.Err)
	default:
		e.logger.Warn("fetch failed", "url", target, "error", err)
	}
}
