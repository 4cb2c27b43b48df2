// Package frontier holds the crawl queue and the visited set. Ordering is
// first-in-first-out, so a crawl explores breadth-first and, absent
// concurrency, deterministically.
package frontier

import (
	"net/url"
	"sync"

	"pagesieve/internal/scope"
)

// Entry is a queued URL together with its discovery sequence number.
type Entry struct {
	URL *url.URL
	Seq uint64
}

// Frontier is safe for concurrent use. A URL enters the visited set the
// moment it is enqueued, so enqueue-time dedup is authoritative: each URL is
// handed out by Pop at most once per run.
type Frontier struct {
	mu      sync.Mutex
	queue   []Entry
	head    int
	visited map[string]struct{}
	nextSeq uint64
}

// New returns an empty frontier.
func New() *Frontier {
	return &Frontier{visited: make(map[string]struct{})}
}

// Push canonicalizes u and appends it to the queue unless it was enqueued
// before or is not crawlable. It reports whether the URL was accepted.
func (f *Frontier) Push(u *url.URL) bool {
	norm, ok := scope.Normalize(u)
	if !ok {
		return false
	}
	key := norm.String()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; seen {
		return false
	}
	f.visited[key] = struct{}{}
	f.queue = append(f.queue, Entry{URL: norm, Seq: f.nextSeq})
	f.nextSeq++
	return true
}

// Pop removes and returns the earliest-discovered entry, or false when the
// queue is empty.
func (f *Frontier) Pop() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head >= len(f.queue) {
		return Entry{}, false
	}
	entry := f.queue[f.head]
	f.queue[f.head] = Entry{}
	f.head++
	if f.head == len(f.queue) {
		f.queue = f.queue[:0]
		f.head = 0
	}
	return entry, true
}

// Empty reports whether the queue holds no pending entries.
func (f *Frontier) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head >= len(f.queue)
}

// Len returns the number of pending entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.head
}

// Visited reports whether the canonical form of u was ever enqueued.
func (f *Frontier) Visited(u *url.URL) bool {
	norm, ok := scope.Normalize(u)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, seen := f.visited[norm.String()]
	return seen
}

// VisitedCount returns the size of the visited set.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}
