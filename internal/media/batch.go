package media

import (
	"log/slog"
	"sync"
)

// remover deletes one stored file. Missing files are not an error.
type remover interface {
	Remove(path string) error
}

// Batch accumulates every file written during one ingest request so that a
// failed request can delete all of them. It is owned by a single request but
// safe for the concurrent per-file workers of that request.
type Batch struct {
	store remover

	mu    sync.Mutex
	paths []string
	seen  map[string]struct{}
}

// NewBatch creates an empty Batch that deletes through store.
func NewBatch(store remover) *Batch {
	return &Batch{store: store, seen: make(map[string]struct{})}
}

// Track records a file that now exists on disk.
func (b *Batch) Track(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[path]; ok {
		return
	}
	b.seen[path] = struct{}{}
	b.paths = append(b.paths, path)
}

// Paths returns a copy of the tracked paths in the order they were tracked.
func (b *Batch) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

// Len returns the number of tracked files.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.paths)
}

// Rollback deletes every tracked file, best-effort. Individual failures are
// logged and skipped. It returns the number of paths processed without error
// and empties the batch.
func (b *Batch) Rollback() int {
	b.mu.Lock()
	paths := b.paths
	b.paths = nil
	b.seen = make(map[string]struct{})
	b.mu.Unlock()

	removed := 0
	for _, p := range paths {
		if err := b.store.Remove(p); err != nil {
			slog.Warn("failed to clean up batch file", "path", p, "error", err)
			continue
		}
		removed++
	}
	return removed
}
