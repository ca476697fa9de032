package sourcecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// worktreeEntry tracks one checked-out worktree and how many callers
// within this command invocation currently hold it.
type worktreeEntry struct {
	url      string
	path     string
	refCount int
}

// WorktreeManager hands out per-(source, resolved_commit) worktrees,
// reference-counted for the lifetime of one command invocation, per
// spec.md §4.3 and §5. A worktree is never shared between distinct
// commits; creation is serialized per repository via Cache's lock.
type WorktreeManager struct {
	cache *Cache

	mu      sync.Mutex
	entries map[string]*worktreeEntry // keyed by url + "\x00" + commit
}

// NewWorktreeManager returns a manager backed by cache.
func NewWorktreeManager(cache *Cache) *WorktreeManager {
	return &WorktreeManager{cache: cache, entries: map[string]*worktreeEntry{}}
}

func wtKey(url, commit string) string { return url + "\x00" + commit }

// Acquire returns the worktree directory for (url, commit), creating it
// if necessary, and increments its reference count. Callers must call
// Release when done; the worktree itself is removed only at Close,
// whatever its count is then.
func (m *WorktreeManager) Acquire(ctx context.Context, url, commit string) (string, error) {
	key := wtKey(url, commit)

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.refCount++
		m.mu.Unlock()
		return e.path, nil
	}
	m.mu.Unlock()

	repoDir, err := m.cache.EnsureSource(ctx, url)
	if err != nil {
		return "", err
	}

	l, err := m.cache.lockFor(url)
	if err != nil {
		return "", err
	}
	if err := l.Lock(); err != nil {
		return "", fmt.Errorf("sourcecache: locking worktree creation for %s: %w", url, err)
	}
	defer l.Unlock()

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.refCount++
		m.mu.Unlock()
		return e.path, nil
	}
	m.mu.Unlock()

	wtDir := filepath.Join(m.cache.BaseDir, "worktrees", urlHash(url), commit)
	if _, err := os.Stat(wtDir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(wtDir), 0o755); err != nil {
			return "", fmt.Errorf("sourcecache: preparing worktree dir: %w", err)
		}
		if err := WorktreeAdd(ctx, repoDir, wtDir, commit); err != nil {
			return "", fmt.Errorf("sourcecache: creating worktree for %s@%s: %w", url, commit, err)
		}
	}

	m.mu.Lock()
	m.entries[key] = &worktreeEntry{url: url, path: wtDir, refCount: 1}
	m.mu.Unlock()
	return wtDir, nil
}

// Release decrements the reference count for (url, commit). It does not
// tear down the worktree; that happens in Close, per spec.md §4.3's
// "torn down at the end [of one command invocation]".
func (m *WorktreeManager) Release(url, commit string) {
	key := wtKey(url, commit)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.refCount > 0 {
		e.refCount--
	}
}

// Close tears down every worktree this manager created, regardless of
// remaining reference count — it is called strictly once, at the end of
// a command invocation.
func (m *WorktreeManager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := make(map[string]*worktreeEntry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = v
	}
	m.entries = map[string]*worktreeEntry{}
	m.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		repoDir := m.cache.RepoDir(e.url)
		if err := WorktreeRemove(ctx, repoDir, e.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
