package sourcecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sourcegraph/conc/pool"

	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("sourcecache")

// Cache is the content-addressed Git cache described in spec.md §4.3: one
// bare clone per source URL under BaseDir, keyed by a hash of the URL.
type Cache struct {
	BaseDir string

	mu    sync.Mutex
	locks map[string]*flock.Flock // keyed by url hash
}

// New returns a Cache rooted at baseDir (typically under the user's home
// cache directory, e.g. os.UserCacheDir()/agpm).
func New(baseDir string) *Cache {
	return &Cache{BaseDir: baseDir, locks: map[string]*flock.Flock{}}
}

// urlHash derives a stable, filesystem-safe key for a source URL.
func urlHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}

// RepoDir returns the bare-clone directory for url.
func (c *Cache) RepoDir(url string) string {
	return filepath.Join(c.BaseDir, "repos", urlHash(url))
}

// lockFor acquires the per-repository lock used to serialize clone,
// fetch, and worktree add/remove against a single bare repo. Lock files
// live under a directory distinct from the clone itself
// (SPEC_FULL.md §C.4), so deleting/recreating a cache entry never orphans
// an open file descriptor.
func (c *Cache) lockFor(url string) (*flock.Flock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := urlHash(url)
	if l, ok := c.locks[key]; ok {
		return l, nil
	}
	lockDir := filepath.Join(c.BaseDir, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("sourcecache: creating lock dir: %w", err)
	}
	l := flock.New(filepath.Join(lockDir, key+".lock"))
	c.locks[key] = l
	return l, nil
}

// EnsureSource clones url into the cache if missing, then fetches, under
// the per-repository lock. Returns the bare-clone directory.
func (c *Cache) EnsureSource(ctx context.Context, url string) (string, error) {
	l, err := c.lockFor(url)
	if err != nil {
		return "", err
	}
	if err := l.Lock(); err != nil {
		return "", fmt.Errorf("sourcecache: locking %s: %w", url, err)
	}
	defer l.Unlock()

	repoDir := c.RepoDir(url)
	if _, err := os.Stat(filepath.Join(repoDir, "HEAD")); os.IsNotExist(err) {
		log.Printf("cloning %s -> %s", url, repoDir)
		if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
			return "", fmt.Errorf("sourcecache: preparing cache dir: %w", err)
		}
		if err := CloneMirror(ctx, url, repoDir); err != nil {
			return "", fmt.Errorf("sourcecache: cloning %s: %w", url, err)
		}
	} else {
		log.Printf("fetching %s", url)
		if err := Fetch(ctx, repoDir); err != nil {
			return "", fmt.Errorf("sourcecache: fetching %s: %w", url, err)
		}
	}
	return repoDir, nil
}

// PreSyncSources ensures and fetches every distinct URL in urls, bounded
// by maxParallel concurrent Git operations — spec.md §4.3's
// pre_sync_sources. A fetch failure is fatal and reported with its
// source name.
func (c *Cache) PreSyncSources(ctx context.Context, sources map[string]string, maxParallel int) error {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel()
	}
	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxParallel).WithCancelOnError()

	for name, url := range sources {
		name, url := name, url
		p.Go(func(ctx context.Context) error {
			if _, err := c.EnsureSource(ctx, url); err != nil {
				return fmt.Errorf("source %q: %w", name, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// DefaultMaxParallel implements spec.md §5's default: max(10, 2*cores).
func DefaultMaxParallel() int {
	n := 2 * numCPU()
	if n < 10 {
		return 10
	}
	return n
}

// FetchedAt returns the current time formatted as RFC-3339 UTC, per
// spec.md §3's SourceRecord.fetched_at.
func FetchedAt() string {
	return time.Now().UTC().Format(time.RFC3339)
}
