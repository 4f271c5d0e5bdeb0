package pkindex

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
)

// cacheEntry is one tablet's index plus its reference count and the lock
// held by whichever apply step currently owns it. The lock is acquired
// inside Entry.Lock and released through Entry.Unlock as soon as the step
// returns -- never held across step boundaries.
type cacheEntry struct {
	mu          sync.Mutex
	index       *PrimaryIndex
	refs        int
	memoryBytes int64
}

// Cache holds one PrimaryIndex per primary-key tablet, keyed by tablet id.
// Entries are reference counted: Prepare pins an entry so a concurrent
// Evict cannot drop it out from under an in-flight apply; Release unpins.
// Cache satisfies collab.IndexCache.
type Cache struct {
	mu      sync.Mutex
	entries map[int64]*cacheEntry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int64]*cacheEntry)}
}

// Entry is a pinned handle on one tablet's primary index. Entry satisfies
// collab.IndexEntry.
type Entry struct {
	cache    *Cache
	tabletID int64
	entry    *cacheEntry
}

// Prepare pins the index entry for a tablet, creating an empty one if none
// exists yet. Callers must call Release exactly once when done, typically
// via defer right after Prepare succeeds. baseVersion and newVersion are
// accepted to match the external contract (a real cache would use them to
// decide whether a cold index can be trusted or must be rebuilt from a
// checkpoint); this in-memory cache always starts a cold tablet from an
// empty index.
func (c *Cache) Prepare(_ context.Context, metadata *tabletmeta.TabletMetadata, _, _ int64) (collab.IndexEntry, error) {
	tabletID := metadata.ID
	c.mu.Lock()
	ce, ok := c.entries[tabletID]
	if !ok {
		ce = &cacheEntry{index: NewPrimaryIndex()}
		c.entries[tabletID] = ce
	}
	ce.refs++
	c.mu.Unlock()
	return &Entry{cache: c, tabletID: tabletID, entry: ce}, nil
}

// Release unpins the entry. It does not evict; Evict is explicit so the
// cache can keep a warm index around between applies.
func (e *Entry) Release() {
	if e == nil {
		return
	}
	e.cache.mu.Lock()
	e.entry.refs--
	e.cache.mu.Unlock()
}

// Lock acquires the per-tablet step lock for the duration of one
// write/compaction step. Must be released via Unlock on every exit path.
func (e *Entry) Lock() {
	e.entry.mu.Lock()
}

// Unlock releases the per-tablet step lock.
func (e *Entry) Unlock() {
	e.entry.mu.Unlock()
}

// TabletID returns the tablet this entry is pinned for.
func (e *Entry) TabletID() int64 {
	return e.tabletID
}

// Index returns the underlying primary index. Callers must hold Lock. This
// is an escape hatch beyond collab.IndexEntry for collaborators (publish,
// recover) that need to mutate the real index, obtained via a type
// assertion back to *pkindex.Entry.
func (e *Entry) Index() *PrimaryIndex {
	return e.entry.index
}

// Commit finalises whatever mutations publish already applied directly to
// the pinned index in place. There is nothing further to stage here since
// this cache has no separate staging buffer; Commit exists so callers have
// an explicit I5 ordering point before MemoryUsage is read and before the
// builder is finalised.
func (e *Entry) Commit(_ context.Context, _ *tabletmeta.TabletMetadata, _ collab.MetaFileBuilder) error {
	return nil
}

// MemoryUsage estimates the index's resident memory, used by Cache's
// post-commit memory tally.
func (e *Entry) MemoryUsage() int64 {
	e.entry.mu.Lock()
	defer e.entry.mu.Unlock()
	return int64(e.entry.index.Len()) * estimatedBytesPerEntry
}

const estimatedBytesPerEntry = 64

// Evict drops a tablet's index from the cache if nothing has it pinned. It
// is a no-op, not an error, when the entry is still pinned or absent --
// mirroring the teacher's "an in-flight apply will eventually release and
// evict as part of its own lifecycle" handling of try_remove_by_key.
func (c *Cache) Evict(tabletID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ce, ok := c.entries[tabletID]
	if !ok || ce.refs > 0 {
		return
	}
	delete(c.entries, tabletID)
}

// Unload forcibly drops a tablet's index regardless of pin count, used when
// an apply is closed without a successful finish or a full-snapshot
// replication has made the in-memory index stale.
func (c *Cache) Unload(tabletID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tabletID)
}

// UpdateMemory records an updated memory estimate for a tablet's index and
// logs it at human-readable granularity, matching the teacher's terse
// component=... log lines.
func (c *Cache) UpdateMemory(tabletID int64, bytes int64) {
	c.mu.Lock()
	ce, ok := c.entries[tabletID]
	if ok {
		ce.memoryBytes = bytes
	}
	c.mu.Unlock()
	log.Printf("component=pkindex tablet=%d memory=%s", tabletID, humanize.Bytes(uint64(clampNonNegative(bytes))))
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Stats reports the current pin count and memory estimate for a tablet, for
// tests and diagnostics.
func (c *Cache) Stats(tabletID int64) (refs int, memoryBytes int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ce, found := c.entries[tabletID]
	if !found {
		return 0, 0, false
	}
	return ce.refs, ce.memoryBytes, true
}

func (c *Cache) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("pkindex.Cache{tablets=%d}", len(c.entries))
}
