package pkindex

import (
	"context"
	"testing"

	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
)

func metaFor(tabletID int64) *tabletmeta.TabletMetadata {
	return &tabletmeta.TabletMetadata{ID: tabletID}
}

func TestPrepareReleaseRefcount(t *testing.T) {
	cache := NewCache()
	ctx := context.Background()

	e1, err := cache.Prepare(ctx, metaFor(1), 0, 1)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if refs, _, ok := cache.Stats(1); !ok || refs != 1 {
		t.Fatalf("expected refs=1, got refs=%d ok=%v", refs, ok)
	}

	e2, err := cache.Prepare(ctx, metaFor(1), 0, 1)
	if err != nil {
		t.Fatalf("Prepare second: %v", err)
	}
	if refs, _, _ := cache.Stats(1); refs != 2 {
		t.Fatalf("expected refs=2, got %d", refs)
	}

	cache.Evict(1)
	if _, _, ok := cache.Stats(1); !ok {
		t.Fatalf("expected entry to survive eviction while pinned")
	}

	e1.Release()
	e2.Release()
	if refs, _, _ := cache.Stats(1); refs != 0 {
		t.Fatalf("expected refs=0 after release, got %d", refs)
	}
	cache.Evict(1)
	if _, _, ok := cache.Stats(1); ok {
		t.Fatalf("expected entry gone after evict with refs=0")
	}
}

func TestEntryLockGuardsIndex(t *testing.T) {
	cache := NewCache()
	handle, err := cache.Prepare(context.Background(), metaFor(7), 0, 1)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer handle.Release()

	entry := handle.(*Entry)
	entry.Lock()
	entry.Index().Put([]byte("k1"), Location{RowsetID: 100})
	entry.Unlock()

	entry.Lock()
	loc, ok := entry.Index().Get([]byte("k1"))
	entry.Unlock()
	if !ok || loc.RowsetID != 100 {
		t.Fatalf("unexpected lookup: %+v ok=%v", loc, ok)
	}
	if entry.TabletID() != 7 {
		t.Fatalf("expected TabletID=7, got %d", entry.TabletID())
	}
}

func TestUnloadDropsRegardlessOfPins(t *testing.T) {
	cache := NewCache()
	handle, _ := cache.Prepare(context.Background(), metaFor(3), 0, 1)
	defer handle.Release()

	cache.Unload(3)
	if _, _, ok := cache.Stats(3); ok {
		t.Fatalf("expected Unload to drop entry despite pin")
	}
}

func TestUpdateMemoryRecordsEstimate(t *testing.T) {
	cache := NewCache()
	handle, err := cache.Prepare(context.Background(), metaFor(5), 0, 1)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer handle.Release()

	cache.UpdateMemory(5, 2048)
	_, mem, ok := cache.Stats(5)
	if !ok || mem != 2048 {
		t.Fatalf("expected memory=2048, got %d ok=%v", mem, ok)
	}
}

func TestMemoryUsageReflectsIndexSize(t *testing.T) {
	cache := NewCache()
	handle, err := cache.Prepare(context.Background(), metaFor(9), 0, 1)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer handle.Release()

	entry := handle.(*Entry)
	entry.Lock()
	entry.Index().Put([]byte("a"), Location{RowsetID: 1})
	entry.Index().Put([]byte("b"), Location{RowsetID: 2})
	entry.Unlock()

	if got := entry.MemoryUsage(); got != 2*estimatedBytesPerEntry {
		t.Fatalf("expected MemoryUsage=%d, got %d", 2*estimatedBytesPerEntry, got)
	}
}
