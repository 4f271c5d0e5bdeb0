package publish

import (
	"context"
	"testing"

	"github.com/kk-code-lab/tabletapply/internal/metafile"
	"github.com/kk-code-lab/tabletapply/internal/pkindex"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

type fakeBuilder struct {
	delvecs map[int64][]byte
	flag    metafile.RecoverFlag
}

func newFakeBuilder() *fakeBuilder { return &fakeBuilder{delvecs: map[int64][]byte{}} }

func (f *fakeBuilder) AppendDelVec(segmentID int64, data []byte) { f.delvecs[segmentID] = data }
func (f *fakeBuilder) Finalize(context.Context, *tabletmeta.TabletMetadata, int64) error {
	return nil
}
func (f *fakeBuilder) RecoverFlag() metafile.RecoverFlag        { return f.flag }
func (f *fakeBuilder) SetRecoverFlag(flag metafile.RecoverFlag) { f.flag = flag }

func TestPublishWriteAssignsIDAndUpdatesIndex(t *testing.T) {
	cache := pkindex.NewCache()
	metadata := &tabletmeta.TabletMetadata{ID: 1, NextRowsetID: 50}
	handle, err := cache.Prepare(context.Background(), metadata, 0, 1)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer handle.Release()

	builder := newFakeBuilder()
	op := &txnlog.OpWrite{Rowset: tabletmeta.RowsetMetadata{Segments: 2, NumRows: 10}, NumDels: 3}

	svc := Service{}
	if err := svc.PublishWrite(context.Background(), op, 1, metadata, tabletmeta.Tablet{ID: 1}, handle, builder, 0); err != nil {
		t.Fatalf("PublishWrite: %v", err)
	}
	if len(metadata.Rowsets) != 1 || metadata.Rowsets[0].ID != 50 {
		t.Fatalf("unexpected rowsets: %+v", metadata.Rowsets)
	}
	if metadata.NextRowsetID != 52 {
		t.Fatalf("expected NextRowsetID=52, got %d", metadata.NextRowsetID)
	}
	if len(builder.delvecs) != 1 || len(builder.delvecs[50]) != 3 {
		t.Fatalf("expected one delvec of length 3 keyed by rowset id, got %+v", builder.delvecs)
	}
}

func TestPublishCompactionSplicesAndUpdatesIndex(t *testing.T) {
	cache := pkindex.NewCache()
	metadata := &tabletmeta.TabletMetadata{
		ID: 1,
		Rowsets: []tabletmeta.RowsetMetadata{
			{ID: 1, Segments: 1, NumRows: 10},
			{ID: 2, Segments: 1, NumRows: 10},
			{ID: 3, Segments: 1, NumRows: 10},
		},
		NextRowsetID: 100,
	}
	handle, err := cache.Prepare(context.Background(), metadata, 0, 1)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer handle.Release()

	entry := handle.(*pkindex.Entry)
	entry.Lock()
	entry.Index().Put([]byte("rowset:1"), pkindex.Location{RowsetID: 1})
	entry.Index().Put([]byte("rowset:2"), pkindex.Location{RowsetID: 2})
	entry.Unlock()

	op := &txnlog.OpCompaction{
		InputRowsetIDs: []int64{1, 2},
		OutputRowset:   &tabletmeta.RowsetMetadata{Segments: 1, NumRows: 15},
	}
	svc := Service{}
	if err := svc.PublishCompaction(context.Background(), op, 1, metadata, tabletmeta.Tablet{ID: 1}, handle, newFakeBuilder(), 0); err != nil {
		t.Fatalf("PublishCompaction: %v", err)
	}
	if len(metadata.Rowsets) != 2 || metadata.Rowsets[0].ID != 100 {
		t.Fatalf("unexpected rowsets after compaction: %+v", metadata.Rowsets)
	}
	if _, ok := entry.Index().Get([]byte("rowset:1")); ok {
		t.Fatalf("expected input 1 removed from index")
	}
	if _, ok := entry.Index().Get([]byte("rowset:100")); !ok {
		t.Fatalf("expected output 100 present in index")
	}
}
