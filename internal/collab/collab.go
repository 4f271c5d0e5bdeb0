// Package collab defines the collaborator contracts the applier depends on:
// the metadata store, the primary-index cache and its entry handles, the
// meta-file builder, the publish routines, and the recover routine. Keeping
// these as interfaces in their own leaf package lets the applier depend on
// behavior rather than concrete packages, and lets both the real
// implementations (tabletstore, pkindex, metafile, publish, pkrecover) and
// hand-written test fakes satisfy them without import cycles.
package collab

import (
	"context"

	"github.com/kk-code-lab/tabletapply/internal/metafile"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

// MetadataStore is the tablet-metadata object store: content-addressed by
// (tablet_id, version), last-writer-wins per version.
type MetadataStore interface {
	CheckVersion(ctx context.Context, tabletID, baseVersion int64) error
	PutMetadata(ctx context.Context, metadata *tabletmeta.TabletMetadata, maxTxnID int64) error
	GetMetadata(ctx context.Context, tabletID, version int64) (*tabletmeta.TabletMetadata, error)
}

// MetaFileBuilder accumulates delete-vector appends and finalises them into
// the new metadata version, exposing the recover_flag deeper layers use to
// request a rebuild.
type MetaFileBuilder interface {
	AppendDelVec(segmentID int64, data []byte)
	Finalize(ctx context.Context, metadata *tabletmeta.TabletMetadata, maxTxnID int64) error
	RecoverFlag() metafile.RecoverFlag
	SetRecoverFlag(flag metafile.RecoverFlag)
}

// IndexEntry is a pinned handle on one tablet's cached primary index.
type IndexEntry interface {
	Lock()
	Unlock()
	Commit(ctx context.Context, metadata *tabletmeta.TabletMetadata, builder MetaFileBuilder) error
	MemoryUsage() int64
	TabletID() int64
	Release()
}

// IndexCache is the process-wide, reference-counted cache of primary-index
// entries.
type IndexCache interface {
	Prepare(ctx context.Context, metadata *tabletmeta.TabletMetadata, baseVersion, newVersion int64) (IndexEntry, error)
	Evict(tabletID int64)
	Unload(tabletID int64)
	UpdateMemory(tabletID int64, bytes int64)
}

// Publisher performs the actual rowset/delvec/index mutation for a PK
// tablet's write or compaction step.
type Publisher interface {
	PublishWrite(ctx context.Context, op *txnlog.OpWrite, txnID int64, metadata *tabletmeta.TabletMetadata, tablet tabletmeta.Tablet, entry IndexEntry, builder MetaFileBuilder, baseVersion int64) error
	PublishCompaction(ctx context.Context, op *txnlog.OpCompaction, txnID int64, metadata *tabletmeta.TabletMetadata, tablet tabletmeta.Tablet, entry IndexEntry, builder MetaFileBuilder, baseVersion int64) error
}

// Recoverer rebuilds delete vectors and the primary index from scratch
// after a publish step has signalled it cannot trust derived state.
type Recoverer interface {
	Recover(ctx context.Context, builder MetaFileBuilder, tablet tabletmeta.Tablet, metadata *tabletmeta.TabletMetadata) error
}
