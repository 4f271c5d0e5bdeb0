// Package metafile implements the meta-file builder: the staging area an
// apply step uses to accumulate delete-vector blobs before sealing them and
// recording the resulting tablet metadata version in the store.
package metafile

import (
	"context"
	"fmt"

	"github.com/kk-code-lab/tabletapply/internal/storage/delvec"
	"github.com/kk-code-lab/tabletapply/internal/storage/fs"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/tabletstore"
)

// RecoverFlag is set by the layers below the applier to request a rebuild
// of derived state after a step, and says whether the step must be run
// again once that rebuild is done.
type RecoverFlag int

const (
	// RecoverOK means the step completed without requesting a recover.
	RecoverOK RecoverFlag = iota
	// RecoverNeeded requests a recover of derived state; the step is not
	// run again afterwards.
	RecoverNeeded
	// RecoverWithPublish requests a recover of derived state followed by
	// one more run of the same step.
	RecoverWithPublish
)

type pendingDelVec struct {
	segmentID int64
	data      []byte
}

// Builder accumulates delete-vector blobs produced by one apply step and
// seals them on Finalize, alongside persisting the resulting metadata
// version. It mirrors the teacher's gc rewrite buffer-then-seal shape, but
// sealing delete vectors keyed by segment id rather than rewritten chunks.
type Builder struct {
	tabletID    int64
	layout      fs.Layout
	store       *tabletstore.Store
	pending     []pendingDelVec
	recoverFlag RecoverFlag
}

// NewBuilder returns a builder for one tablet's apply step.
func NewBuilder(tabletID int64, layout fs.Layout, store *tabletstore.Store) *Builder {
	return &Builder{tabletID: tabletID, layout: layout, store: store}
}

// AppendDelVec stages one segment's delete-vector bytes for sealing.
func (b *Builder) AppendDelVec(segmentID int64, data []byte) {
	b.pending = append(b.pending, pendingDelVec{segmentID: segmentID, data: data})
}

// RecoverFlag reports whether this builder's step needed recovery.
func (b *Builder) RecoverFlag() RecoverFlag {
	return b.recoverFlag
}

// SetRecoverFlag records the recovery outcome for this step.
func (b *Builder) SetRecoverFlag(flag RecoverFlag) {
	b.recoverFlag = flag
}

// Finalize seals every staged delete vector to disk, records their
// locators on the metadata, and persists the metadata version. The
// metadata passed in is mutated in place (its DelVecMeta map gains one
// entry per staged segment) and then handed to the store.
func (b *Builder) Finalize(ctx context.Context, metadata *tabletmeta.TabletMetadata, maxTxnID int64) error {
	if metadata.DelVecMeta == nil {
		metadata.DelVecMeta = make(tabletmeta.DelVecMeta)
	}
	for _, p := range b.pending {
		path := b.layout.DelVecPath(b.tabletID, maxTxnID, p.segmentID)
		if err := delvec.WriteFile(path, p.segmentID, maxTxnID, p.data); err != nil {
			return fmt.Errorf("metafile: seal delvec segment=%d: %w", p.segmentID, err)
		}
		metadata.DelVecMeta[p.segmentID] = tabletmeta.DelVecLocator{Version: metadata.Version, Path: path}
	}
	if err := b.store.PutMetadata(ctx, metadata, maxTxnID); err != nil {
		return fmt.Errorf("metafile: put metadata: %w", err)
	}
	b.pending = nil
	return nil
}
