// Package publish implements the update manager's publish routines:
// publish_primary_key_tablet and publish_primary_compaction. They consume
// one op, the in-progress metadata, the pinned primary-index entry, and the
// meta-file builder, and emit the actual rowset/index/delvec mutations for a
// primary-key tablet's write or compaction step.
//
// Real production rowset publishing resolves each written or compacted row
// against existing segment data to compute delete vectors. That segment
// storage is out of this module's scope (it is referenced only by contract
// in the applier's own collaborator list), so this package's index and
// delvec mutations are deliberately simplified: one symbolic primary-index
// entry per rowset, one delete-vector append per explicit delete count. The
// structural mutations that the applier's invariants actually depend on
// (rowset id allocation, compaction splice, cumulative-point maintenance)
// are exact.
package publish

import (
	"context"
	"fmt"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/pkindex"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

// Service implements collab.Publisher.
type Service struct {
	// EnableSizeTieredCompactionStrategy mirrors the applier's own config
	// flag; compaction splices skip cumulative-point maintenance when set.
	EnableSizeTieredCompactionStrategy bool
}

// PublishWrite appends the written rowset with a freshly allocated id,
// records it in the pinned primary index, and appends a delete-vector
// placeholder for any rows it canceled out.
func (s Service) PublishWrite(_ context.Context, op *txnlog.OpWrite, _ int64, metadata *tabletmeta.TabletMetadata, _ tabletmeta.Tablet, entry collab.IndexEntry, builder collab.MetaFileBuilder, _ int64) error {
	rowset := op.Rowset
	rowset.ID = metadata.NextRowsetID
	span := int64(rowset.Segments)
	if span < 1 {
		span = 1
	}
	metadata.NextRowsetID += span
	metadata.Rowsets = append(metadata.Rowsets, rowset)

	if pe, ok := entry.(*pkindex.Entry); ok {
		pe.Index().Put(rowsetKey(rowset.ID), pkindex.Location{RowsetID: rowset.ID})
	}
	if op.NumDels > 0 {
		builder.AppendDelVec(rowset.ID, syntheticDelBitmap(op.NumDels))
	}
	return nil
}

// PublishCompaction performs the rowset splice for a PK tablet's compaction
// step and reconciles the primary index: inputs' symbolic entries are
// dropped, the output (if any) gets a fresh one.
func (s Service) PublishCompaction(_ context.Context, op *txnlog.OpCompaction, _ int64, metadata *tabletmeta.TabletMetadata, _ tabletmeta.Tablet, entry collab.IndexEntry, _ collab.MetaFileBuilder, _ int64) error {
	pe, _ := entry.(*pkindex.Entry)
	if pe != nil {
		for _, id := range op.InputRowsetIDs {
			pe.Index().Delete(rowsetKey(id))
		}
	}

	outputWillLand := op.OutputRowset != nil && op.OutputRowset.NumRows > 0
	outID := metadata.NextRowsetID // Splice assigns exactly this id to the output, if any.

	if err := tabletmeta.Splice(metadata, op.InputRowsetIDs, op.OutputRowset, s.EnableSizeTieredCompactionStrategy); err != nil {
		return fmt.Errorf("publish: compaction splice: %w", err)
	}

	if pe != nil && outputWillLand {
		pe.Index().Put(rowsetKey(outID), pkindex.Location{RowsetID: outID})
	}
	return nil
}

func rowsetKey(id int64) []byte {
	return []byte(fmt.Sprintf("rowset:%d", id))
}

func syntheticDelBitmap(numDels int) []byte {
	out := make([]byte, numDels)
	for i := range out {
		out[i] = 1
	}
	return out
}
