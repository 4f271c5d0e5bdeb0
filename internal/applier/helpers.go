package applier

import (
	"fmt"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

// alterMetadata applies a batch of metadata-alteration updates, shared by
// both table kinds. cache may be nil (non-PK tables have no index to
// evict); eviction failure is never surfaced -- an entry still pinned by an
// in-flight apply on the same tablet stays in the cache.
func alterMetadata(metadata *tabletmeta.TabletMetadata, op *txnlog.OpAlterMetadata, tabletID int64, cache collab.IndexCache) error {
	for _, update := range op.Updates {
		if update.EnablePersistentIndex != nil {
			metadata.EnablePersistentIndex = *update.EnablePersistentIndex
			if cache != nil {
				cache.Evict(tabletID)
			}
		}
		if update.TabletSchema != nil {
			metadata.Schema = update.TabletSchema.Clone()
		}
	}
	return nil
}

// validateReplicationFraming checks the two framing invariants shared by
// both table kinds' op_replication handling.
func validateReplicationFraming(op *txnlog.OpReplication, newVersion int64) error {
	if op.TxnMeta.TxnState != txnlog.TxnReplicated {
		return fmt.Errorf("%w: replication txn_state is not TXN_REPLICATED", ErrCorruption)
	}
	if op.TxnMeta.SnapshotVersion != newVersion {
		return fmt.Errorf("%w: replication snapshot_version=%d does not match new_version=%d", ErrCorruption, op.TxnMeta.SnapshotVersion, newVersion)
	}
	return nil
}

// rebaseRowsetIDs appends each embedded write's rowset to metadata with its
// id shifted by baseOffset, keeping the rebased ids disjoint from any
// surviving history, and advances NextRowsetID to cover the rebased range.
// Used by full-snapshot replication in both table kinds.
func rebaseRowsetIDs(metadata *tabletmeta.TabletMetadata, writes []txnlog.OpWrite, baseOffset int64) {
	for _, w := range writes {
		rowset := w.Rowset
		rowset.ID += baseOffset
		metadata.Rowsets = append(metadata.Rowsets, rowset)
		span := int64(rowset.Segments)
		if span < 1 {
			span = 1
		}
		if next := rowset.ID + span; next > metadata.NextRowsetID {
			metadata.NextRowsetID = next
		}
	}
}
