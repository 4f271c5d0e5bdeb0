package applier

import (
	"context"
	"fmt"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

// NonPkApplier implements LogApplier for duplicate/aggregate tables: only
// the in-progress metadata is tracked, no primary index, no delete
// vectors, no recover. Version is bumped to new_version only at Finish, so
// Init-time base_version semantics stay observable throughout apply.
type NonPkApplier struct {
	tablet      tabletmeta.Tablet
	metadata    *tabletmeta.TabletMetadata
	baseVersion int64
	newVersion  int64
	maxTxnID    int64
	store       collab.MetadataStore
	sizeTiered  bool
	finished    bool
}

func newNonPkApplier(tablet tabletmeta.Tablet, base *tabletmeta.TabletMetadata, newVersion int64, store collab.MetadataStore, cfg Config) *NonPkApplier {
	return &NonPkApplier{
		tablet:      tablet,
		metadata:    base.Clone(),
		baseVersion: base.Version,
		newVersion:  newVersion,
		store:       store,
		sizeTiered:  cfg.EnableSizeTieredCompactionStrategy,
	}
}

// Init is a no-op for non-PK tables.
func (n *NonPkApplier) Init(context.Context) error {
	return nil
}

// Apply applies every op field present on log, in the fixed order write,
// compaction, schema-change, metadata-alter, replication.
func (n *NonPkApplier) Apply(ctx context.Context, log *txnlog.TxnLog) error {
	if log.TxnID > n.maxTxnID {
		n.maxTxnID = log.TxnID
	}
	if log.OpWrite != nil {
		n.applyWrite(log.OpWrite)
	}
	if log.OpCompaction != nil {
		if err := n.applyCompaction(log.OpCompaction); err != nil {
			return err
		}
	}
	if log.OpSchemaChange != nil {
		if err := n.applySchemaChange(log.OpSchemaChange); err != nil {
			return err
		}
	}
	if log.OpAlterMetadata != nil {
		if err := alterMetadata(n.metadata, log.OpAlterMetadata, n.tablet.ID, nil); err != nil {
			return err
		}
	}
	if log.OpReplication != nil {
		if err := n.applyReplication(log.OpReplication); err != nil {
			return err
		}
	}
	return nil
}

func (n *NonPkApplier) applyWrite(op *txnlog.OpWrite) {
	if op.Rowset.NumRows <= 0 && !op.Rowset.HasDeletePredicate {
		return
	}
	rowset := op.Rowset
	rowset.ID = n.metadata.NextRowsetID
	span := int64(rowset.Segments)
	if span < 1 {
		span = 1
	}
	n.metadata.NextRowsetID += span
	n.metadata.Rowsets = append(n.metadata.Rowsets, rowset)
}

func (n *NonPkApplier) applyCompaction(op *txnlog.OpCompaction) error {
	if err := tabletmeta.Splice(n.metadata, op.InputRowsetIDs, op.OutputRowset, n.sizeTiered); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

func (n *NonPkApplier) applySchemaChange(op *txnlog.OpSchemaChange) error {
	if len(n.metadata.Rowsets) != 0 {
		return fmt.Errorf("%w: schema change requires zero existing rowsets", ErrInternal)
	}
	if len(op.DelVecMeta) != 0 {
		return fmt.Errorf("%w: non-primary-key tablets carry no delete vectors", ErrInternal)
	}
	for _, rowset := range op.Rowsets {
		n.metadata.Rowsets = append(n.metadata.Rowsets, rowset)
		span := int64(rowset.Segments)
		if span < 1 {
			span = 1
		}
		if next := rowset.ID + span; next > n.metadata.NextRowsetID {
			n.metadata.NextRowsetID = next
		}
	}
	return nil
}

func (n *NonPkApplier) applyReplication(op *txnlog.OpReplication) error {
	if err := validateReplicationFraming(op, n.newVersion); err != nil {
		return err
	}

	if op.TxnMeta.IncrementalSnapshot {
		for i := range op.OpWrites {
			n.applyWrite(&op.OpWrites[i])
		}
	} else {
		oldRowsets := n.metadata.Rowsets
		n.metadata.Rowsets = nil
		for i := range op.OpWrites {
			n.applyWrite(&op.OpWrites[i])
		}
		n.metadata.CumulativePoint = 0
		n.metadata.CompactionInputs = append(n.metadata.CompactionInputs, oldRowsets...)
	}

	if op.SourceSchema != nil {
		schema := op.SourceSchema.Clone()
		n.metadata.SourceSchema = &schema
	}
	return nil
}

// Finish sets the metadata's version to new_version and persists it. There
// is no builder and no index for non-PK tables.
func (n *NonPkApplier) Finish(ctx context.Context) error {
	n.metadata.Version = n.newVersion
	if err := n.store.PutMetadata(ctx, n.metadata, n.maxTxnID); err != nil {
		return err
	}
	n.finished = true
	return nil
}

// Close is a no-op: non-PK appliers hold no transient resources.
func (n *NonPkApplier) Close() error {
	return nil
}
