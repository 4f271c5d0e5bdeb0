package applier

import (
	"context"
	"fmt"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/metafile"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

// PkApplier implements LogApplier for primary-key tables: a cached mutable
// primary index, a meta-file builder, a tracked max txn id, and a
// finalised flag, per SPEC_FULL.md §4.2.
type PkApplier struct {
	tablet      tabletmeta.Tablet
	metadata    *tabletmeta.TabletMetadata
	baseVersion int64
	newVersion  int64
	maxTxnID    int64

	store     collab.MetadataStore
	cache     collab.IndexCache
	builder   collab.MetaFileBuilder
	publisher collab.Publisher
	recoverer collab.Recoverer
	cfg       Config

	entry        collab.IndexEntry
	hasFinalized bool
	closed       bool
}

func newPkApplier(tablet tabletmeta.Tablet, base *tabletmeta.TabletMetadata, newVersion int64, deps Deps, cfg Config) *PkApplier {
	metadata := base.Clone()
	metadata.Version = newVersion
	return &PkApplier{
		tablet:      tablet,
		metadata:    metadata,
		baseVersion: base.Version,
		newVersion:  newVersion,
		store:       deps.Store,
		cache:       deps.Cache,
		builder:     deps.Builder,
		publisher:   deps.Publisher,
		recoverer:   deps.Recoverer,
		cfg:         cfg,
	}
}

// Init verifies the on-store metadata version equals base_version, guarding
// against two appliers racing on the same base_version -> new_version bump.
func (p *PkApplier) Init(ctx context.Context) error {
	if err := p.store.CheckVersion(ctx, p.tablet.ID, p.baseVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return nil
}

// Apply applies every op field present on log, in the fixed order write,
// compaction, schema-change, metadata-alter, replication.
func (p *PkApplier) Apply(ctx context.Context, log *txnlog.TxnLog) error {
	if log.TxnID > p.maxTxnID {
		p.maxTxnID = log.TxnID
	}
	if log.OpWrite != nil {
		if err := p.applyWrite(ctx, log.TxnID, log.OpWrite); err != nil {
			return err
		}
	}
	if log.OpCompaction != nil {
		if err := p.applyCompaction(ctx, log.TxnID, log.OpCompaction); err != nil {
			return err
		}
	}
	if log.OpSchemaChange != nil {
		if err := p.applySchemaChange(ctx, log.OpSchemaChange); err != nil {
			return err
		}
	}
	if log.OpAlterMetadata != nil {
		if err := p.applyAlterMetadata(log.OpAlterMetadata); err != nil {
			return err
		}
	}
	if log.OpReplication != nil {
		if err := p.applyReplication(ctx, log.TxnID, log.OpReplication); err != nil {
			return err
		}
	}
	return nil
}

// withRecoverStep wraps a write or compaction step with pinning, per-tablet
// locking, and the bounded recover-and-retry loop of §4.2.1.
func (p *PkApplier) withRecoverStep(ctx context.Context, step func(ctx context.Context) error) error {
	if p.entry == nil {
		entry, err := p.cache.Prepare(ctx, p.metadata, p.baseVersion, p.newVersion)
		if err != nil {
			return err
		}
		p.entry = entry
	}

	p.entry.Lock()
	stepErr := step(ctx)
	flag := p.builder.RecoverFlag()
	p.entry.Unlock()

	if flag == metafile.RecoverOK {
		return stepErr
	}
	if !p.cfg.EnablePrimaryKeyRecover {
		return stepErr
	}

	p.entry.Release()
	p.cache.Evict(p.tablet.ID)
	p.entry = nil

	if err := p.recoverer.Recover(ctx, p.builder, p.tablet, p.metadata); err != nil {
		return err
	}
	p.builder.SetRecoverFlag(metafile.RecoverOK)

	if flag != metafile.RecoverWithPublish {
		return nil
	}

	entry, err := p.cache.Prepare(ctx, p.metadata, p.baseVersion, p.newVersion)
	if err != nil {
		return err
	}
	p.entry = entry

	p.entry.Lock()
	retryErr := step(ctx)
	retryFlag := p.builder.RecoverFlag()
	p.entry.Unlock()

	if retryFlag != metafile.RecoverOK {
		return fmt.Errorf("%w: recover requested a second time within one step", ErrInternal)
	}
	return retryErr
}

func (p *PkApplier) applyWrite(ctx context.Context, txnID int64, op *txnlog.OpWrite) error {
	return p.withRecoverStep(ctx, func(ctx context.Context) error {
		if op.NumDels == 0 && op.Rowset.NumRows == 0 && !op.Rowset.HasDeletePredicate {
			return nil
		}
		return p.publisher.PublishWrite(ctx, op, txnID, p.metadata, p.tablet, p.entry, p.builder, p.baseVersion)
	})
}

func (p *PkApplier) applyCompaction(ctx context.Context, txnID int64, op *txnlog.OpCompaction) error {
	return p.withRecoverStep(ctx, func(ctx context.Context) error {
		if len(op.InputRowsetIDs) == 0 {
			if op.OutputRowset != nil && op.OutputRowset.NumRows != 0 {
				return fmt.Errorf("%w: empty compaction must not carry a non-empty output", ErrInternal)
			}
			return nil
		}
		return p.publisher.PublishCompaction(ctx, op, txnID, p.metadata, p.tablet, p.entry, p.builder, p.baseVersion)
	})
}

func (p *PkApplier) applySchemaChange(ctx context.Context, op *txnlog.OpSchemaChange) error {
	if p.baseVersion != 1 {
		return fmt.Errorf("%w: schema change requires base_version==1, got %d", ErrInternal, p.baseVersion)
	}
	if len(p.metadata.Rowsets) != 0 {
		return fmt.Errorf("%w: schema change requires zero existing rowsets", ErrInternal)
	}

	for _, rowset := range op.Rowsets {
		p.metadata.Rowsets = append(p.metadata.Rowsets, rowset)
		span := int64(rowset.Segments)
		if span < 1 {
			span = 1
		}
		if next := rowset.ID + span; next > p.metadata.NextRowsetID {
			p.metadata.NextRowsetID = next
		}
	}
	if op.LinkedSegment && op.DelVecMeta != nil {
		p.metadata.DelVecMeta = op.DelVecMeta.Clone()
	}

	if op.AlterVersion+1 < p.newVersion {
		checkpoint := p.metadata.Clone()
		checkpoint.Version = op.AlterVersion
		if err := p.store.PutMetadata(ctx, checkpoint, p.maxTxnID); err != nil {
			return err
		}
		p.baseVersion = op.AlterVersion
	}
	return nil
}

func (p *PkApplier) applyAlterMetadata(op *txnlog.OpAlterMetadata) error {
	if p.baseVersion+1 != p.newVersion {
		return fmt.Errorf("%w: metadata-alter must be the sole op in a version bump: base=%d new=%d", ErrInternal, p.baseVersion, p.newVersion)
	}
	return alterMetadata(p.metadata, op, p.tablet.ID, p.cache)
}

func (p *PkApplier) applyReplication(ctx context.Context, txnID int64, op *txnlog.OpReplication) error {
	if err := validateReplicationFraming(op, p.newVersion); err != nil {
		return err
	}

	if op.TxnMeta.IncrementalSnapshot {
		if p.newVersion-p.baseVersion != int64(len(op.OpWrites)) {
			return fmt.Errorf("%w: incremental replication expects %d writes, got %d", ErrInternal, p.newVersion-p.baseVersion, len(op.OpWrites))
		}
		for i := range op.OpWrites {
			if err := p.applyWrite(ctx, txnID, &op.OpWrites[i]); err != nil {
				return err
			}
		}
	} else {
		oldRowsets := p.metadata.Rowsets
		p.metadata.Rowsets = nil
		p.metadata.DelVecMeta = nil

		baseOffset := p.metadata.NextRowsetID
		rebaseRowsetIDs(p.metadata, op.OpWrites, baseOffset)
		for _, blob := range op.DelVecs {
			p.builder.AppendDelVec(blob.SegmentID+baseOffset, blob.Data)
		}

		p.metadata.CumulativePoint = 0
		p.metadata.CompactionInputs = append(p.metadata.CompactionInputs, oldRowsets...)

		if p.entry != nil {
			p.entry.Release()
			p.entry = nil
		}
		p.cache.Unload(p.tablet.ID)
	}

	if op.SourceSchema != nil {
		schema := op.SourceSchema.Clone()
		p.metadata.SourceSchema = &schema
	}
	return nil
}

// Finish commits the pinned index entry (if any) and finalises the
// meta-file builder, which is the sole persistence point for PK tablets.
func (p *PkApplier) Finish(ctx context.Context) error {
	if p.entry != nil {
		if err := p.entry.Commit(ctx, p.metadata, p.builder); err != nil {
			return err
		}
		p.cache.UpdateMemory(p.tablet.ID, p.entry.MemoryUsage())
	}
	if err := p.builder.Finalize(ctx, p.metadata, p.maxTxnID); err != nil {
		return err
	}
	p.hasFinalized = true
	return nil
}

// Close releases the pinned index entry. If finish never succeeded, the
// entry is unloaded and evicted rather than simply released, since its
// contents reflect abandoned in-progress state.
func (p *PkApplier) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.entry == nil {
		return nil
	}
	p.entry.Release()
	if !p.hasFinalized {
		p.cache.Unload(p.tablet.ID)
		p.cache.Evict(p.tablet.ID)
	}
	p.entry = nil
	return nil
}
