// Package applier implements the transaction log applier: it transforms a
// base tablet metadata snapshot plus a sequence of transaction logs into
// the next metadata version, for both primary-key and non-primary-key
// tables, behind a single LogApplier contract.
package applier

import (
	"context"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

// LogApplier is the common contract both table kinds implement. Callers
// must call Init once, then Apply zero or more times in order, then Finish
// exactly once, and must defer Close immediately after construction so
// transient resources are released on every exit path -- Go has no
// destructors, so Close stands in for the teacher's scoped-cleanup idiom.
type LogApplier interface {
	Init(ctx context.Context) error
	Apply(ctx context.Context, log *txnlog.TxnLog) error
	Finish(ctx context.Context) error
	Close() error
}

// Config carries the two configuration flags the applier consumes.
type Config struct {
	EnablePrimaryKeyRecover            bool
	EnableSizeTieredCompactionStrategy bool
}

// Deps bundles every collaborator a LogApplier needs. Store is required for
// both table kinds; Cache, Builder, Publisher, and Recoverer are required
// only for primary-key tables.
type Deps struct {
	Store     collab.MetadataStore
	Cache     collab.IndexCache
	Builder   collab.MetaFileBuilder
	Publisher collab.Publisher
	Recoverer collab.Recoverer
}

// New constructs the LogApplier for a (tablet, base_metadata, new_version)
// triple, dispatching on base's keys type.
func New(tablet tabletmeta.Tablet, base *tabletmeta.TabletMetadata, newVersion int64, deps Deps, cfg Config) LogApplier {
	if base.Schema.KeysType.IsPrimaryKey() {
		return newPkApplier(tablet, base, newVersion, deps, cfg)
	}
	return newNonPkApplier(tablet, base, newVersion, deps.Store, cfg)
}
