// Package fs defines the on-disk directory layout for tablet metadata
// snapshots and delete-vector blobs.
package fs

import (
	"fmt"
	"path/filepath"
)

// Layout defines on-disk directory layout for tablet storage data.
type Layout struct {
	Root string
}

// NewLayout builds a default layout under the given root.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// TabletDir returns the directory holding everything for one tablet.
func (l Layout) TabletDir(tabletID int64) string {
	return filepath.Join(l.Root, "tablets", fmt.Sprintf("%d", tabletID))
}

// MetaDir returns the directory holding persisted metadata snapshots for a
// tablet.
func (l Layout) MetaDir(tabletID int64) string {
	return filepath.Join(l.TabletDir(tabletID), "meta")
}

// MetaPath returns the path of one persisted metadata version.
func (l Layout) MetaPath(tabletID, version int64) string {
	return filepath.Join(l.MetaDir(tabletID), fmt.Sprintf("%d.bin", version))
}

// DelVecDir returns the directory holding persisted delete-vector blobs for
// a tablet.
func (l Layout) DelVecDir(tabletID int64) string {
	return filepath.Join(l.TabletDir(tabletID), "delvec")
}

// DelVecPath returns the path of one persisted delete-vector blob, named by
// the finalising transaction id so files stay unique across versions.
func (l Layout) DelVecPath(tabletID, maxTxnID, segmentID int64) string {
	return filepath.Join(l.DelVecDir(tabletID), fmt.Sprintf("%d_%d.delvec", maxTxnID, segmentID))
}
