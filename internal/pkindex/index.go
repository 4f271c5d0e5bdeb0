// Package pkindex implements the in-memory primary-key index used by
// primary-key tablets, plus a process-wide cache of per-tablet index entries
// with reference counting and a per-tablet lock held for the duration of a
// single apply step.
package pkindex

// Location identifies where a primary key currently lives.
type Location struct {
	RowsetID       int64
	SegmentOrdinal int
	RowOrdinal     int
}

// PrimaryIndex maps encoded primary keys to their current row location. It
// is not safe for concurrent use on its own; callers serialize access via
// the owning Cache entry's lock.
type PrimaryIndex struct {
	entries map[string]Location
}

// NewPrimaryIndex returns an empty index.
func NewPrimaryIndex() *PrimaryIndex {
	return &PrimaryIndex{entries: make(map[string]Location)}
}

// Get looks up a key's current location.
func (idx *PrimaryIndex) Get(key []byte) (Location, bool) {
	loc, ok := idx.entries[string(key)]
	return loc, ok
}

// Put records or overwrites a key's location.
func (idx *PrimaryIndex) Put(key []byte, loc Location) {
	idx.entries[string(key)] = loc
}

// Delete removes a key, reporting whether it was present.
func (idx *PrimaryIndex) Delete(key []byte) bool {
	if _, ok := idx.entries[string(key)]; !ok {
		return false
	}
	delete(idx.entries, string(key))
	return true
}

// Len returns the number of live keys.
func (idx *PrimaryIndex) Len() int {
	return len(idx.entries)
}

// Clone returns a deep copy; changes to the copy do not affect the
// original index.
func (idx *PrimaryIndex) Clone() *PrimaryIndex {
	out := NewPrimaryIndex()
	for k, v := range idx.entries {
		out.entries[k] = v
	}
	return out
}
