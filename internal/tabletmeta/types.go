// Package tabletmeta defines the tablet metadata data model: schema, rowsets,
// delete-vector locators, and the mutable snapshot the applier builds up
// version by version.
package tabletmeta

// KeysType selects which applier implementation a tablet uses.
type KeysType int

const (
	Primary KeysType = iota
	Duplicate
	Aggregate
	Unique
)

func (k KeysType) String() string {
	switch k {
	case Primary:
		return "PRIMARY"
	case Duplicate:
		return "DUPLICATE"
	case Aggregate:
		return "AGGREGATE"
	case Unique:
		return "UNIQUE"
	default:
		return "UNKNOWN"
	}
}

// IsPrimaryKey reports whether this keys type uses the PK applier.
func (k KeysType) IsPrimaryKey() bool {
	return k == Primary
}

// Column describes one column of a tablet's schema.
type Column struct {
	Name string
	Type string
}

// Schema describes a tablet's column layout and keys type.
type Schema struct {
	Columns  []Column
	KeysType KeysType
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	cols := make([]Column, len(s.Columns))
	copy(cols, s.Columns)
	return Schema{Columns: cols, KeysType: s.KeysType}
}

// RowsetMetadata describes one immutable rowset: a set of segments produced
// by a single write or compaction.
type RowsetMetadata struct {
	ID                 int64
	Segments           int
	NumRows            int64
	HasDeletePredicate bool
}

// IDRange returns the contiguous id range this rowset consumes:
// [ID, ID+max(1,Segments)).
func (r RowsetMetadata) IDRange() (lo, hi int64) {
	span := int64(r.Segments)
	if span < 1 {
		span = 1
	}
	return r.ID, r.ID + span
}

// Clone returns a deep copy of the rowset.
func (r RowsetMetadata) Clone() RowsetMetadata {
	return r
}

// DelVecLocator points at a persisted delete-vector blob for one segment.
type DelVecLocator struct {
	Version int64
	Path    string
}

// DelVecMeta maps a segment id to its delete-vector locator.
type DelVecMeta map[int64]DelVecLocator

// Clone returns a deep copy of the delete-vector metadata.
func (d DelVecMeta) Clone() DelVecMeta {
	if d == nil {
		return nil
	}
	out := make(DelVecMeta, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// TabletMetadata is the mutable-during-apply, immutable-once-persisted
// snapshot of one tablet at one version.
type TabletMetadata struct {
	ID                    int64
	Version               int64
	Schema                Schema
	EnablePersistentIndex bool
	Rowsets               []RowsetMetadata
	NextRowsetID          int64
	CumulativePoint       int
	DelVecMeta            DelVecMeta
	CompactionInputs      []RowsetMetadata
	SourceSchema          *Schema
}

// Clone returns a deep copy of the metadata, used whenever the applier needs
// to snapshot in-progress state (e.g. the schema-change checkpoint write).
func (m *TabletMetadata) Clone() *TabletMetadata {
	if m == nil {
		return nil
	}
	out := &TabletMetadata{
		ID:                    m.ID,
		Version:               m.Version,
		Schema:                m.Schema.Clone(),
		EnablePersistentIndex: m.EnablePersistentIndex,
		NextRowsetID:          m.NextRowsetID,
		CumulativePoint:       m.CumulativePoint,
		DelVecMeta:            m.DelVecMeta.Clone(),
	}
	out.Rowsets = make([]RowsetMetadata, len(m.Rowsets))
	copy(out.Rowsets, m.Rowsets)
	out.CompactionInputs = make([]RowsetMetadata, len(m.CompactionInputs))
	copy(out.CompactionInputs, m.CompactionInputs)
	if m.SourceSchema != nil {
		s := m.SourceSchema.Clone()
		out.SourceSchema = &s
	}
	return out
}

// RowsetIndex returns the position of the rowset with the given id in
// Rowsets, or -1 if absent.
func (m *TabletMetadata) RowsetIndex(id int64) int {
	for i, r := range m.Rowsets {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Tablet identifies the tablet an applier instance is constructed for.
type Tablet struct {
	ID int64
}
