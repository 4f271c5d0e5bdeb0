// Package txnlog defines the transaction log records consumed by the
// applier: a tagged record carrying at most one op field per kind, plus a
// txn id, and the op payloads themselves.
package txnlog

import (
	"encoding/json"
	"io"

	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
)

// TxnLog is one log record. Multiple op fields may be non-nil; the applier
// treats them as independent steps applied in a fixed order (write,
// compaction, schema-change, metadata-alter, replication).
type TxnLog struct {
	TxnID           int64
	OpWrite         *OpWrite
	OpCompaction    *OpCompaction
	OpSchemaChange  *OpSchemaChange
	OpAlterMetadata *OpAlterMetadata
	OpReplication   *OpReplication
}

// OpWrite carries one ingested rowset plus delete information against the
// existing primary index.
type OpWrite struct {
	Rowset  tabletmeta.RowsetMetadata
	NumDels int
}

// OpCompaction replaces a contiguous run of input rowsets with one output
// rowset (which may have zero rows).
type OpCompaction struct {
	InputRowsetIDs []int64
	OutputRowset   *tabletmeta.RowsetMetadata
}

// OpSchemaChange carries a fresh set of rowsets produced by rewriting a
// tablet to a new schema, plus the version this step lands at.
type OpSchemaChange struct {
	Rowsets       []tabletmeta.RowsetMetadata
	DelVecMeta    tabletmeta.DelVecMeta
	LinkedSegment bool
	AlterVersion  int64
}

// MetadataUpdate is one entry of an OpAlterMetadata batch.
type MetadataUpdate struct {
	EnablePersistentIndex *bool
	TabletSchema          *tabletmeta.Schema
}

// OpAlterMetadata toggles tablet-level flags or replaces the schema without
// touching rowsets.
type OpAlterMetadata struct {
	Updates []MetadataUpdate
}

// TxnState mirrors the replication transaction state machine; the applier
// only accepts TxnReplicated.
type TxnState int

const (
	TxnUnknown TxnState = iota
	TxnReplicated
)

// TxnMeta carries replication framing fields validated by the applier.
type TxnMeta struct {
	TxnState            TxnState
	SnapshotVersion     int64
	IncrementalSnapshot bool
	TxnID               int64
}

// DelVecBlob is one (segment id, encoded delete vector) pair shipped as part
// of a full-snapshot replication.
type DelVecBlob struct {
	SegmentID int64
	Data      []byte
}

// OpReplication carries an entire batch of embedded writes plus delete
// vectors produced by a source cluster.
type OpReplication struct {
	TxnMeta      TxnMeta
	OpWrites     []OpWrite
	DelVecs      []DelVecBlob
	SourceSchema *tabletmeta.Schema
}

// wireLog gives the JSON fixture format stable snake_case names for the
// top-level fields; the op payloads are encoded with their Go field names.
type wireLog struct {
	TxnID           int64            `json:"txn_id"`
	OpWrite         *OpWrite         `json:"op_write,omitempty"`
	OpCompaction    *OpCompaction    `json:"op_compaction,omitempty"`
	OpSchemaChange  *OpSchemaChange  `json:"op_schema_change,omitempty"`
	OpAlterMetadata *OpAlterMetadata `json:"op_alter_metadata,omitempty"`
	OpReplication   *OpReplication   `json:"op_replication,omitempty"`
}

// EncodeJSON writes the log as JSON, for building literal test fixtures.
func EncodeJSON(w io.Writer, log *TxnLog) error {
	enc := json.NewEncoder(w)
	return enc.Encode(toWire(log))
}

// DecodeJSON reads a log from JSON, the inverse of EncodeJSON.
func DecodeJSON(r io.Reader) (*TxnLog, error) {
	var w wireLog
	if err := json.NewDecoder(r).Decode(&w); err != nil {
		return nil, err
	}
	return fromWire(&w), nil
}

func toWire(log *TxnLog) *wireLog {
	if log == nil {
		return &wireLog{}
	}
	return &wireLog{
		TxnID:           log.TxnID,
		OpWrite:         log.OpWrite,
		OpCompaction:    log.OpCompaction,
		OpSchemaChange:  log.OpSchemaChange,
		OpAlterMetadata: log.OpAlterMetadata,
		OpReplication:   log.OpReplication,
	}
}

func fromWire(w *wireLog) *TxnLog {
	return &TxnLog{
		TxnID:           w.TxnID,
		OpWrite:         w.OpWrite,
		OpCompaction:    w.OpCompaction,
		OpSchemaChange:  w.OpSchemaChange,
		OpAlterMetadata: w.OpAlterMetadata,
		OpReplication:   w.OpReplication,
	}
}
