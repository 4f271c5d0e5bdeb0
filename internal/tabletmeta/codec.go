package tabletmeta

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/zeebo/blake3"
)

const (
	magic       = 0x544d4554 // "TMET"
	versionV1   = 1
	headerLen   = 4 + 4
	checksumLen = 32
)

// Codec serializes and deserializes TabletMetadata snapshots.
type Codec interface {
	Encode(w io.Writer, m *TabletMetadata) error
	Decode(r io.Reader) (*TabletMetadata, error)
}

// BinaryCodec implements a compact binary snapshot format: a magic/version
// header, the body, and a trailing BLAKE3 checksum of the body.
type BinaryCodec struct{}

// Encode writes a metadata snapshot with a header and checksum.
func (c *BinaryCodec) Encode(w io.Writer, m *TabletMetadata) error {
	if m == nil {
		return errors.New("tabletmeta: nil metadata")
	}
	buf := make([]byte, 0, 256)
	buf = appendU32(buf, magic)
	buf = appendU32(buf, versionV1)
	buf = appendU64(buf, uint64(m.ID))
	buf = appendU64(buf, uint64(m.Version))
	buf = appendI32(buf, int32(m.Schema.KeysType))
	buf = appendU32(buf, uint32(len(m.Schema.Columns)))
	for _, col := range m.Schema.Columns {
		buf = appendString(buf, col.Name)
		buf = appendString(buf, col.Type)
	}
	buf = appendBool(buf, m.EnablePersistentIndex)
	buf = appendU64(buf, uint64(m.NextRowsetID))
	buf = appendI32(buf, int32(m.CumulativePoint))
	buf = appendRowsets(buf, m.Rowsets)
	buf = appendRowsets(buf, m.CompactionInputs)
	buf = appendDelVecMeta(buf, m.DelVecMeta)
	buf = appendOptionalSchema(buf, m.SourceSchema)

	checksum := blake3.Sum256(buf[headerLen:])
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(checksum[:])
	return err
}

// Decode reads a metadata snapshot, validating header and checksum.
func (c *BinaryCodec) Decode(r io.Reader) (*TabletMetadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+checksumLen {
		return nil, errors.New("tabletmeta: truncated")
	}
	body := data[:len(data)-checksumLen]
	checksum := data[len(data)-checksumLen:]
	sum := blake3.Sum256(body[headerLen:])
	if !equalBytes(sum[:], checksum) {
		return nil, errors.New("tabletmeta: checksum mismatch")
	}
	if binary.LittleEndian.Uint32(body[0:4]) != magic {
		return nil, errors.New("tabletmeta: bad magic")
	}
	if binary.LittleEndian.Uint32(body[4:8]) != versionV1 {
		return nil, errors.New("tabletmeta: unsupported version")
	}

	dec := &decoder{buf: body[headerLen:]}
	m := &TabletMetadata{}
	m.ID = int64(dec.u64())
	m.Version = int64(dec.u64())
	m.Schema.KeysType = KeysType(dec.i32())
	colCount := int(dec.u32())
	m.Schema.Columns = make([]Column, 0, colCount)
	for i := 0; i < colCount; i++ {
		name := dec.str()
		typ := dec.str()
		m.Schema.Columns = append(m.Schema.Columns, Column{Name: name, Type: typ})
	}
	m.EnablePersistentIndex = dec.boolean()
	m.NextRowsetID = int64(dec.u64())
	m.CumulativePoint = int(dec.i32())
	m.Rowsets = dec.rowsets()
	m.CompactionInputs = dec.rowsets()
	m.DelVecMeta = dec.delVecMeta()
	if dec.boolean() {
		s := Schema{}
		s.KeysType = KeysType(dec.i32())
		n := int(dec.u32())
		s.Columns = make([]Column, 0, n)
		for i := 0; i < n; i++ {
			s.Columns = append(s.Columns, Column{Name: dec.str(), Type: dec.str()})
		}
		m.SourceSchema = &s
	}
	if dec.err != nil {
		return nil, dec.err
	}
	if dec.off != len(dec.buf) {
		return nil, errors.New("tabletmeta: trailing bytes")
	}
	return m, nil
}

func appendRowsets(buf []byte, rs []RowsetMetadata) []byte {
	buf = appendU32(buf, uint32(len(rs)))
	for _, r := range rs {
		buf = appendU64(buf, uint64(r.ID))
		buf = appendI32(buf, int32(r.Segments))
		buf = appendU64(buf, uint64(r.NumRows))
		buf = appendBool(buf, r.HasDeletePredicate)
	}
	return buf
}

func appendDelVecMeta(buf []byte, d DelVecMeta) []byte {
	buf = appendU32(buf, uint32(len(d)))
	for seg, loc := range d {
		buf = appendU64(buf, uint64(seg))
		buf = appendU64(buf, uint64(loc.Version))
		buf = appendString(buf, loc.Path)
	}
	return buf
}

func appendOptionalSchema(buf []byte, s *Schema) []byte {
	if s == nil {
		return appendBool(buf, false)
	}
	buf = appendBool(buf, true)
	buf = appendI32(buf, int32(s.KeysType))
	buf = appendU32(buf, uint32(len(s.Columns)))
	for _, col := range s.Columns {
		buf = appendString(buf, col.Name)
		buf = appendString(buf, col.Type)
	}
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendI32(buf []byte, v int32) []byte {
	return appendU32(buf, uint32(v))
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendString(buf []byte, v string) []byte {
	if len(v) > int(^uint32(0)) {
		panic("tabletmeta: string too large")
	}
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

// decoder walks a decoded body sequentially, recording the first error seen
// so callers can check it once at the end instead of after every field.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = errors.New("tabletmeta: truncated field")
		return false
	}
	return true
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) i32() int32 {
	return int32(d.u32())
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) boolean() bool {
	if !d.need(1) {
		return false
	}
	v := d.buf[d.off] != 0
	d.off++
	return v
}

func (d *decoder) str() string {
	n := int(d.u32())
	if !d.need(n) {
		return ""
	}
	v := string(d.buf[d.off : d.off+n])
	d.off += n
	return v
}

func (d *decoder) rowsets() []RowsetMetadata {
	n := int(d.u32())
	if d.err != nil {
		return nil
	}
	out := make([]RowsetMetadata, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, RowsetMetadata{
			ID:                 int64(d.u64()),
			Segments:           int(d.i32()),
			NumRows:            int64(d.u64()),
			HasDeletePredicate: d.boolean(),
		})
	}
	return out
}

func (d *decoder) delVecMeta() DelVecMeta {
	n := int(d.u32())
	if d.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make(DelVecMeta, n)
	for i := 0; i < n; i++ {
		seg := int64(d.u64())
		loc := DelVecLocator{Version: int64(d.u64()), Path: d.str()}
		out[seg] = loc
	}
	return out
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
