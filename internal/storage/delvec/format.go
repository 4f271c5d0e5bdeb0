// Package delvec encodes and persists delete-vector blobs: the per-segment
// bitmaps of logically deleted rows that a meta-file builder accumulates
// during an apply and flushes at finalize time.
package delvec

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	magic     = 0x53474c44 // "SGLD"
	versionV1 = 1
	headerLen = 4 + 4 + 8 + 8 + 4
)

// Blob is one decoded delete-vector file.
type Blob struct {
	SegmentID int64
	TxnID     int64
	Data      []byte
}

// Encode serializes a blob: header, payload, trailing BLAKE3 checksum.
func Encode(segmentID, txnID int64, data []byte) []byte {
	buf := make([]byte, 0, headerLen+len(data)+32)
	buf = appendU32(buf, magic)
	buf = appendU32(buf, versionV1)
	buf = appendU64(buf, uint64(segmentID))
	buf = appendU64(buf, uint64(txnID))
	buf = appendU32(buf, uint32(len(data)))
	buf = append(buf, data...)
	checksum := blake3.Sum256(buf[headerLen:])
	return append(buf, checksum[:]...)
}

// Decode validates and parses a blob previously produced by Encode.
func Decode(raw []byte) (*Blob, error) {
	if len(raw) < headerLen+32 {
		return nil, errors.New("delvec: truncated")
	}
	body := raw[:len(raw)-32]
	checksum := raw[len(raw)-32:]
	sum := blake3.Sum256(body[headerLen:])
	if !equalBytes(sum[:], checksum) {
		return nil, errors.New("delvec: checksum mismatch")
	}
	if binary.LittleEndian.Uint32(body[0:4]) != magic {
		return nil, errors.New("delvec: bad magic")
	}
	if binary.LittleEndian.Uint32(body[4:8]) != versionV1 {
		return nil, errors.New("delvec: unsupported version")
	}
	segmentID := int64(binary.LittleEndian.Uint64(body[8:16]))
	txnID := int64(binary.LittleEndian.Uint64(body[16:24]))
	dataLen := int(binary.LittleEndian.Uint32(body[24:28]))
	if headerLen+dataLen != len(body) {
		return nil, errors.New("delvec: length mismatch")
	}
	data := make([]byte, dataLen)
	copy(data, body[headerLen:])
	return &Blob{SegmentID: segmentID, TxnID: txnID, Data: data}, nil
}

// WriteFile atomically writes an encoded blob to disk: write to a temp file,
// sync, then rename into place, mirroring the teacher's
// internal/ops/gc_rewrite.go writeManifestAtomic pattern. The temp file
// carries a random suffix so that a recover-and-retry step racing its own
// abandoned attempt for the same segment never collides on one descriptor.
func WriteFile(path string, segmentID, txnID int64, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp." + uuid.NewString()
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := file.Write(Encode(segmentID, txnID, data)); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFile reads and decodes a blob from disk.
func ReadFile(path string) (*Blob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
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
