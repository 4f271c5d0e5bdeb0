package applier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kk-code-lab/tabletapply/internal/collab"
	"github.com/kk-code-lab/tabletapply/internal/metafile"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
	"github.com/kk-code-lab/tabletapply/internal/txnlog"
)

// fakeStore is a hand-written in-memory stand-in for collab.MetadataStore,
// in the teacher's style of faking small collaborator interfaces rather
// than pulling in a mocking framework.
type fakeStore struct {
	mu       sync.Mutex
	versions map[int64]map[int64]*tabletmeta.TabletMetadata
	current  map[int64]int64
	puts     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{versions: map[int64]map[int64]*tabletmeta.TabletMetadata{}, current: map[int64]int64{}}
}

func (s *fakeStore) seed(m *tabletmeta.TabletMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions[m.ID] == nil {
		s.versions[m.ID] = map[int64]*tabletmeta.TabletMetadata{}
	}
	s.versions[m.ID][m.Version] = m.Clone()
	if m.Version > s.current[m.ID] {
		s.current[m.ID] = m.Version
	}
}

func (s *fakeStore) CheckVersion(_ context.Context, tabletID, baseVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current[tabletID] != baseVersion {
		return fmt.Errorf("fakeStore: tablet=%d expected base=%d actual=%d", tabletID, baseVersion, s.current[tabletID])
	}
	return nil
}

func (s *fakeStore) PutMetadata(_ context.Context, m *tabletmeta.TabletMetadata, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.versions[m.ID] == nil {
		s.versions[m.ID] = map[int64]*tabletmeta.TabletMetadata{}
	}
	s.versions[m.ID][m.Version] = m.Clone()
	if m.Version > s.current[m.ID] {
		s.current[m.ID] = m.Version
	}
	return nil
}

func (s *fakeStore) GetMetadata(_ context.Context, tabletID, version int64) (*tabletmeta.TabletMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.versions[tabletID][version]
	if !ok {
		return nil, fmt.Errorf("fakeStore: no metadata for tablet=%d version=%d", tabletID, version)
	}
	return m.Clone(), nil
}

// fakeEntry is a minimal collab.IndexEntry.
type fakeEntry struct {
	mu          sync.Mutex
	tabletID    int64
	commitErr   error
	memoryUsage int64
	released    int
}

func (e *fakeEntry) Lock()   { e.mu.Lock() }
func (e *fakeEntry) Unlock() { e.mu.Unlock() }
func (e *fakeEntry) Commit(context.Context, *tabletmeta.TabletMetadata, collab.MetaFileBuilder) error {
	return e.commitErr
}
func (e *fakeEntry) MemoryUsage() int64 { return e.memoryUsage }
func (e *fakeEntry) TabletID() int64    { return e.tabletID }
func (e *fakeEntry) Release()           { e.released++ }

// fakeCache is a minimal collab.IndexCache that counts Evict/Unload calls
// instead of really dropping anything, so tests can assert on rollback
// behavior.
type fakeCache struct {
	mu           sync.Mutex
	entries      map[int64]*fakeEntry
	prepareCalls int
	evicted      map[int64]int
	unloaded     map[int64]int
	prepareErr   error
	commitErr    error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[int64]*fakeEntry{}, evicted: map[int64]int{}, unloaded: map[int64]int{}}
}

func (c *fakeCache) Prepare(_ context.Context, metadata *tabletmeta.TabletMetadata, _, _ int64) (collab.IndexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepareCalls++
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	entry, ok := c.entries[metadata.ID]
	if !ok {
		entry = &fakeEntry{tabletID: metadata.ID, commitErr: c.commitErr}
		c.entries[metadata.ID] = entry
	}
	return entry, nil
}

func (c *fakeCache) Evict(tabletID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted[tabletID]++
}

func (c *fakeCache) Unload(tabletID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unloaded[tabletID]++
	delete(c.entries, tabletID)
}

func (c *fakeCache) UpdateMemory(int64, int64) {}

// fakeBuilder is a minimal collab.MetaFileBuilder whose RecoverFlag is
// driven by the test or by fakePublisher, and whose Finalize outcome is
// scriptable for atomicity tests.
type fakeBuilder struct {
	mu          sync.Mutex
	flag        metafile.RecoverFlag
	delvecs     map[int64][]byte
	finalizeErr error
	finalized   bool
}

func newFakeBuilder() *fakeBuilder { return &fakeBuilder{delvecs: map[int64][]byte{}} }

func (b *fakeBuilder) AppendDelVec(segmentID int64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delvecs[segmentID] = data
}
func (b *fakeBuilder) Finalize(_ context.Context, _ *tabletmeta.TabletMetadata, _ int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalizeErr != nil {
		return b.finalizeErr
	}
	b.finalized = true
	return nil
}
func (b *fakeBuilder) RecoverFlag() metafile.RecoverFlag {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flag
}
func (b *fakeBuilder) SetRecoverFlag(flag metafile.RecoverFlag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flag = flag
}

// fakePublisher mutates metadata the way the real collaborator would
// (rowset append for writes, splice for compaction) while letting tests
// script a sequence of recover flags and errors per call.
type fakePublisher struct {
	mu              sync.Mutex
	writeCalls      int
	compactionCalls int
	writeFlags      []metafile.RecoverFlag
	writeErrs       []error
	compactionErr   error
}

func (p *fakePublisher) PublishWrite(_ context.Context, op *txnlog.OpWrite, _ int64, metadata *tabletmeta.TabletMetadata, _ tabletmeta.Tablet, _ collab.IndexEntry, builder collab.MetaFileBuilder, _ int64) error {
	p.mu.Lock()
	idx := p.writeCalls
	p.writeCalls++
	var flag metafile.RecoverFlag
	if idx < len(p.writeFlags) {
		flag = p.writeFlags[idx]
	}
	var err error
	if idx < len(p.writeErrs) {
		err = p.writeErrs[idx]
	}
	p.mu.Unlock()

	rowset := op.Rowset
	rowset.ID = metadata.NextRowsetID
	span := int64(rowset.Segments)
	if span < 1 {
		span = 1
	}
	metadata.NextRowsetID += span
	metadata.Rowsets = append(metadata.Rowsets, rowset)
	builder.SetRecoverFlag(flag)
	return err
}

func (p *fakePublisher) PublishCompaction(_ context.Context, op *txnlog.OpCompaction, _ int64, metadata *tabletmeta.TabletMetadata, _ tabletmeta.Tablet, _ collab.IndexEntry, _ collab.MetaFileBuilder, _ int64) error {
	p.mu.Lock()
	p.compactionCalls++
	err := p.compactionErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return tabletmeta.Splice(metadata, op.InputRowsetIDs, op.OutputRowset, false)
}

// fakeRecoverer counts invocations and clears delvec metadata, scriptable
// to fail.
type fakeRecoverer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRecoverer) Recover(_ context.Context, builder collab.MetaFileBuilder, _ tabletmeta.Tablet, metadata *tabletmeta.TabletMetadata) error {
	r.mu.Lock()
	r.calls++
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	metadata.DelVecMeta = tabletmeta.DelVecMeta{}
	builder.AppendDelVec(-1, []byte("recovered"))
	return nil
}

var errBoom = errors.New("boom")

// baseMetadata builds a minimal metadata snapshot for test fixtures.
func baseMetadata(id, version int64, keys tabletmeta.KeysType) *tabletmeta.TabletMetadata {
	return &tabletmeta.TabletMetadata{
		ID:           id,
		Version:      version,
		Schema:       tabletmeta.Schema{KeysType: keys},
		NextRowsetID: 1,
	}
}

