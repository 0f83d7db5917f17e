package mocks

import (
	"fmt"
	"sync"

	"raftcore/internal/raft"
)

// MockLog is an in-memory implementation of raft.Log for testing
type MockLog struct {
	mu          sync.RWMutex
	entries     []*raft.Entry
	firstIndex  uint64
	commitIndex uint64
	flushes     int
	closed      bool

	// FlushDirectly controls the value returned by FlushesDirectly
	FlushDirectly bool

	// Error injection for testing
	AppendError      error
	EntryError       error
	DeleteAfterError error
	ResetError       error
	CompactError     error
	FlushError       error
}

// NewMockLog creates an empty log starting at index 1
func NewMockLog() *MockLog {
	return &MockLog{firstIndex: 1, FlushDirectly: true}
}

func (m *MockLog) Append(entry *raft.Entry) (*raft.Entry, error) {
	if m.AppendError != nil {
		return nil, m.AppendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.lastIndexUnsafe() + 1
	if entry.Index == 0 {
		entry.Index = next
	} else if entry.Index != next {
		return nil, fmt.Errorf("append index %d, expected %d: %w", entry.Index, next, raft.ErrInvalidIndex)
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MockLog) Entry(index uint64) (*raft.Entry, error) {
	if m.EntryError != nil {
		return nil, m.EntryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index < m.firstIndex || index > m.lastIndexUnsafe() {
		return nil, fmt.Errorf("entry %d: %w", index, raft.ErrIndexOutOfBounds)
	}
	return m.entries[index-m.firstIndex], nil
}

func (m *MockLog) FirstIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstIndex
}

func (m *MockLog) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndexUnsafe()
}

func (m *MockLog) lastIndexUnsafe() uint64 {
	return m.firstIndex + uint64(len(m.entries)) - 1
}

func (m *MockLog) LastEntry() *raft.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

func (m *MockLog) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) == 0
}

func (m *MockLog) DeleteAfter(index uint64) error {
	if m.DeleteAfterError != nil {
		return m.DeleteAfterError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < m.firstIndex {
		m.entries = m.entries[:0]
		return nil
	}
	if index < m.lastIndexUnsafe() {
		m.entries = m.entries[:index-m.firstIndex+1]
	}
	return nil
}

func (m *MockLog) Reset(index uint64) error {
	if m.ResetError != nil {
		return m.ResetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.firstIndex = index
	return nil
}

func (m *MockLog) Compact(index uint64) error {
	if m.CompactError != nil {
		return m.CompactError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if last := m.lastIndexUnsafe(); index > last {
		index = last
	}
	if index <= m.firstIndex {
		return nil
	}
	m.entries = append([]*raft.Entry(nil), m.entries[index-m.firstIndex:]...)
	m.firstIndex = index
	return nil
}

func (m *MockLog) CommitIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commitIndex
}

func (m *MockLog) SetCommitIndex(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index > m.commitIndex {
		m.commitIndex = index
	}
}

func (m *MockLog) Flush() error {
	if m.FlushError != nil {
		return m.FlushError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *MockLog) FlushesDirectly() bool {
	return m.FlushDirectly
}

// Flushes returns the number of Flush calls
func (m *MockLog) Flushes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushes
}

func (m *MockLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called
func (m *MockLog) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// MockMetaStore is an in-memory implementation of raft.MetaStore for testing
type MockMetaStore struct {
	mu     sync.RWMutex
	term   uint64
	vote   raft.MemberID
	config *raft.Configuration

	StoreTermError   error
	StoreVoteError   error
	StoreConfigError error
}

// NewMockMetaStore creates an empty meta store
func NewMockMetaStore() *MockMetaStore {
	return &MockMetaStore{}
}

func (m *MockMetaStore) StoreTerm(term uint64) error {
	if m.StoreTermError != nil {
		return m.StoreTermError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	return nil
}

func (m *MockMetaStore) LoadTerm() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, nil
}

func (m *MockMetaStore) StoreVote(vote raft.MemberID) error {
	if m.StoreVoteError != nil {
		return m.StoreVoteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vote = vote
	return nil
}

func (m *MockMetaStore) LoadVote() (raft.MemberID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vote, nil
}

func (m *MockMetaStore) StoreConfiguration(config *raft.Configuration) error {
	if m.StoreConfigError != nil {
		return m.StoreConfigError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config.Clone()
	return nil
}

func (m *MockMetaStore) LoadConfiguration() (*raft.Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Clone(), nil
}

func (m *MockMetaStore) Close() error {
	return nil
}

// MockSnapshotStore is an in-memory implementation of raft.SnapshotStore for testing
type MockSnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[uint64]*raft.Snapshot

	SaveError     error
	CompleteError error
}

// NewMockSnapshotStore creates an empty snapshot store
func NewMockSnapshotStore() *MockSnapshotStore {
	return &MockSnapshotStore{snapshots: make(map[uint64]*raft.Snapshot)}
}

func (m *MockSnapshotStore) Save(snapshot *raft.Snapshot) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snapshot
	m.snapshots[snapshot.Index] = &cp
	return nil
}

func (m *MockSnapshotStore) Complete(index uint64) error {
	if m.CompleteError != nil {
		return m.CompleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, ok := m.snapshots[index]
	if !ok {
		return fmt.Errorf("snapshot %d: %w", index, raft.ErrIndexOutOfBounds)
	}
	snapshot.Completed = true
	for i := range m.snapshots {
		if i < index {
			delete(m.snapshots, i)
		}
	}
	return nil
}

func (m *MockSnapshotStore) Latest() (*raft.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *raft.Snapshot
	for _, s := range m.snapshots {
		if s.Completed && (latest == nil || s.Index > latest.Index) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MockSnapshotStore) Get(index uint64) (*raft.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[index]
	if !ok {
		return nil, fmt.Errorf("snapshot %d: %w", index, raft.ErrIndexOutOfBounds)
	}
	cp := *s
	return &cp, nil
}

func (m *MockSnapshotStore) Delete(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, index)
	return nil
}

func (m *MockSnapshotStore) Close() error {
	return nil
}

var (
	_ raft.Log           = (*MockLog)(nil)
	_ raft.MetaStore     = (*MockMetaStore)(nil)
	_ raft.SnapshotStore = (*MockSnapshotStore)(nil)
)
