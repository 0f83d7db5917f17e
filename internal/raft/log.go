package raft

import "fmt"

// Log is the append-only replicated log. Entries are indexed from 1 and contiguous. Only a suffix can be removed
// (DeleteAfter) when it conflicts with the leader, and only a prefix can be removed (Compact) once it is covered by
// a completed snapshot. The log is owned by the raft goroutine, implementations need not be safe for concurrent
// writers.
type Log interface {
	// Append appends entry at LastIndex()+1. A zero entry.Index is assigned, any other index must be contiguous.
	Append(entry *Entry) (*Entry, error)
	// Entry returns the entry at index or ErrIndexOutOfBounds
	Entry(index uint64) (*Entry, error)
	// FirstIndex is the index of the first entry, or of the next entry to be appended when the log is empty
	FirstIndex() uint64
	// LastIndex is the index of the last entry, FirstIndex()-1 when the log is empty
	LastIndex() uint64
	// LastEntry returns the last entry, nil when the log is empty
	LastEntry() *Entry
	IsEmpty() bool
	// DeleteAfter removes every entry with an index greater than index
	DeleteAfter(index uint64) error
	// Reset removes every entry, the next appended entry gets index
	Reset(index uint64) error
	// Compact removes every entry with an index lower than index
	Compact(index uint64) error
	CommitIndex() uint64
	SetCommitIndex(index uint64)
	// Flush makes appended entries durable
	Flush() error
	// FlushesDirectly reports whether Append is durable on its own, in which case Flush is a no-op
	FlushesDirectly() bool
	Close() error
}

// MetaStore persists the member's term, vote and last known configuration
type MetaStore interface {
	StoreTerm(term uint64) error
	LoadTerm() (uint64, error)
	// StoreVote persists the vote of the current term, an empty id clears it
	StoreVote(vote MemberID) error
	LoadVote() (MemberID, error)
	StoreConfiguration(config *Configuration) error
	// LoadConfiguration returns nil when no configuration has been stored yet
	LoadConfiguration() (*Configuration, error)
	Close() error
}

// Snapshot is the serialized state of every service at Index. A completed snapshot is immutable and supersedes
// every log entry up to its index.
type Snapshot struct {
	Index     uint64
	Term      uint64
	Timestamp int64
	Data      []byte
	Completed bool
}

// SnapshotStore stores snapshots by index
type SnapshotStore interface {
	// Save stores a pending snapshot
	Save(snapshot *Snapshot) error
	// Complete marks the snapshot at index as completed and removes every older snapshot
	Complete(index uint64) error
	// Latest returns the latest completed snapshot, nil when there is none
	Latest() (*Snapshot, error)
	Get(index uint64) (*Snapshot, error)
	Delete(index uint64) error
	Close() error
}

// ReadMode controls how far a Reader reads
type ReadMode uint8

const (
	// ReadAll reads up to the last entry
	ReadAll ReadMode = iota
	// ReadCommits reads up to the commit index
	ReadCommits
)

// Reader reads a Log sequentially
type Reader struct {
	log  Log
	mode ReadMode
	next uint64
}

// NewReader creates a reader positioned at index
func NewReader(log Log, index uint64, mode ReadMode) *Reader {
	return &Reader{log: log, mode: mode, next: index}
}

// NextIndex returns the index of the entry returned by the next call to Next
func (r *Reader) NextIndex() uint64 {
	return r.next
}

// HasNext reports whether the entry at NextIndex can be read
func (r *Reader) HasNext() bool {
	if r.next < r.log.FirstIndex() {
		return false
	}
	limit := r.log.LastIndex()
	if r.mode == ReadCommits && r.log.CommitIndex() < limit {
		limit = r.log.CommitIndex()
	}
	return r.next <= limit
}

// Next returns the entry at NextIndex and advances the reader
func (r *Reader) Next() (*Entry, error) {
	if !r.HasNext() {
		return nil, fmt.Errorf("read index %d: %w", r.next, ErrIndexOutOfBounds)
	}
	entry, err := r.log.Entry(r.next)
	if err != nil {
		return nil, err
	}
	r.next++
	return entry, nil
}

// Reset moves the reader to index
func (r *Reader) Reset(index uint64) {
	r.next = index
}

// TermAt returns the term of the entry at index, 0 for index 0
func TermAt(log Log, index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, err := log.Entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}
