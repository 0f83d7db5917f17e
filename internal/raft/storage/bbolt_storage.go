package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"raftcore/internal/raft"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")
	snapshotBucket = []byte("snapshots")

	// Metadata keys
	currentTermKey   = []byte("currentTerm")
	votedForKey      = []byte("votedFor")
	configurationKey = []byte("configuration")
	firstIndexKey    = []byte("firstIndex")
)

const dbFileName = "raft.db"

// Options configures how the storage is opened
type Options struct {
	// FlushExplicitly disables the fsync of every write transaction. Appended entries are then only durable after
	// Log.Flush.
	FlushExplicitly bool
	// LockTimeout bounds the wait for the file lock held by another member
	LockTimeout time.Duration
}

// Storage is the on-disk state of a member: the log, the metadata store and the snapshot store share one bbolt
// file. The file lock prevents two members from opening the same directory.
type Storage struct {
	dir  string
	conn *bbolt.DB

	mu       sync.Mutex
	refCount int

	log       *BboltLog
	meta      *BboltMetaStore
	snapshots *BboltSnapshotStore
}

// Open opens or creates the storage in dir. A directory locked by another member yields raft.ErrStorageLocked.
func Open(dir string, opts Options) (*Storage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &raft.StorageError{Op: "open", Err: err}
	}

	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(filepath.Join(dir, dbFileName), 0600, &bbolt.Options{
		Timeout: timeout,
		NoSync:  opts.FlushExplicitly,
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, &raft.StorageError{Op: "lock " + dir, Err: raft.ErrStorageLocked}
		}
		return nil, &raft.StorageError{Op: "open", Err: fmt.Errorf("failed to open bbolt db: %w", err)}
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{logBucket, metadataBucket, snapshotBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &raft.StorageError{Op: "open", Err: err}
	}

	s := &Storage{dir: dir, conn: db, refCount: 3}
	s.meta = &BboltMetaStore{store: s}
	s.snapshots = &BboltSnapshotStore{store: s}
	s.log, err = openLog(s, !opts.FlushExplicitly)
	if err != nil {
		db.Close()
		return nil, &raft.StorageError{Op: "open log", Err: err}
	}
	return s, nil
}

// Dir returns the storage directory
func (s *Storage) Dir() string {
	return s.dir
}

// Log returns the replicated log
func (s *Storage) Log() *BboltLog {
	return s.log
}

// MetaStore returns the metadata store
func (s *Storage) MetaStore() *BboltMetaStore {
	return s.meta
}

// SnapshotStore returns the snapshot store
func (s *Storage) SnapshotStore() *BboltSnapshotStore {
	return s.snapshots
}

// Statistics returns the disk usage of the storage directory
func (s *Storage) Statistics() *Statistics {
	return NewStatistics(s.dir)
}

// Close closes every store and the underlying file
func (s *Storage) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{s.log, s.meta, s.snapshots} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete closes the storage and removes its files
func (s *Storage) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, dbFileName))
}

// release is called by every store on Close, the file is closed with the last one
func (s *Storage) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refCount == 0 {
		return nil
	}
	s.refCount--
	if s.refCount == 0 {
		return s.conn.Close()
	}
	return nil
}

// BboltLog implements raft.Log. The first/last index and the last entry are cached, the log has a single writer.
type BboltLog struct {
	store           *Storage
	conn            *bbolt.DB
	flushesDirectly bool

	mu          sync.RWMutex
	firstIndex  uint64
	lastIndex   uint64
	lastEntry   *raft.Entry
	commitIndex uint64
	closed      bool
}

var _ raft.Log = (*BboltLog)(nil)

func openLog(s *Storage, flushesDirectly bool) (*BboltLog, error) {
	l := &BboltLog{store: s, conn: s.conn, flushesDirectly: flushesDirectly, firstIndex: 1}

	err := s.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(firstIndexKey); data != nil {
			l.firstIndex = bytesToUint64(data)
		}

		cursor := tx.Bucket(logBucket).Cursor()
		first, _ := cursor.First()
		if first == nil {
			l.lastIndex = l.firstIndex - 1
			return nil
		}
		l.firstIndex = bytesToUint64(first)

		last, value := cursor.Last()
		entry, err := DecodeEntry(value)
		if err != nil {
			return err
		}
		l.lastIndex = bytesToUint64(last)
		l.lastEntry = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Append appends a single entry at the end of the log
func (l *BboltLog) Append(entry *raft.Entry) (*raft.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, raft.ErrClosed
	}

	next := l.lastIndex + 1
	if entry.Index == 0 {
		entry.Index = next
	} else if entry.Index != next {
		return nil, fmt.Errorf("append index %d, expected %d: %w", entry.Index, next, raft.ErrInvalidIndex)
	}

	data, err := EncodeEntry(entry)
	if err != nil {
		return nil, err
	}
	err = l.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(logBucket).Put(uint64ToBytes(entry.Index), data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append entry %d: %w", entry.Index, err)
	}

	l.lastIndex = entry.Index
	l.lastEntry = entry
	return entry, nil
}

// Entry retrieves the log entry at the specified index
func (l *BboltLog) Entry(index uint64) (*raft.Entry, error) {
	l.mu.RLock()
	first, last := l.firstIndex, l.lastIndex
	l.mu.RUnlock()
	if index < first || index > last {
		return nil, fmt.Errorf("entry %d not in [%d, %d]: %w", index, first, last, raft.ErrIndexOutOfBounds)
	}

	var entry *raft.Entry
	err := l.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("log entry at index %d not found: %w", index, raft.ErrIndexOutOfBounds)
		}
		var err error
		entry, err = DecodeEntry(data)
		return err
	})
	return entry, err
}

func (l *BboltLog) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstIndex
}

func (l *BboltLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

func (l *BboltLog) LastEntry() *raft.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastEntry
}

func (l *BboltLog) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex < l.firstIndex
}

// DeleteAfter deletes all log entries after the given index
func (l *BboltLog) DeleteAfter(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= l.lastIndex {
		return nil
	}

	err := l.conn.Update(func(tx *bbolt.Tx) error {
		return deleteRange(tx.Bucket(logBucket), index+1, l.lastIndex)
	})
	if err != nil {
		return fmt.Errorf("failed to delete entries after %d: %w", index, err)
	}

	if index < l.firstIndex {
		l.lastIndex = l.firstIndex - 1
		l.lastEntry = nil
		return nil
	}
	l.lastIndex = index
	return l.conn.View(func(tx *bbolt.Tx) error {
		entry, err := DecodeEntry(tx.Bucket(logBucket).Get(uint64ToBytes(index)))
		l.lastEntry = entry
		return err
	})
}

// Reset deletes every entry, the next appended entry gets index
func (l *BboltLog) Reset(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(logBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket(logBucket); err != nil {
			return err
		}
		return tx.Bucket(metadataBucket).Put(firstIndexKey, uint64ToBytes(index))
	})
	if err != nil {
		return fmt.Errorf("failed to reset log to %d: %w", index, err)
	}

	l.firstIndex = index
	l.lastIndex = index - 1
	l.lastEntry = nil
	return nil
}

// Compact deletes every entry below index. The last entry is always kept.
func (l *BboltLog) Compact(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index > l.lastIndex {
		index = l.lastIndex
	}
	if index <= l.firstIndex {
		return nil
	}

	err := l.conn.Update(func(tx *bbolt.Tx) error {
		if err := deleteRange(tx.Bucket(logBucket), l.firstIndex, index-1); err != nil {
			return err
		}
		return tx.Bucket(metadataBucket).Put(firstIndexKey, uint64ToBytes(index))
	})
	if err != nil {
		return fmt.Errorf("failed to compact log to %d: %w", index, err)
	}
	l.firstIndex = index
	return nil
}

func (l *BboltLog) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

func (l *BboltLog) SetCommitIndex(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.commitIndex {
		l.commitIndex = index
	}
}

// Flush syncs the file when writes are not synced on commit
func (l *BboltLog) Flush() error {
	if l.flushesDirectly {
		return nil
	}
	if err := l.conn.Sync(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	return nil
}

func (l *BboltLog) FlushesDirectly() bool {
	return l.flushesDirectly
}

func (l *BboltLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.store.release()
}

func deleteRange(bucket *bbolt.Bucket, from, to uint64) error {
	cursor := bucket.Cursor()
	var keys [][]byte
	for k, _ := cursor.Seek(uint64ToBytes(from)); k != nil && bytesToUint64(k) <= to; k, _ = cursor.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// BboltMetaStore implements raft.MetaStore
type BboltMetaStore struct {
	store  *Storage
	closed sync.Once
}

var _ raft.MetaStore = (*BboltMetaStore)(nil)

// StoreTerm persists the current term to storage
func (m *BboltMetaStore) StoreTerm(term uint64) error {
	return m.store.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(term))
	})
}

// LoadTerm retrieves the current term from persistent storage
func (m *BboltMetaStore) LoadTerm() (uint64, error) {
	var term uint64
	err := m.store.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

// StoreVote persists the member this server voted for, an empty id deletes the vote (new term)
func (m *BboltMetaStore) StoreVote(vote raft.MemberID) error {
	return m.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if vote == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(vote))
	})
}

// LoadVote retrieves the member this server voted for in the current term
func (m *BboltMetaStore) LoadVote() (raft.MemberID, error) {
	var vote raft.MemberID
	err := m.store.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(votedForKey); data != nil {
			vote = raft.MemberID(data)
		}
		return nil
	})
	return vote, err
}

func (m *BboltMetaStore) StoreConfiguration(config *raft.Configuration) error {
	return m.store.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(configurationKey, EncodeConfiguration(config))
	})
}

func (m *BboltMetaStore) LoadConfiguration() (*raft.Configuration, error) {
	var config *raft.Configuration
	err := m.store.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(configurationKey)
		if data == nil {
			return nil
		}
		var err error
		config, err = DecodeConfiguration(data)
		return err
	})
	return config, err
}

func (m *BboltMetaStore) Close() error {
	var err error
	m.closed.Do(func() { err = m.store.release() })
	return err
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
