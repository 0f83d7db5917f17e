package storage

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"

	"raftcore/internal/raft"
)

// BboltSnapshotStore implements raft.SnapshotStore. Snapshots are keyed by index in their own bucket, pending
// snapshots stay there until they are completed or superseded.
type BboltSnapshotStore struct {
	store  *Storage
	closed sync.Once
}

var _ raft.SnapshotStore = (*BboltSnapshotStore)(nil)

// Save stores a snapshot, overwriting any snapshot at the same index
func (s *BboltSnapshotStore) Save(snapshot *raft.Snapshot) error {
	data := encodeSnapshot(snapshot)
	err := s.store.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put(uint64ToBytes(snapshot.Index), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot %d: %w", snapshot.Index, err)
	}
	return nil
}

// Complete marks the snapshot at index as completed and deletes every older snapshot
func (s *BboltSnapshotStore) Complete(index uint64) error {
	err := s.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		key := uint64ToBytes(index)
		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("snapshot %d not found: %w", index, raft.ErrIndexOutOfBounds)
		}
		snapshot, err := decodeSnapshot(index, data)
		if err != nil {
			return err
		}
		snapshot.Completed = true
		if err := bucket.Put(key, encodeSnapshot(snapshot)); err != nil {
			return err
		}
		if index == 0 {
			return nil
		}
		return deleteRange(bucket, 0, index-1)
	})
	if err != nil {
		return fmt.Errorf("failed to complete snapshot %d: %w", index, err)
	}
	return nil
}

// Latest returns the completed snapshot with the highest index
func (s *BboltSnapshotStore) Latest() (*raft.Snapshot, error) {
	var latest *raft.Snapshot
	err := s.store.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(snapshotBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			snapshot, err := decodeSnapshot(bytesToUint64(k), v)
			if err != nil {
				return err
			}
			if snapshot.Completed {
				latest = snapshot
				return nil
			}
		}
		return nil
	})
	return latest, err
}

func (s *BboltSnapshotStore) Get(index uint64) (*raft.Snapshot, error) {
	var snapshot *raft.Snapshot
	err := s.store.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(snapshotBucket).Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("snapshot %d not found: %w", index, raft.ErrIndexOutOfBounds)
		}
		var err error
		snapshot, err = decodeSnapshot(index, data)
		return err
	})
	return snapshot, err
}

func (s *BboltSnapshotStore) Delete(index uint64) error {
	return s.store.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete(uint64ToBytes(index))
	})
}

func (s *BboltSnapshotStore) Close() error {
	var err error
	s.closed.Do(func() { err = s.store.release() })
	return err
}

func encodeSnapshot(s *raft.Snapshot) []byte {
	var b []byte
	b = appendVarint(b, 1, s.Term)
	b = appendVarint(b, 2, uint64(s.Timestamp))
	b = appendVarint(b, 3, protowire.EncodeBool(s.Completed))
	b = appendBytes(b, 4, s.Data)
	return b
}

func decodeSnapshot(index uint64, data []byte) (*raft.Snapshot, error) {
	s := &raft.Snapshot{Index: index}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case 1:
			return readVarint(typ, b, &s.Term)
		case 2:
			n, err := readVarint(typ, b, &v)
			s.Timestamp = int64(v)
			return n, err
		case 3:
			n, err := readVarint(typ, b, &v)
			s.Completed = protowire.DecodeBool(v)
			return n, err
		case 4:
			return readBytes(typ, b, &s.Data)
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %d: %w", index, err)
	}
	return s, nil
}
