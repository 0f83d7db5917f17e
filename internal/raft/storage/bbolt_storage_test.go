package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

func createTempStorage(t *testing.T, opts Options) (*Storage, string) {
	t.Helper()
	dir := t.TempDir()

	s, err := Open(dir, opts)
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(func() { s.Close() })

	return s, dir
}

func command(term uint64, op string) *raft.Entry {
	return &raft.Entry{Term: term, Timestamp: 1000, Payload: &raft.CommandEntry{Session: 1, Sequence: 1, Operation: []byte(op)}}
}

func appendN(t *testing.T, log raft.Log, n int, term uint64) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(command(term, "op"))
		require.NoError(t, err)
	}
}

func TestOpen(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		s, dir := createTempStorage(t, Options{})

		assert.Equal(t, dir, s.Dir())
		_, err := os.Stat(filepath.Join(dir, dbFileName))
		assert.NoError(t, err)
		assert.True(t, s.Log().IsEmpty())
		assert.Equal(t, uint64(1), s.Log().FirstIndex())
		assert.Equal(t, uint64(0), s.Log().LastIndex())
	})

	t.Run("fails when another member holds the lock", func(t *testing.T) {
		_, dir := createTempStorage(t, Options{})

		_, err := Open(dir, Options{LockTimeout: 50 * time.Millisecond})
		require.Error(t, err)
		assert.ErrorIs(t, err, raft.ErrStorageLocked)

		var storageErr *raft.StorageError
		assert.ErrorAs(t, err, &storageErr)
	})

	t.Run("reopens existing state", func(t *testing.T) {
		dir := t.TempDir()
		s, err := Open(dir, Options{})
		require.NoError(t, err)
		appendN(t, s.Log(), 3, 2)
		require.NoError(t, s.MetaStore().StoreTerm(2))
		require.NoError(t, s.Close())

		reopened, err := Open(dir, Options{})
		require.NoError(t, err)
		defer reopened.Close()

		assert.Equal(t, uint64(3), reopened.Log().LastIndex())
		assert.Equal(t, uint64(2), reopened.Log().LastEntry().Term)
		term, err := reopened.MetaStore().LoadTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), term)
	})

	t.Run("delete removes the file", func(t *testing.T) {
		dir := t.TempDir()
		s, err := Open(dir, Options{})
		require.NoError(t, err)

		require.NoError(t, s.Delete())
		_, err = os.Stat(filepath.Join(dir, dbFileName))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestBboltLog_Append(t *testing.T) {
	t.Run("assigns contiguous indexes", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		log := s.Log()

		for i := uint64(1); i <= 3; i++ {
			entry, err := log.Append(command(1, "op"))
			require.NoError(t, err)
			assert.Equal(t, i, entry.Index)
		}
		assert.Equal(t, uint64(3), log.LastIndex())
		assert.False(t, log.IsEmpty())
	})

	t.Run("accepts the next index", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})

		entry := command(1, "op")
		entry.Index = 1
		_, err := s.Log().Append(entry)
		assert.NoError(t, err)
	})

	t.Run("rejects a gap", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})

		entry := command(1, "op")
		entry.Index = 5
		_, err := s.Log().Append(entry)
		assert.ErrorIs(t, err, raft.ErrInvalidIndex)
	})

	t.Run("round trips every payload", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		log := s.Log()

		payloads := []raft.Payload{
			&raft.InitializeEntry{},
			&raft.ConfigurationEntry{Members: []raft.Member{{ID: "a", Type: raft.MemberTypeActive, Priority: -2}}},
			&raft.OpenSessionEntry{MemberID: "client", ServiceName: "kv", ServiceType: "kv", MinTimeout: 100, MaxTimeout: 5000},
			&raft.KeepAliveEntry{SessionIDs: []uint64{3, 4}, CommandSequences: []uint64{10, 0}, EventIndexes: []uint64{7, 8}},
			&raft.CloseSessionEntry{Session: 3, Delete: true},
			&raft.MetadataEntry{Session: 4},
			&raft.ApplicationEntry{Data: []byte("opaque")},
		}
		for _, p := range payloads {
			_, err := log.Append(&raft.Entry{Term: 4, Timestamp: 99, Payload: p})
			require.NoError(t, err)
		}

		for i, p := range payloads {
			entry, err := log.Entry(uint64(i + 1))
			require.NoError(t, err)
			assert.Equal(t, uint64(4), entry.Term)
			assert.Equal(t, int64(99), entry.Timestamp)
			assert.Equal(t, p, entry.Payload)
		}
	})
}

func TestBboltLog_Entry(t *testing.T) {
	s, _ := createTempStorage(t, Options{})
	appendN(t, s.Log(), 2, 1)

	t.Run("retrieves existing entry", func(t *testing.T) {
		entry, err := s.Log().Entry(2)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), entry.Index)
		assert.Equal(t, []byte("op"), entry.Payload.(*raft.CommandEntry).Operation)
	})

	t.Run("fails for non-existent entry", func(t *testing.T) {
		_, err := s.Log().Entry(3)
		assert.ErrorIs(t, err, raft.ErrIndexOutOfBounds)
		_, err = s.Log().Entry(0)
		assert.ErrorIs(t, err, raft.ErrIndexOutOfBounds)
	})
}

func TestBboltLog_DeleteAfter(t *testing.T) {
	t.Run("truncates the suffix", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		log := s.Log()
		appendN(t, log, 5, 1)

		require.NoError(t, log.DeleteAfter(2))

		assert.Equal(t, uint64(2), log.LastIndex())
		assert.Equal(t, uint64(2), log.LastEntry().Index)
		_, err := log.Entry(3)
		assert.ErrorIs(t, err, raft.ErrIndexOutOfBounds)

		entry, err := log.Append(command(2, "new"))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), entry.Index)
	})

	t.Run("truncates everything", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		log := s.Log()
		appendN(t, log, 3, 1)

		require.NoError(t, log.DeleteAfter(0))
		assert.True(t, log.IsEmpty())
		assert.Nil(t, log.LastEntry())
	})

	t.Run("no-op beyond the last index", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		appendN(t, s.Log(), 2, 1)

		require.NoError(t, s.Log().DeleteAfter(10))
		assert.Equal(t, uint64(2), s.Log().LastIndex())
	})
}

func TestBboltLog_Compact(t *testing.T) {
	t.Run("removes the prefix", func(t *testing.T) {
		s, dir := createTempStorage(t, Options{})
		log := s.Log()
		appendN(t, log, 100, 1)

		require.NoError(t, log.Compact(80))

		assert.Equal(t, uint64(80), log.FirstIndex())
		assert.Equal(t, uint64(100), log.LastIndex())
		_, err := log.Entry(79)
		assert.ErrorIs(t, err, raft.ErrIndexOutOfBounds)
		_, err = log.Entry(80)
		assert.NoError(t, err)

		require.NoError(t, s.Close())
		reopened, err := Open(dir, Options{})
		require.NoError(t, err)
		defer reopened.Close()
		assert.Equal(t, uint64(80), reopened.Log().FirstIndex())
	})

	t.Run("keeps the last entry", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		appendN(t, s.Log(), 5, 1)

		require.NoError(t, s.Log().Compact(50))
		assert.Equal(t, uint64(5), s.Log().FirstIndex())
		assert.False(t, s.Log().IsEmpty())
	})
}

func TestBboltLog_Reset(t *testing.T) {
	s, dir := createTempStorage(t, Options{})
	log := s.Log()
	appendN(t, log, 3, 1)

	require.NoError(t, log.Reset(11))

	assert.True(t, log.IsEmpty())
	assert.Equal(t, uint64(11), log.FirstIndex())
	assert.Equal(t, uint64(10), log.LastIndex())

	entry, err := log.Append(command(3, "after"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), entry.Index)

	require.NoError(t, s.Close())
	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(11), reopened.Log().FirstIndex())
	assert.Equal(t, uint64(11), reopened.Log().LastIndex())
}

func TestBboltLog_CommitAndFlush(t *testing.T) {
	t.Run("commit index is monotonic", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		log := s.Log()

		log.SetCommitIndex(5)
		log.SetCommitIndex(3)
		assert.Equal(t, uint64(5), log.CommitIndex())
	})

	t.Run("explicit flush", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{FlushExplicitly: true})
		appendN(t, s.Log(), 2, 1)

		assert.False(t, s.Log().FlushesDirectly())
		assert.NoError(t, s.Log().Flush())
	})

	t.Run("direct flush", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		assert.True(t, s.Log().FlushesDirectly())
		assert.NoError(t, s.Log().Flush())
	})

	t.Run("append after close fails", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		require.NoError(t, s.Log().Close())

		_, err := s.Log().Append(command(1, "op"))
		assert.ErrorIs(t, err, raft.ErrClosed)
	})
}

func TestBboltMetaStore(t *testing.T) {
	s, dir := createTempStorage(t, Options{})
	meta := s.MetaStore()

	t.Run("default term and vote", func(t *testing.T) {
		term, err := meta.LoadTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), term)

		vote, err := meta.LoadVote()
		require.NoError(t, err)
		assert.Empty(t, vote)

		config, err := meta.LoadConfiguration()
		require.NoError(t, err)
		assert.Nil(t, config)
	})

	t.Run("stores and clears the vote", func(t *testing.T) {
		require.NoError(t, meta.StoreVote("member-2"))
		vote, err := meta.LoadVote()
		require.NoError(t, err)
		assert.Equal(t, raft.MemberID("member-2"), vote)

		require.NoError(t, meta.StoreVote(""))
		vote, err = meta.LoadVote()
		require.NoError(t, err)
		assert.Empty(t, vote)
	})

	t.Run("persists across reopens", func(t *testing.T) {
		updated := time.Unix(0, 1700000000000000000)
		config := &raft.Configuration{Index: 7, Term: 2, Time: 1234, Members: []raft.Member{
			{ID: "a", Type: raft.MemberTypeActive, Priority: 3, Updated: updated},
			{ID: "b", Type: raft.MemberTypePassive},
		}}
		require.NoError(t, meta.StoreTerm(9))
		require.NoError(t, meta.StoreVote("a"))
		require.NoError(t, meta.StoreConfiguration(config))
		require.NoError(t, s.Close())

		reopened, err := Open(dir, Options{})
		require.NoError(t, err)
		defer reopened.Close()

		term, err := reopened.MetaStore().LoadTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(9), term)
		vote, err := reopened.MetaStore().LoadVote()
		require.NoError(t, err)
		assert.Equal(t, raft.MemberID("a"), vote)
		loaded, err := reopened.MetaStore().LoadConfiguration()
		require.NoError(t, err)
		assert.Equal(t, config, loaded)
	})
}

func TestBboltSnapshotStore(t *testing.T) {
	t.Run("latest ignores pending snapshots", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		store := s.SnapshotStore()

		require.NoError(t, store.Save(&raft.Snapshot{Index: 10, Term: 1, Timestamp: 5, Data: []byte("ten")}))
		latest, err := store.Latest()
		require.NoError(t, err)
		assert.Nil(t, latest)

		require.NoError(t, store.Complete(10))
		latest, err = store.Latest()
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, uint64(10), latest.Index)
		assert.Equal(t, []byte("ten"), latest.Data)
		assert.True(t, latest.Completed)
	})

	t.Run("complete removes older snapshots", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		store := s.SnapshotStore()

		require.NoError(t, store.Save(&raft.Snapshot{Index: 10, Term: 1}))
		require.NoError(t, store.Complete(10))
		require.NoError(t, store.Save(&raft.Snapshot{Index: 20, Term: 2}))
		require.NoError(t, store.Save(&raft.Snapshot{Index: 30, Term: 2}))

		latest, err := store.Latest()
		require.NoError(t, err)
		assert.Equal(t, uint64(10), latest.Index)

		require.NoError(t, store.Complete(20))
		_, err = store.Get(10)
		assert.ErrorIs(t, err, raft.ErrIndexOutOfBounds)

		pending, err := store.Get(30)
		require.NoError(t, err)
		assert.False(t, pending.Completed)
	})

	t.Run("complete of unknown snapshot fails", func(t *testing.T) {
		s, _ := createTempStorage(t, Options{})
		assert.ErrorIs(t, s.SnapshotStore().Complete(3), raft.ErrIndexOutOfBounds)
	})
}

func TestStatistics(t *testing.T) {
	s, _ := createTempStorage(t, Options{})

	usable, err := s.Statistics().UsableSpace()
	require.NoError(t, err)
	total, err := s.Statistics().TotalSpace()
	require.NoError(t, err)
	assert.LessOrEqual(t, usable, total)

	ratio, err := s.Statistics().UsableRatio()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ratio, 0.0)
	assert.LessOrEqual(t, ratio, 1.0)
}
