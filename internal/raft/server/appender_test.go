package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

func TestLeaderAppender_NeedsSnapshot(t *testing.T) {
	m := newRoleMember(t, raft.RoleFollower)
	r := m.raft
	appendEntries(t, m.log, 1, 20)
	// a snapshot at 15 with 5 entries kept below it for replication
	require.NoError(t, m.log.Compact(10))
	require.NoError(t, r.snapshots.Save(&raft.Snapshot{Index: 15, Term: 1, Data: []byte("state")}))
	require.NoError(t, r.snapshots.Complete(15))

	var appender *leaderAppender
	onRaft(t, r, func() {
		r.SetTerm(2)
		r.transition(raft.RoleLeader)
		appender = r.current.(*leaderRole).appender
	})
	needsSnapshot := func(nextIndex, matchIndex uint64) bool {
		var result bool
		onRaft(t, r, func() {
			result = appender.needsSnapshot(&memberContext{nextIndex: nextIndex, matchIndex: matchIndex})
		})
		return result
	}

	t.Run("previous entry still in the log", func(t *testing.T) {
		assert.False(t, needsSnapshot(12, 0))
		assert.False(t, needsSnapshot(11, 0))
	})

	t.Run("acknowledged previous entry was compacted", func(t *testing.T) {
		assert.False(t, needsSnapshot(10, 9))

		var req *raft.AppendRequest
		onRaft(t, r, func() {
			req = appender.buildAppendRequest(&memberContext{nextIndex: 10, matchIndex: 9}, true)
		})
		assert.Equal(t, uint64(9), req.PrevLogIndex)
		assert.Zero(t, req.PrevLogTerm)
		require.NotEmpty(t, req.Entries)
		assert.Equal(t, uint64(10), req.Entries[0].Index)
	})

	t.Run("unverifiable previous entry", func(t *testing.T) {
		assert.True(t, needsSnapshot(10, 0))
	})

	t.Run("needed entries were compacted", func(t *testing.T) {
		assert.True(t, needsSnapshot(5, 4))
		assert.True(t, needsSnapshot(1, 0))
	})
}
