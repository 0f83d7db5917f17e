package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"raftcore/internal/raft"
)

func TestMemberState_Defaults(t *testing.T) {
	s := &memberState{}

	assert.Equal(t, raft.RoleInactive, s.getRole())
	assert.Equal(t, uint64(0), s.getTerm())
	assert.Equal(t, raft.MemberID(""), s.getLeader())
	assert.Equal(t, raft.MemberID(""), s.getVotedFor())
	assert.Equal(t, uint64(0), s.getCommitIndex())
	assert.Equal(t, uint64(0), s.getFirstCommitIndex())
}

func TestMemberState_GetSet(t *testing.T) {
	s := &memberState{}

	t.Run("role", func(t *testing.T) {
		s.setRole(raft.RoleLeader)
		assert.Equal(t, raft.RoleLeader, s.getRole())

		s.setRole(raft.RoleFollower)
		assert.Equal(t, raft.RoleFollower, s.getRole())
	})

	t.Run("term", func(t *testing.T) {
		s.setTerm(5)
		assert.Equal(t, uint64(5), s.getTerm())
	})

	t.Run("leader and vote", func(t *testing.T) {
		s.setLeader("a")
		s.setVotedFor("b")
		assert.Equal(t, raft.MemberID("a"), s.getLeader())
		assert.Equal(t, raft.MemberID("b"), s.getVotedFor())

		s.setVotedFor("")
		assert.Equal(t, raft.MemberID(""), s.getVotedFor())
	})

	t.Run("state", func(t *testing.T) {
		s.setState(raft.StateReady)
		assert.Equal(t, raft.StateReady, s.getState())
	})
}

func TestMemberState_FirstCommitIndex(t *testing.T) {
	s := &memberState{}

	assert.True(t, s.setFirstCommitIndex(7))
	assert.False(t, s.setFirstCommitIndex(9))
	assert.Equal(t, uint64(7), s.getFirstCommitIndex())
}

func TestMemberState_LastApplied(t *testing.T) {
	s := &memberState{}

	s.setLastApplied(10, 2)
	index, term := s.getLastApplied()
	assert.Equal(t, uint64(10), index)
	assert.Equal(t, uint64(2), term)

	t.Run("never goes backwards", func(t *testing.T) {
		s.setLastApplied(4, 1)
		index, term := s.getLastApplied()
		assert.Equal(t, uint64(10), index)
		assert.Equal(t, uint64(2), term)
	})
}

func TestMemberState_Concurrency(t *testing.T) {
	s := &memberState{}

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			s.setTerm(uint64(idx))
			s.getTerm()
		}(i)
		go func(idx int) {
			defer wg.Done()
			s.setLastApplied(uint64(idx), 1)
			s.getLastApplied()
		}(i)
	}
	wg.Wait()

	index, _ := s.getLastApplied()
	assert.Equal(t, uint64(999), index)
}
