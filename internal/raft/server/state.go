package server

import (
	"sync"

	"raftcore/internal/raft"
)

// memberState holds the variables of Figure 2 from the [Raft paper](https://raft.github.io/raft.pdf) that are
// read from outside the raft goroutine. Only the raft goroutine writes them, except lastApplied which is written by
// the service goroutine.
type memberState struct {
	// Protects all fields below
	mu sync.RWMutex

	// The role of the member as per Section 5.1 from the paper. A member starts INACTIVE.
	role raft.Role
	// The latest term the member has seen. It is a [logical clock](https://dl.acm.org/doi/pdf/10.1145/359545.359563)
	// used to detect obsolete information such as stale leaders. It increases monotonically.
	term uint64
	// The leader of the current term, empty while unknown
	leader raft.MemberID
	// The candidate that received the vote of this member in the current term, empty if none
	votedFor raft.MemberID
	// The highest log index known to be replicated on a quorum
	commitIndex uint64
	// The commit index observed when the member started. The member is READY once it committed through it.
	firstCommitIndex uint64
	state            raft.State
	// The index and term of the last entry applied to the services
	lastApplied     uint64
	lastAppliedTerm uint64
}

func (s *memberState) getRole() raft.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *memberState) setRole(role raft.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

func (s *memberState) getTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

func (s *memberState) setTerm(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
}

func (s *memberState) getLeader() raft.MemberID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}

func (s *memberState) setLeader(leader raft.MemberID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leader = leader
}

func (s *memberState) getVotedFor() raft.MemberID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

func (s *memberState) setVotedFor(candidate raft.MemberID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = candidate
}

func (s *memberState) getCommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

func (s *memberState) setCommitIndex(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitIndex = index
}

func (s *memberState) getFirstCommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstCommitIndex
}

// setFirstCommitIndex records index unless a first commit index is already known. It reports whether it did.
func (s *memberState) setFirstCommitIndex(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstCommitIndex != 0 {
		return false
	}
	s.firstCommitIndex = index
	return true
}

func (s *memberState) getState() raft.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *memberState) setState(state raft.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *memberState) getLastApplied() (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied, s.lastAppliedTerm
}

func (s *memberState) setLastApplied(index, term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= s.lastApplied {
		s.lastApplied = index
		s.lastAppliedTerm = term
	}
}
