package server

import (
	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
)

// activeRole adds voting to the passive role. Followers, candidates and leaders build on it.
type activeRole struct {
	passiveRole
}

func newActiveRole(c *RaftContext, kind raft.Role) activeRole {
	return activeRole{passiveRole: passiveRole{baseRole: newBaseRole(c, kind), kind: kind}}
}

func (r *activeRole) onPoll(req *raft.PollRequest) *concurrent.Future[*raft.PollResponse] {
	return concurrent.Completed(r.handlePoll(req))
}

// handlePoll answers a pre-vote. Polls never change the term, they only tell the candidate whether it could win.
func (r *activeRole) handlePoll(req *raft.PollRequest) *raft.PollResponse {
	term := r.raft.getTerm()
	resp := &raft.PollResponse{Response: raft.OKResponse(), Term: term}
	if req.Term < term {
		return resp
	}
	resp.Accepted = r.isLogUpToDate(req.LastLogIndex, req.LastLogTerm)
	r.logger.Debug("Polled", zap.String("candidate", string(req.Candidate)), zap.Bool("accepted", resp.Accepted))
	return resp
}

// handleVote grants the vote of the current term to at most one candidate whose log is at least as up to date as
// the local one (Section 5.4.1 of the Raft paper)
func (r *activeRole) handleVote(req *raft.VoteRequest) *raft.VoteResponse {
	term := r.raft.getTerm()
	resp := &raft.VoteResponse{Response: raft.OKResponse(), Term: term}

	switch {
	case req.Term < term:
		r.logger.Debug("Rejected vote from a stale candidate", zap.String("candidate", string(req.Candidate)),
			zap.Uint64("request_term", req.Term))
	case r.raft.getLeader() != "":
		r.logger.Debug("Rejected vote, the leader is known", zap.String("candidate", string(req.Candidate)),
			zap.String("leader", string(r.raft.getLeader())))
	case !r.isVotingMember(req.Candidate):
		r.logger.Debug("Rejected vote from an unknown member", zap.String("candidate", string(req.Candidate)))
	default:
		switch voted := r.raft.getVotedFor(); voted {
		case "":
			if r.isLogUpToDate(req.LastLogIndex, req.LastLogTerm) {
				if err := r.raft.SetLastVotedFor(req.Candidate); err == nil {
					resp.Voted = true
				}
			}
		case req.Candidate:
			resp.Voted = true
		}
	}
	if resp.Voted {
		r.logger.Debug("Voted", zap.String("candidate", string(req.Candidate)), zap.Uint64("term", term))
	}
	return resp
}

func (r *activeRole) isVotingMember(id raft.MemberID) bool {
	m, ok := r.raft.cluster.configuration.Member(id)
	return ok && m.Type.IsVoting()
}

// isLogUpToDate compares the candidate's last entry with the local one: the later term wins, the longer log wins
// on equal terms
func (r *activeRole) isLogUpToDate(lastIndex, lastTerm uint64) bool {
	localIndex, localTerm := r.raft.lastLogIndexAndTerm()
	if lastTerm != localTerm {
		return lastTerm > localTerm
	}
	return lastIndex >= localIndex
}

// rejectVote answers a vote request without voting
func (r *activeRole) rejectVote() *concurrent.Future[*raft.VoteResponse] {
	return concurrent.Completed(&raft.VoteResponse{Response: raft.OKResponse(), Term: r.raft.getTerm()})
}
