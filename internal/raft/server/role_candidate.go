package server

import (
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
	"raftcore/internal/raft/election"
)

// candidateRole runs elections until it wins one or learns about a leader or a newer term (Section 5.2 of the
// Raft paper). A new election starts whenever the randomized timeout expires.
type candidateRole struct {
	activeRole
	timer election.Timer
	round uint64
}

func newCandidateRole(c *RaftContext) *candidateRole {
	r := &candidateRole{activeRole: newActiveRole(c, raft.RoleCandidate)}
	r.timer = election.NewRandomizedTimer(c.cfg.Election.Timeout, c.raftThread, c.random, r.onTimeout, r.logger)
	return r
}

func (r *candidateRole) Role() raft.Role {
	return raft.RoleCandidate
}

func (r *candidateRole) start() error {
	if err := r.activeRole.start(); err != nil {
		return err
	}
	r.startElection()
	return nil
}

func (r *candidateRole) stop() error {
	r.timer.Cancel()
	return r.activeRole.stop()
}

func (r *candidateRole) onTimeout() {
	if r.running {
		r.startElection()
	}
}

// startElection votes for itself in a new term and requests the votes of the other voting members
func (r *candidateRole) startElection() {
	r.timer.Reset()
	r.round++
	round := r.round

	term := r.raft.getTerm() + 1
	r.raft.SetTerm(term)
	if err := r.raft.SetLastVotedFor(r.raft.member); err != nil {
		r.logger.Warn("Failed to vote for self", zap.Error(err))
		return
	}
	r.raft.metrics.RecordElection()
	started := time.Now()

	voters := r.raft.cluster.remoteVotingMembers()
	r.logger.Info("Starting election", zap.Uint64("term", term), zap.Int("voters", len(voters)+1))
	if len(voters) == 0 {
		r.raft.metrics.RecordElectionDuration(time.Since(started))
		r.raft.transition(raft.RoleLeader)
		return
	}

	q := newQuorum(len(voters)+1, func(elected bool) {
		if !elected || !r.running || r.round != round {
			return
		}
		r.logger.Info("Won election", zap.Uint64("term", term), zap.Duration("duration", time.Since(started)))
		r.raft.metrics.RecordElectionDuration(time.Since(started))
		r.raft.transition(raft.RoleLeader)
	})

	lastIndex, lastTerm := r.raft.lastLogIndexAndTerm()
	req := &raft.VoteRequest{Term: term, Candidate: r.raft.member, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	for _, voter := range voters {
		call(r.raft, voter, req, r.raft.protocol.Vote, func(resp *raft.VoteResponse, err error) {
			if !r.running || r.round != round || q.done {
				return
			}
			switch {
			case err != nil:
				r.logger.Debug("Failed to request vote", zap.String("member", string(voter)), zap.Error(err))
				q.fail()
			case !resp.OK():
				q.fail()
			case resp.Term > r.raft.getTerm():
				r.logger.Info("Found a newer term, stepping down", zap.Uint64("term", resp.Term))
				r.raft.SetTerm(resp.Term)
				r.raft.transition(raft.RoleFollower)
			case !resp.Voted:
				q.fail()
			default:
				q.succeed()
			}
		})
	}
}

// stepDown makes the member a follower of the term in a request from another member
func (r *candidateRole) stepDown(term uint64) {
	r.raft.SetTerm(term)
	r.raft.transition(raft.RoleFollower)
}

func (r *candidateRole) onAppend(req *raft.AppendRequest) *concurrent.Future[*raft.AppendResponse] {
	if req.Term < r.raft.getTerm() {
		return concurrent.Completed(r.failAppend(r.raft.log.LastIndex()))
	}
	r.stepDown(req.Term)
	return r.raft.current.onAppend(req)
}

func (r *candidateRole) onConfigure(req *raft.ConfigureRequest) *concurrent.Future[*raft.ConfigureResponse] {
	if req.Term < r.raft.getTerm() {
		return concurrent.Completed(r.handleConfigure(req))
	}
	r.stepDown(req.Term)
	return r.raft.current.onConfigure(req)
}

func (r *candidateRole) onInstall(req *raft.InstallRequest) *concurrent.Future[*raft.InstallResponse] {
	if req.Term < r.raft.getTerm() {
		return r.handleInstall(req)
	}
	r.stepDown(req.Term)
	return r.raft.current.onInstall(req)
}

func (r *candidateRole) onVote(req *raft.VoteRequest) *concurrent.Future[*raft.VoteResponse] {
	if req.Term > r.raft.getTerm() {
		r.stepDown(req.Term)
		return r.raft.current.onVote(req)
	}
	if req.Candidate == r.raft.member {
		return concurrent.Completed(&raft.VoteResponse{Response: raft.OKResponse(), Term: r.raft.getTerm(), Voted: true})
	}
	return r.rejectVote()
}
