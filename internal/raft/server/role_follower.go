package server

import (
	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
	"raftcore/internal/raft/election"
)

// followerRole replicates the leader's log and starts an election when the leader goes silent. Before becoming a
// candidate it polls the other voting members, so a member cut off from the cluster does not disturb it with
// ever growing terms.
type followerRole struct {
	activeRole
	timer election.Timer
	round uint64
}

func newFollowerRole(c *RaftContext) *followerRole {
	r := &followerRole{activeRole: newActiveRole(c, raft.RoleFollower)}
	timeout := c.cfg.Election.Timeout
	if c.cfg.Election.PriorityElection {
		r.timer = election.NewPriorityTimer(timeout, c.raftThread, r.onTimeout, r.logger,
			c.cfg.Election.InitialTargetPriority, c.priority)
	} else {
		r.timer = election.NewRandomizedTimer(timeout, c.raftThread, c.random, r.onTimeout, r.logger)
	}
	return r
}

func (r *followerRole) Role() raft.Role {
	return raft.RoleFollower
}

func (r *followerRole) start() error {
	if err := r.activeRole.start(); err != nil {
		return err
	}
	r.timer.Reset()
	return nil
}

func (r *followerRole) stop() error {
	r.timer.Cancel()
	return r.activeRole.stop()
}

func (r *followerRole) setPriority(priority int32) {
	if t, ok := r.timer.(*election.PriorityTimer); ok {
		t.SetNodePriority(priority)
	}
}

func (r *followerRole) onAppend(req *raft.AppendRequest) *concurrent.Future[*raft.AppendResponse] {
	r.updateTermAndLeader(req.Term, req.Leader)
	if req.Term >= r.raft.getTerm() {
		r.timer.Reset()
	}
	return concurrent.Completed(r.handleAppend(req))
}

func (r *followerRole) onConfigure(req *raft.ConfigureRequest) *concurrent.Future[*raft.ConfigureResponse] {
	r.updateTermAndLeader(req.Term, req.Leader)
	if req.Term >= r.raft.getTerm() {
		r.timer.Reset()
	}
	return concurrent.Completed(r.handleConfigure(req))
}

func (r *followerRole) onInstall(req *raft.InstallRequest) *concurrent.Future[*raft.InstallResponse] {
	r.updateTermAndLeader(req.Term, req.Leader)
	if req.Term >= r.raft.getTerm() {
		r.timer.Reset()
	}
	return r.handleInstall(req)
}

func (r *followerRole) onVote(req *raft.VoteRequest) *concurrent.Future[*raft.VoteResponse] {
	r.updateTermAndLeader(req.Term, "")
	resp := r.handleVote(req)
	if resp.Voted {
		r.timer.Reset()
	}
	return concurrent.Completed(resp)
}

// onTimeout polls the voting members and becomes a candidate once a quorum would vote for it
func (r *followerRole) onTimeout() {
	if !r.running {
		return
	}
	r.raft.SetLeader("")
	if !r.raft.cluster.isVoting() {
		return
	}
	voters := r.raft.cluster.remoteVotingMembers()
	if len(voters) == 0 {
		r.logger.Info("Single voting member, starting election")
		r.raft.transition(raft.RoleCandidate)
		return
	}

	r.round++
	round := r.round
	term := r.raft.getTerm()
	lastIndex, lastTerm := r.raft.lastLogIndexAndTerm()
	r.logger.Debug("Polling members", zap.Uint64("term", term), zap.Int("voters", len(voters)))

	q := newQuorum(len(voters)+1, func(accepted bool) {
		if !accepted || !r.running || r.round != round {
			return
		}
		r.logger.Info("Poll accepted by a quorum, starting election", zap.Uint64("term", term))
		r.raft.transition(raft.RoleCandidate)
	})
	req := &raft.PollRequest{Term: term, Candidate: r.raft.member, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	for _, voter := range voters {
		call(r.raft, voter, req, r.raft.protocol.Poll, func(resp *raft.PollResponse, err error) {
			if !r.running || r.round != round || q.done {
				return
			}
			switch {
			case err != nil:
				r.logger.Debug("Failed to poll member", zap.String("member", string(voter)), zap.Error(err))
				q.fail()
			case !resp.OK():
				q.fail()
			case resp.Term > r.raft.getTerm():
				r.raft.SetTerm(resp.Term)
				q.fail()
			case !resp.Accepted:
				q.fail()
			default:
				q.succeed()
			}
		})
	}
}
