package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
)

// maxJoinBackoff caps the delay between two join attempts
const maxJoinBackoff = 5 * time.Second

// cluster is the member's view of the cluster configuration. It is owned by the raft thread.
type cluster struct {
	raft   *RaftContext
	logger *zap.Logger

	// The latest configuration, it may not be committed yet
	configuration *raft.Configuration
	// The index of the latest committed configuration, stored in the meta store
	committedIndex uint64
	committed      bool
	// The type of the local member in the latest configuration
	localType raft.MemberType
	joining   bool
}

func newCluster(c *RaftContext) *cluster {
	return &cluster{
		raft:      c,
		logger:    c.logger.Named("cluster"),
		localType: raft.MemberTypeInactive,
	}
}

// restore loads the configuration stored by a previous run, it was committed when it was stored
func (c *cluster) restore(cfg *raft.Configuration) {
	c.configuration = cfg
	c.committedIndex = cfg.Index
	c.committed = true
	if m, ok := cfg.Member(c.raft.member); ok {
		c.localType = m.Type
		c.raft.priority = m.Priority
	}
	c.logger.Info("Restored configuration", zap.Uint64("index", cfg.Index), zap.Int("members", len(cfg.Members)))
}

// member returns the local member as it appears in the latest configuration
func (c *cluster) member() raft.Member {
	if m, ok := c.configuration.Member(c.raft.member); ok {
		return m
	}
	return raft.Member{ID: c.raft.member, Type: c.localType, Priority: c.raft.priority}
}

// isVoting reports whether the local member counts towards the quorum
func (c *cluster) isVoting() bool {
	m, ok := c.configuration.Member(c.raft.member)
	return ok && m.Type.IsVoting()
}

// remoteMembers returns every member of the latest configuration except the local one
func (c *cluster) remoteMembers() []raft.Member {
	if c.configuration == nil {
		return nil
	}
	members := make([]raft.Member, 0, len(c.configuration.Members))
	for _, m := range c.configuration.Members {
		if m.ID != c.raft.member {
			members = append(members, m)
		}
	}
	return members
}

// remoteVotingMembers returns the ids of the voting members except the local one
func (c *cluster) remoteVotingMembers() []raft.MemberID {
	var ids []raft.MemberID
	for _, id := range c.configuration.VotingMembers() {
		if id != c.raft.member {
			ids = append(ids, id)
		}
	}
	return ids
}

// quorumSize returns the number of votes needed for a majority of the latest configuration
func (c *cluster) quorumSize() int {
	return c.configuration.QuorumSize()
}

// configure applies a configuration received from a leader or appended by the local leader. Older
// configurations are ignored.
func (c *cluster) configure(cfg *raft.Configuration) {
	if c.configuration != nil && cfg.Index <= c.configuration.Index {
		return
	}
	c.configuration = cfg
	c.committed = false
	c.logger.Info("Configured", zap.Uint64("index", cfg.Index), zap.Uint64("term", cfg.Term),
		zap.Int("members", len(cfg.Members)))

	m, ok := cfg.Member(c.raft.member)
	if !ok {
		return
	}
	c.raft.priority = m.Priority
	if m.Type == c.localType {
		return
	}
	c.localType = m.Type
	if c.raft.getRole() != raft.RoleLeader {
		c.raft.transitionMember(m.Type)
	}
}

// commit stores the latest configuration. A member that is no longer part of it becomes INACTIVE.
func (c *cluster) commit() {
	cfg := c.configuration
	if cfg == nil || (c.committed && c.committedIndex == cfg.Index) {
		return
	}
	if err := c.raft.meta.StoreConfiguration(cfg); err != nil {
		panic(&raft.StorageError{Op: "store configuration", Err: err})
	}
	c.committedIndex = cfg.Index
	c.committed = true
	c.logger.Debug("Committed configuration", zap.Uint64("index", cfg.Index))

	if _, ok := cfg.Member(c.raft.member); !ok && !c.joining {
		c.logger.Info("Member was removed from the configuration")
		// deferred so the responses of the current task are sent first
		c.raft.raftThread.Execute(func() {
			if _, ok := c.configuration.Member(c.raft.member); !ok {
				c.localType = raft.MemberTypeInactive
				c.raft.transition(raft.RoleInactive)
			}
		})
	}
}

// bootstrap forms a new cluster out of members, or rejoins the stored configuration after a restart
func (c *cluster) bootstrap(members []raft.Member) *concurrent.Future[struct{}] {
	if c.configuration == nil {
		now := time.Now()
		cfg := &raft.Configuration{Time: now.UnixMilli(), Members: make([]raft.Member, 0, len(members))}
		for _, m := range members {
			if m.Updated.IsZero() {
				m.Updated = now
			}
			cfg.Members = append(cfg.Members, m)
		}
		c.logger.Info("Bootstrapping cluster", zap.Int("members", len(members)))
		c.configuration = cfg
		if m, ok := cfg.Member(c.raft.member); ok {
			c.localType = m.Type
			if m.Priority != 0 {
				c.raft.priority = m.Priority
			}
		}
		c.commit()
	}
	if _, ok := c.configuration.Member(c.raft.member); !ok {
		return concurrent.Failed[struct{}](raft.NewProtocolError("member %s is not part of the configuration",
			c.raft.member))
	}
	c.raft.transitionMember(c.localType)
	return c.raft.awaitReady()
}

// join asks the assisting members to add the local member to their cluster. Members are tried in turn with a
// growing backoff until one of them answers.
func (c *cluster) join(assisting []raft.MemberID) *concurrent.Future[struct{}] {
	if c.configuration != nil {
		if _, ok := c.configuration.Member(c.raft.member); ok {
			c.raft.transitionMember(c.localType)
			return c.raft.awaitReady()
		}
	}
	var members []raft.MemberID
	for _, id := range assisting {
		if id != c.raft.member {
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return concurrent.Failed[struct{}](raft.NewProtocolError("no member to join through"))
	}

	c.joining = true
	c.raft.transition(raft.RolePassive)
	future := concurrent.NewFuture[struct{}]()
	c.joinAttempt(members, 0, future)
	return future
}

func (c *cluster) joinAttempt(members []raft.MemberID, attempt int, future *concurrent.Future[struct{}]) {
	if future.IsDone() || c.raft.raftThread.IsClosed() {
		return
	}
	to := members[attempt%len(members)]
	req := &raft.JoinRequest{Member: raft.Member{
		ID:       c.raft.member,
		Type:     raft.MemberTypeActive,
		Priority: c.raft.priority,
		Updated:  time.Now(),
	}}
	c.logger.Debug("Joining cluster", zap.String("through", string(to)), zap.Int("attempt", attempt))

	call(c.raft, to, req, c.raft.protocol.Join, func(resp *raft.JoinResponse, err error) {
		if future.IsDone() {
			return
		}
		if err == nil && resp.OK() {
			c.joining = false
			c.configure(&raft.Configuration{Index: resp.Index, Term: resp.Term, Time: resp.Timestamp,
				Members: resp.Members})
			c.commit()
			if _, ok := c.configuration.Member(c.raft.member); !ok {
				future.Fail(raft.NewProtocolError("joined configuration %d does not contain member %s",
					resp.Index, c.raft.member))
				return
			}
			c.logger.Info("Joined cluster", zap.Uint64("configuration", resp.Index))
			c.raft.awaitReady().OnComplete(func(_ struct{}, err error) {
				future.Resolve(struct{}{}, err)
			})
			return
		}
		if err == nil {
			err = resp.Err()
			if re, ok := err.(*raft.ResponseError); ok && !re.Retryable() {
				c.joining = false
				future.Fail(err)
				return
			}
		}

		backoff := c.raft.cfg.Partition.JoinRetryBackoff * time.Duration(attempt+1)
		if backoff > maxJoinBackoff {
			backoff = maxJoinBackoff
		}
		c.logger.Debug("Failed to join cluster, retrying", zap.String("through", string(to)),
			zap.Duration("backoff", backoff), zap.Error(err))
		c.raft.raftThread.Schedule(backoff, func() {
			c.joinAttempt(members, attempt+1, future)
		})
	})
}

// leave asks the leader to remove the local member from the configuration
func (c *cluster) leave() *concurrent.Future[struct{}] {
	future := concurrent.NewFuture[struct{}]()
	req := &raft.LeaveRequest{Member: c.raft.member}

	complete := func(resp *raft.LeaveResponse, err error) {
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			future.Fail(err)
			return
		}
		c.configure(&raft.Configuration{Index: resp.Index, Term: resp.Term, Time: resp.Timestamp,
			Members: resp.Members})
		c.localType = raft.MemberTypeInactive
		c.raft.setLeft()
		c.raft.transition(raft.RoleInactive)
		future.Complete(struct{}{})
	}

	if leader, ok := c.raft.current.(*leaderRole); ok {
		leader.onLeave(req).OnComplete(complete)
		return future
	}
	to := c.raft.getLeader()
	if to == "" {
		return concurrent.Failed[struct{}](raft.NewResponseError(raft.ErrorNoLeader, "no leader to leave through"))
	}
	call(c.raft, to, req, c.raft.protocol.Leave, complete)
	return future
}

// reconfigure asks the leader to change the type or priority of the local member
func (c *cluster) reconfigure(member raft.Member) *concurrent.Future[struct{}] {
	future := concurrent.NewFuture[struct{}]()
	var index, term uint64
	if c.configuration != nil {
		index, term = c.configuration.Index, c.configuration.Term
	}
	req := &raft.ReconfigureRequest{Index: index, Term: term, Member: member}

	complete := func(resp *raft.ReconfigureResponse, err error) {
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			future.Fail(err)
			return
		}
		c.configure(&raft.Configuration{Index: resp.Index, Term: resp.Term, Time: resp.Timestamp,
			Members: resp.Members})
		future.Complete(struct{}{})
	}

	if leader, ok := c.raft.current.(*leaderRole); ok {
		leader.onReconfigure(req).OnComplete(complete)
		return future
	}
	to := c.raft.getLeader()
	if to == "" {
		return concurrent.Failed[struct{}](raft.NewResponseError(raft.ErrorNoLeader, "no leader to reconfigure through"))
	}
	call(c.raft, to, req, c.raft.protocol.Reconfigure, complete)
	return future
}

// quorum counts the responses of one voting round. The local member votes for itself.
type quorum struct {
	size      int
	voters    int
	succeeded int
	failed    int
	done      bool
	callback  func(bool)
}

// newQuorum starts a round among voters members, callback runs once with the outcome
func newQuorum(voters int, callback func(bool)) *quorum {
	q := &quorum{size: voters/2 + 1, voters: voters, succeeded: 1, callback: callback}
	q.check()
	return q
}

func (q *quorum) succeed() {
	q.succeeded++
	q.check()
}

func (q *quorum) fail() {
	q.failed++
	q.check()
}

func (q *quorum) check() {
	if q.done {
		return
	}
	if q.succeeded >= q.size {
		q.done = true
		q.callback(true)
	} else if q.voters-q.failed < q.size {
		q.done = true
		q.callback(false)
	}
}

// Bootstrap forms a cluster out of members. The returned future completes once the member is READY.
func (c *RaftContext) Bootstrap(members []raft.Member) *concurrent.Future[struct{}] {
	future := concurrent.NewFuture[struct{}]()
	if !c.raftThread.Execute(func() {
		c.cluster.bootstrap(members).OnComplete(func(_ struct{}, err error) {
			future.Resolve(struct{}{}, err)
		})
	}) {
		future.Fail(raft.ErrClosed)
	}
	return future
}

// Join adds the member to an existing cluster through one of the assisting members. The returned future
// completes once the member is READY.
func (c *RaftContext) Join(assisting []raft.MemberID) *concurrent.Future[struct{}] {
	future := concurrent.NewFuture[struct{}]()
	if !c.raftThread.Execute(func() {
		c.cluster.join(assisting).OnComplete(func(_ struct{}, err error) {
			future.Resolve(struct{}{}, err)
		})
	}) {
		future.Fail(raft.ErrClosed)
	}
	return future
}

// Leave removes the member from the cluster, it ends up INACTIVE in state LEFT
func (c *RaftContext) Leave(ctx context.Context) error {
	_, err := onRaftThreadFuture(ctx, c, c.cluster.leave)
	return err
}

// Promote turns a PROMOTABLE member into an ACTIVE one
func (c *RaftContext) Promote(ctx context.Context) error {
	_, err := onRaftThreadFuture(ctx, c, func() *concurrent.Future[struct{}] {
		m := c.cluster.member()
		if m.Type != raft.MemberTypePromotable {
			return concurrent.Failed[struct{}](raft.NewResponseError(raft.ErrorIllegalMemberState,
				"member %s is %s, not PROMOTABLE", m.ID, m.Type))
		}
		m.Type = raft.MemberTypeActive
		m.Updated = time.Now()
		return c.cluster.reconfigure(m)
	})
	return err
}

// ReconfigurePriority changes the priority of the member. The next priority election uses it and the leader is
// asked to record it in the configuration.
func (c *RaftContext) ReconfigurePriority(ctx context.Context, priority int32) error {
	_, err := onRaftThreadFuture(ctx, c, func() *concurrent.Future[struct{}] {
		c.priority = priority
		if f, ok := c.current.(*followerRole); ok {
			f.setPriority(priority)
		}
		if c.cluster.configuration == nil {
			return concurrent.Completed(struct{}{})
		}
		m := c.cluster.member()
		m.Priority = priority
		m.Updated = time.Now()
		return c.cluster.reconfigure(m)
	})
	return err
}

// Anoint makes the member the leader. The current leader is asked to transfer its leadership, the member then
// starts an election. The call returns once the member serves as leader, that is once its initialize entry
// committed, and fails if another member wins the election.
func (c *RaftContext) Anoint(ctx context.Context) error {
	_, err := onRaftThreadFuture(ctx, c, func() *concurrent.Future[struct{}] {
		leading, ok := c.current.(*leaderRole)
		if ok && !leading.initializing {
			return concurrent.Completed(struct{}{})
		}
		if !ok && !c.cluster.isVoting() {
			return concurrent.Failed[struct{}](raft.ErrIllegalMemberState)
		}

		future := concurrent.NewFuture[struct{}]()
		var roleID, electionID ListenerID
		done := func() {
			c.listeners.roles.remove(roleID)
			c.listeners.election.remove(electionID)
		}
		roleID = c.listeners.roles.add(func(change RoleChange) {
			if change.Role == raft.RoleLeader {
				done()
				future.Complete(struct{}{})
			}
		})
		electionID = c.listeners.election.add(func(leader raft.MemberID) {
			if leader != c.member {
				done()
				future.Fail(raft.NewProtocolError("failed to transfer leadership, %s was elected", leader))
			}
		})
		if ok {
			return future
		}

		leader := c.getLeader()
		if leader == "" || leader == c.member {
			c.transition(raft.RoleCandidate)
			return future
		}
		call(c, leader, &raft.TransferRequest{Member: c.member}, c.protocol.Transfer,
			func(resp *raft.TransferResponse, err error) {
				if err == nil {
					err = resp.Err()
				}
				if err != nil {
					done()
					future.Fail(err)
					return
				}
				c.transition(raft.RoleCandidate)
			})
		return future
	})
	return err
}

// onRaftThreadFuture starts fn on the raft thread and waits for the future it returns
func onRaftThreadFuture[T any](ctx context.Context, c *RaftContext, fn func() *concurrent.Future[T]) (T, error) {
	future := concurrent.NewFuture[T]()
	if !c.raftThread.Execute(func() {
		fn().OnComplete(func(v T, err error) { future.Resolve(v, err) })
	}) {
		var zero T
		return zero, raft.ErrClosed
	}
	return awaitFuture(ctx, c, future)
}
