package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/config"
	"raftcore/internal/raft"
	"raftcore/internal/raft/service"
	"raftcore/internal/raft/state_machine"
)

// RaftContext is the consensus state of a single member. Every role, the persistent stores and the cluster view
// are owned by the raft thread context: all of them are only touched from tasks running on it. The committed
// entries are applied on a second thread context owned by the service manager.
//
// The fields of memberState may be read from any goroutine through the exported getters.
type RaftContext struct {
	memberState

	member    raft.MemberID
	cfg       *config.Config
	protocol  raft.Protocol
	log       raft.Log
	meta      raft.MetaStore
	snapshots raft.SnapshotStore
	stores    Stores
	metrics   raft.MetricsCollector
	logger    *zap.Logger
	validator raft.EntryValidator
	random    *rand.Rand

	raftThread    *concurrent.ThreadContext
	serviceThread *concurrent.ThreadContext
	services      *service.Manager
	compactor     *LogCompactor
	cluster       *cluster
	listeners     listeners

	// raft goroutine
	current         role
	stopping        bool
	priority        int32
	readyFutures    []*concurrent.Future[struct{}]
	lastApplication *raft.ApplicationEntry

	baseCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewRaftContext restores the persistent state of the member from stores and registers it with protocol. The
// member starts INACTIVE, Bootstrap or Join make it participate in the cluster.
func NewRaftContext(cfg *config.Config, protocol raft.Protocol, stores Stores, types *state_machine.Registry,
	metrics raft.MetricsCollector, logger *zap.Logger, opts ...Option) (*RaftContext, error) {
	if metrics == nil {
		metrics = raft.NoopMetricsCollector{}
	}
	member := raft.MemberID(cfg.Node.ID)
	logger = logger.With(zap.String("member", cfg.Node.ID))

	c := &RaftContext{
		member:    member,
		cfg:       cfg,
		protocol:  protocol,
		log:       stores.Log,
		meta:      stores.MetaStore,
		snapshots: stores.SnapshotStore,
		stores:    stores,
		metrics:   metrics,
		logger:    logger,
		validator: raft.NoopEntryValidator{},
		priority:  cfg.Node.Priority,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.random == nil {
		c.random = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	term, err := c.meta.LoadTerm()
	if err != nil {
		return nil, &raft.StorageError{Op: "load term", Err: err}
	}
	vote, err := c.meta.LoadVote()
	if err != nil {
		return nil, &raft.StorageError{Op: "load vote", Err: err}
	}
	stored, err := c.meta.LoadConfiguration()
	if err != nil {
		return nil, &raft.StorageError{Op: "load configuration", Err: err}
	}
	c.setTerm(term)
	c.setVotedFor(vote)

	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	if cfg.Node.ThreadChecks {
		concurrent.SetThreadChecks(true)
	}
	c.raftThread = concurrent.NewThreadContext("raft-"+cfg.Node.ID, logger)
	c.serviceThread = concurrent.NewThreadContext("service-"+cfg.Node.ID, logger)
	c.current = newInactiveRole(c)
	c.compactor = NewLogCompactor(c.log, c.raftThread, cfg.Storage.ReplicationThreshold, metrics, logger)
	c.services = service.NewManager(c, c.raftThread, c.serviceThread, types, service.OptionsFromConfig(cfg),
		stores.Statistics, metrics, logger)

	c.cluster = newCluster(c)
	if stored != nil {
		c.cluster.restore(stored)
	}

	c.raftThread.SetUncaughtHandler(c.onUncaught)
	protocol.Register(member, c)
	c.setState(raft.StateActive)
	c.services.Start()

	logger.Info("Member started", zap.Uint64("term", term), zap.String("voted_for", string(vote)),
		zap.Uint64("first_index", c.log.FirstIndex()), zap.Uint64("last_index", c.log.LastIndex()))
	return c, nil
}

// onUncaught runs on the raft thread when a task panicked. The member drops out of the cluster.
func (c *RaftContext) onUncaught(err error) {
	c.logger.Error("Uncaught error on the raft thread, transitioning to INACTIVE", zap.Error(err))
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Failed to transition to INACTIVE, closing", zap.Any("panic", r))
				go c.Close(context.Background())
			}
		}()
		c.transition(raft.RoleInactive)
	}()
	c.listeners.failures.notify(Failure{Health: raft.HealthUnhealthy, Err: err})
}

// ID returns the id of the member
func (c *RaftContext) ID() raft.MemberID {
	return c.member
}

// Term returns the current term
func (c *RaftContext) Term() uint64 {
	return c.getTerm()
}

// Leader returns the leader of the current term, empty while unknown
func (c *RaftContext) Leader() raft.MemberID {
	return c.getLeader()
}

// Role returns the current role
func (c *RaftContext) Role() raft.Role {
	return c.getRole()
}

// State returns the lifecycle state
func (c *RaftContext) State() raft.State {
	return c.getState()
}

// CommitIndex returns the highest index known to be committed
func (c *RaftContext) CommitIndex() uint64 {
	return c.getCommitIndex()
}

// VotedFor returns the candidate that received the vote of this member in the current term
func (c *RaftContext) VotedFor() raft.MemberID {
	return c.getVotedFor()
}

func (c *RaftContext) Log() raft.Log {
	return c.log
}

func (c *RaftContext) SnapshotStore() raft.SnapshotStore {
	return c.snapshots
}

func (c *RaftContext) LastApplied() uint64 {
	index, _ := c.getLastApplied()
	return index
}

func (c *RaftContext) LastAppliedTerm() uint64 {
	_, term := c.getLastApplied()
	return term
}

func (c *RaftContext) SetLastApplied(index, term uint64) {
	c.setLastApplied(index, term)
}

// Services returns the manager applying committed entries
func (c *RaftContext) Services() *service.Manager {
	return c.services
}

// Configuration returns a copy of the latest known cluster configuration, nil before the member joined a cluster
func (c *RaftContext) Configuration(ctx context.Context) (*raft.Configuration, error) {
	return onRaftThread(ctx, c, func() (*raft.Configuration, error) {
		return c.cluster.configuration.Clone(), nil
	})
}

// Failed returns the terminal error of the member, nil while it is healthy
func (c *RaftContext) Failed() error {
	return c.services.Failed()
}

// SetTerm moves the member to a newer term, forgetting the leader and the vote of the previous one
func (c *RaftContext) SetTerm(term uint64) {
	c.raftThread.CheckThread()
	if term <= c.getTerm() {
		return
	}
	c.setTerm(term)
	c.setLeader("")
	c.setVotedFor("")
	if err := c.meta.StoreTerm(term); err != nil {
		panic(&raft.StorageError{Op: "store term", Err: err})
	}
	if err := c.meta.StoreVote(""); err != nil {
		panic(&raft.StorageError{Op: "store vote", Err: err})
	}
	c.logger.Debug("Set term", zap.Uint64("term", term))
}

// SetLastVotedFor records the vote of the current term. A member votes at most once per term.
func (c *RaftContext) SetLastVotedFor(candidate raft.MemberID) error {
	c.raftThread.CheckThread()
	if voted := c.getVotedFor(); voted != "" && candidate != "" && voted != candidate {
		return fmt.Errorf("already voted for %s in term %d: %w", voted, c.getTerm(), raft.ErrIllegalMemberState)
	}
	c.setVotedFor(candidate)
	if err := c.meta.StoreVote(candidate); err != nil {
		panic(&raft.StorageError{Op: "store vote", Err: err})
	}
	if candidate != "" {
		c.logger.Debug("Voted", zap.String("candidate", string(candidate)), zap.Uint64("term", c.getTerm()))
	}
	return nil
}

// SetLeader records the leader of the current term. Election listeners learn about every new leader.
func (c *RaftContext) SetLeader(leader raft.MemberID) {
	c.raftThread.CheckThread()
	if c.getLeader() == leader {
		return
	}
	c.setLeader(leader)
	if leader != "" {
		c.logger.Info("Found leader", zap.String("leader", string(leader)), zap.Uint64("term", c.getTerm()))
		c.listeners.election.notify(leader)
	}
}

// SetCommitIndex raises the commit index, never past the last log entry, and hands the newly committed entries to
// the service manager. It returns the resulting commit index.
func (c *RaftContext) SetCommitIndex(index uint64) uint64 {
	c.raftThread.CheckThread()
	previous := c.getCommitIndex()
	if last := c.log.LastIndex(); index > last {
		index = last
	}
	if index <= previous {
		return previous
	}

	if c.getRole() == raft.RoleLeader && !c.log.FlushesDirectly() {
		if err := c.log.Flush(); err != nil {
			panic(&raft.StorageError{Op: "flush", Err: err})
		}
	}
	c.log.SetCommitIndex(index)
	c.setCommitIndex(index)

	if cfg := c.cluster.configuration; cfg != nil && cfg.Index > previous && cfg.Index <= index {
		c.cluster.commit()
	}
	c.services.ApplyAll(index)
	c.metrics.RecordCommitIndex(index)
	c.listeners.commits.notify(index)
	c.checkReady()
	return index
}

// SetFirstCommitIndex records the commit index observed from the first leader. Only the first non zero value is
// kept.
func (c *RaftContext) SetFirstCommitIndex(index uint64) {
	c.raftThread.CheckThread()
	if index == 0 || !c.setFirstCommitIndex(index) {
		return
	}
	c.logger.Debug("Set first commit index", zap.Uint64("index", index))
	c.checkReady()
}

func (c *RaftContext) checkReady() {
	first := c.getFirstCommitIndex()
	if c.getState() != raft.StateActive || first == 0 || c.getCommitIndex() < first {
		return
	}
	c.setState(raft.StateReady)
	c.logger.Info("Member is ready", zap.Uint64("commit_index", c.getCommitIndex()))
	c.listeners.states.notify(raft.StateReady)
	futures := c.readyFutures
	c.readyFutures = nil
	for _, f := range futures {
		f.Complete(struct{}{})
	}
}

// awaitReady returns a future completed once the member is READY
func (c *RaftContext) awaitReady() *concurrent.Future[struct{}] {
	if c.getState() == raft.StateReady {
		return concurrent.Completed(struct{}{})
	}
	f := concurrent.NewFuture[struct{}]()
	c.readyFutures = append(c.readyFutures, f)
	return f
}

func (c *RaftContext) setLeft() {
	c.setState(raft.StateLeft)
	c.listeners.states.notify(raft.StateLeft)
}

// transition stops the current role and starts the new one. Role listeners are notified before the new role
// starts, except for the leader which announces itself once its initialize entry committed.
func (c *RaftContext) transition(kind raft.Role) {
	c.raftThread.CheckThread()
	previous := c.current.Role()
	if previous == kind {
		return
	}
	if c.stopping {
		// the role being stopped asked for another role, the pending transition decides
		c.logger.Debug("Ignoring a transition requested while stopping a role", zap.Stringer("role", previous),
			zap.Stringer("to", kind))
		return
	}
	c.logger.Info("Transitioning", zap.Stringer("from", previous), zap.Stringer("to", kind),
		zap.Uint64("term", c.getTerm()))

	c.stopping = true
	err := c.current.stop()
	c.stopping = false
	if err != nil {
		c.logger.Warn("Failed to stop role", zap.Stringer("role", previous), zap.Error(err))
	}
	next := c.newRole(kind)
	c.current = next
	c.setRole(kind)
	c.metrics.RecordRoleTransition(kind)
	if kind != raft.RoleLeader {
		c.notifyRole(kind)
	}
	if err := next.start(); err != nil {
		c.logger.Error("Failed to start role", zap.Stringer("role", kind), zap.Error(err))
		if kind != raft.RoleInactive {
			c.transition(raft.RoleInactive)
		}
	}
}

// transitionMember moves to the role matching a member type of the configuration
func (c *RaftContext) transitionMember(t raft.MemberType) {
	switch t {
	case raft.MemberTypePassive:
		c.transition(raft.RolePassive)
	case raft.MemberTypePromotable:
		c.transition(raft.RolePromotable)
	case raft.MemberTypeActive, raft.MemberTypeBootstrap:
		if !c.getRole().Active() {
			c.transition(raft.RoleFollower)
		}
	default:
		c.transition(raft.RoleInactive)
	}
}

func (c *RaftContext) newRole(kind raft.Role) role {
	switch kind {
	case raft.RolePassive:
		return newPassiveRole(c, raft.RolePassive)
	case raft.RolePromotable:
		return newPassiveRole(c, raft.RolePromotable)
	case raft.RoleFollower:
		return newFollowerRole(c)
	case raft.RoleCandidate:
		return newCandidateRole(c)
	case raft.RoleLeader:
		return newLeaderRole(c)
	default:
		return newInactiveRole(c)
	}
}

func (c *RaftContext) notifyRole(kind raft.Role) {
	c.listeners.roles.notify(RoleChange{Role: kind, Term: c.getTerm()})
}

// lastLogIndexAndTerm returns the index and term of the last entry, falling back to the latest snapshot when the
// log is empty
func (c *RaftContext) lastLogIndexAndTerm() (uint64, uint64) {
	if last := c.log.LastEntry(); last != nil {
		return last.Index, last.Term
	}
	snapshot, err := c.snapshots.Latest()
	if err != nil {
		c.logger.Warn("Failed to read the latest snapshot", zap.Error(err))
		return c.log.LastIndex(), 0
	}
	if snapshot != nil {
		return snapshot.Index, snapshot.Term
	}
	return c.log.LastIndex(), 0
}

// termAt returns the term of the entry at index, reading the snapshot for the entry right before the first one.
// It returns 0 when the term is unknown.
func (c *RaftContext) termAt(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	if index >= c.log.FirstIndex() && index <= c.log.LastIndex() {
		term, err := raft.TermAt(c.log, index)
		if err == nil {
			return term
		}
	}
	snapshot, err := c.snapshots.Latest()
	if err == nil && snapshot != nil && snapshot.Index == index {
		return snapshot.Term
	}
	return 0
}

// TakeSnapshot snapshots every service and compacts the log
func (c *RaftContext) TakeSnapshot(ctx context.Context) error {
	future := concurrent.NewFuture[struct{}]()
	if !c.raftThread.Execute(func() {
		c.services.Compact().OnComplete(func(_ struct{}, err error) {
			future.Resolve(struct{}{}, err)
		})
	}) {
		return raft.ErrClosed
	}
	return c.wait(ctx, future.Done(), func() error {
		_, err := future.Result()
		return err
	})
}

// Compact records the index of a completed snapshot and compacts the log up to it
func (c *RaftContext) Compact(index uint64, force bool) {
	c.compactor.SetCompactableIndex(index)
	if force {
		c.compactor.CompactIgnoringReplicationThreshold()
	} else {
		c.compactor.Compact()
	}
}

// ReportUnrecoverable takes the member out of the cluster for good
func (c *RaftContext) ReportUnrecoverable(err error) {
	c.raftThread.Execute(func() {
		c.logger.Error("Member failed unrecoverably", zap.Error(err))
		c.transition(raft.RoleInactive)
		c.listeners.failures.notify(Failure{Health: raft.HealthDead, Err: err})
	})
}

// Close stops the member and closes its stores. Failures are logged. Close is idempotent.
func (c *RaftContext) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Closing member")
		c.protocol.Unregister(c.member)

		stop := func() {
			c.transition(raft.RoleInactive)
			c.services.Close()
			futures := c.readyFutures
			c.readyFutures = nil
			for _, f := range futures {
				f.Fail(raft.ErrClosed)
			}
		}
		if c.raftThread.IsCurrent() {
			stop()
		} else {
			stopped := make(chan struct{})
			if c.raftThread.Execute(func() {
				defer close(stopped)
				stop()
			}) {
				select {
				case <-stopped:
				case <-ctx.Done():
					err = ctx.Err()
				}
			}
		}

		c.cancel()
		close(c.done)
		c.raftThread.Close()
		c.serviceThread.Close()

		if e := c.log.Close(); e != nil {
			c.logger.Error("Failed to close the log", zap.Error(e))
		}
		if e := c.meta.Close(); e != nil {
			c.logger.Error("Failed to close the meta store", zap.Error(e))
		}
		if e := c.snapshots.Close(); e != nil {
			c.logger.Error("Failed to close the snapshot store", zap.Error(e))
		}
	})
	return err
}

// Delete closes the member and removes its stores from disk
func (c *RaftContext) Delete(ctx context.Context) error {
	err := c.Close(ctx)
	if c.stores.Delete != nil {
		if e := c.stores.Delete(); e != nil {
			return errors.Join(err, e)
		}
	}
	return err
}

// AddRoleListener registers fn to be called on the raft thread after every role transition
func (c *RaftContext) AddRoleListener(fn func(RoleChange)) ListenerID {
	return c.listeners.roles.add(fn)
}

func (c *RaftContext) RemoveRoleListener(id ListenerID) {
	c.listeners.roles.remove(id)
}

// AddStateListener registers fn to be called when the member becomes READY or LEFT
func (c *RaftContext) AddStateListener(fn func(raft.State)) ListenerID {
	return c.listeners.states.add(fn)
}

func (c *RaftContext) RemoveStateListener(id ListenerID) {
	c.listeners.states.remove(id)
}

// AddElectionListener registers fn to be called whenever a new leader is learned
func (c *RaftContext) AddElectionListener(fn func(raft.MemberID)) ListenerID {
	return c.listeners.election.add(fn)
}

func (c *RaftContext) RemoveElectionListener(id ListenerID) {
	c.listeners.election.remove(id)
}

// AddCommitListener registers fn to be called with every new commit index
func (c *RaftContext) AddCommitListener(fn func(uint64)) ListenerID {
	return c.listeners.commits.add(fn)
}

func (c *RaftContext) RemoveCommitListener(id ListenerID) {
	c.listeners.commits.remove(id)
}

// AddFailureListener registers fn to be called when the member stops participating after an error
func (c *RaftContext) AddFailureListener(fn func(Failure)) ListenerID {
	return c.listeners.failures.add(fn)
}

func (c *RaftContext) RemoveFailureListener(id ListenerID) {
	c.listeners.failures.remove(id)
}

// wait blocks until done is closed, the context ends or the member closes
func (c *RaftContext) wait(ctx context.Context, done <-chan struct{}, result func() error) error {
	select {
	case <-done:
		return result()
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return raft.ErrClosed
	}
}

// onRaftThread runs fn on the raft thread and waits for its result
func onRaftThread[T any](ctx context.Context, c *RaftContext, fn func() (T, error)) (T, error) {
	future := concurrent.NewFuture[T]()
	if !c.raftThread.Execute(func() { future.Resolve(fn()) }) {
		var zero T
		return zero, raft.ErrClosed
	}
	return awaitFuture(ctx, c, future)
}

// awaitFuture blocks until future completes, the context ends or the member closes
func awaitFuture[T any](ctx context.Context, c *RaftContext, future *concurrent.Future[T]) (T, error) {
	select {
	case <-future.Done():
		return future.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		var zero T
		return zero, raft.ErrClosed
	}
}

// handle serves an inbound request with the current role, on the raft thread
func handle[Resp any](ctx context.Context, c *RaftContext, fn func(r role) *concurrent.Future[Resp]) (Resp, error) {
	future := concurrent.NewFuture[Resp]()
	if !c.raftThread.Execute(func() {
		fn(c.current).OnComplete(func(resp Resp, err error) {
			future.Resolve(resp, err)
		})
	}) {
		var zero Resp
		return zero, raft.ErrClosed
	}
	return awaitFuture(ctx, c, future)
}

// call sends req to member to on its own goroutine and runs cb with the outcome on the raft thread
func call[Req, Resp any](c *RaftContext, to raft.MemberID, req Req,
	send func(context.Context, raft.MemberID, Req) (Resp, error), cb func(Resp, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.Partition.RequestTimeout)
		defer cancel()
		resp, err := send(ctx, to, req)
		c.raftThread.Execute(func() {
			cb(resp, err)
		})
	}()
}

func (c *RaftContext) OnAppend(ctx context.Context, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.AppendResponse] { return r.onAppend(req) })
}

func (c *RaftContext) OnVote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.VoteResponse] { return r.onVote(req) })
}

func (c *RaftContext) OnPoll(ctx context.Context, req *raft.PollRequest) (*raft.PollResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.PollResponse] { return r.onPoll(req) })
}

func (c *RaftContext) OnConfigure(ctx context.Context, req *raft.ConfigureRequest) (*raft.ConfigureResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.ConfigureResponse] { return r.onConfigure(req) })
}

func (c *RaftContext) OnInstall(ctx context.Context, req *raft.InstallRequest) (*raft.InstallResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.InstallResponse] { return r.onInstall(req) })
}

func (c *RaftContext) OnReconfigure(ctx context.Context, req *raft.ReconfigureRequest) (*raft.ReconfigureResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.ReconfigureResponse] { return r.onReconfigure(req) })
}

func (c *RaftContext) OnTransfer(ctx context.Context, req *raft.TransferRequest) (*raft.TransferResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.TransferResponse] { return r.onTransfer(req) })
}

func (c *RaftContext) OnJoin(ctx context.Context, req *raft.JoinRequest) (*raft.JoinResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.JoinResponse] { return r.onJoin(req) })
}

func (c *RaftContext) OnLeave(ctx context.Context, req *raft.LeaveRequest) (*raft.LeaveResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.LeaveResponse] { return r.onLeave(req) })
}

func (c *RaftContext) OnMetadata(ctx context.Context, req *raft.MetadataRequest) (*raft.MetadataResponse, error) {
	return handle(ctx, c, func(r role) *concurrent.Future[*raft.MetadataResponse] { return r.onMetadata(req) })
}
