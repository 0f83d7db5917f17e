package server

import (
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
	"raftcore/internal/raft/service"
)

// leaderRole accepts client operations and membership changes and replicates them through the appender. It
// commits an initialize entry first: the leader only announces itself, and serves clients, once an entry of its own
// term committed.
type leaderRole struct {
	activeRole
	appender       *leaderAppender
	heartbeatTimer concurrent.Scheduled
	initializing   bool
	// The index of the configuration entry being committed, 0 when none
	configuring uint64
}

func newLeaderRole(c *RaftContext) *leaderRole {
	return &leaderRole{activeRole: newActiveRole(c, raft.RoleLeader)}
}

func (r *leaderRole) Role() raft.Role {
	return raft.RoleLeader
}

func (r *leaderRole) start() error {
	if err := r.activeRole.start(); err != nil {
		return err
	}
	r.raft.SetLeader(r.raft.member)
	r.appender = newLeaderAppender(r)

	entry, err := r.appendEntry(&raft.InitializeEntry{})
	if err != nil {
		return err
	}
	r.initializing = true
	interval := r.raft.cfg.Partition.HeartbeatInterval
	r.heartbeatTimer = r.raft.raftThread.ScheduleAtFixedRate(interval, interval, r.appender.onHeartbeatTick)
	r.logger.Info("Became leader", zap.Uint64("term", r.raft.getTerm()), zap.Uint64("index", entry.Index))

	r.appender.appendEntries(entry.Index).OnComplete(func(_ uint64, err error) {
		if !r.running {
			return
		}
		r.initializing = false
		if err != nil {
			r.logger.Warn("Failed to commit the initialize entry, stepping down", zap.Error(err))
			r.stepDown()
			return
		}
		r.raft.services.Apply(entry.Index)
		r.raft.SetFirstCommitIndex(entry.Index)
		r.raft.notifyRole(raft.RoleLeader)
	})
	return nil
}

func (r *leaderRole) stop() error {
	// closing the appender fails the pending futures, their callbacks must see a stopped role
	err := r.activeRole.stop()
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Cancel()
	}
	if r.appender != nil {
		r.appender.close()
	}
	if r.raft.getLeader() == r.raft.member {
		r.raft.setLeader("")
	}
	return err
}

// stepDown makes the member a follower of the current term
func (r *leaderRole) stepDown() {
	if !r.running || r.raft.current != r {
		return
	}
	r.raft.transition(raft.RoleFollower)
}

// appendEntry appends payload to the log in the current term. Timestamps never go backwards.
func (r *leaderRole) appendEntry(payload raft.Payload) (*raft.Entry, error) {
	timestamp := time.Now().UnixMilli()
	if last := r.raft.log.LastEntry(); last != nil && last.Timestamp > timestamp {
		timestamp = last.Timestamp
	}
	entry := &raft.Entry{Term: r.raft.getTerm(), Timestamp: timestamp, Payload: payload}
	if _, err := r.raft.log.Append(entry); err != nil {
		return nil, &raft.StorageError{Op: "append", Err: err}
	}
	r.raft.metrics.RecordAppendIndex(entry.Index)
	return entry, nil
}

// submit appends payload and applies it once committed
func (r *leaderRole) submit(payload raft.Payload) *concurrent.Future[any] {
	_, future := r.submitEntry(payload)
	return future
}

// submitEntry is submit that also returns the appended entry, nil when the payload was refused
func (r *leaderRole) submitEntry(payload raft.Payload) (*raft.Entry, *concurrent.Future[any]) {
	if r.initializing {
		return nil, concurrent.Failed[any](raft.NewResponseError(raft.ErrorUnavailable, "leader is initializing"))
	}
	if app, ok := payload.(*raft.ApplicationEntry); ok {
		if err := r.raft.validator.Validate(r.raft.lastApplication, app); err != nil {
			return nil, concurrent.Failed[any](raft.NewResponseError(raft.ErrorApplication, "%v", err))
		}
	}
	entry, err := r.appendEntry(payload)
	if err != nil {
		return nil, concurrent.Failed[any](err)
	}
	if app, ok := payload.(*raft.ApplicationEntry); ok {
		r.raft.lastApplication = app
	}

	future := concurrent.NewFuture[any]()
	r.appender.appendEntries(entry.Index).OnComplete(func(index uint64, err error) {
		if err != nil {
			future.Fail(err)
			return
		}
		r.raft.services.Apply(index).OnComplete(func(result any, err error) {
			future.Resolve(result, err)
		})
	})
	return entry, future
}

// configure appends a configuration entry and completes once it committed. Only one configuration change is in
// flight at a time.
func (r *leaderRole) configure(members []raft.Member) *concurrent.Future[*raft.Configuration] {
	entry, err := r.appendEntry(&raft.ConfigurationEntry{Members: members})
	if err != nil {
		return concurrent.Failed[*raft.Configuration](err)
	}
	cfg := &raft.Configuration{Index: entry.Index, Term: entry.Term, Time: entry.Timestamp, Members: members}
	r.configuring = entry.Index
	r.raft.cluster.configure(cfg)
	r.appender.syncMembers()

	future := concurrent.NewFuture[*raft.Configuration]()
	r.appender.appendEntries(entry.Index).OnComplete(func(index uint64, err error) {
		r.configuring = 0
		if err != nil {
			future.Fail(err)
			return
		}
		r.raft.services.Apply(index)
		future.Complete(cfg)
	})
	return future
}

// canConfigure returns an error response when a membership change cannot start now
func (r *leaderRole) canConfigure() (raft.Response, bool) {
	if r.initializing {
		return raft.ErrorResponse(raft.ErrorUnavailable, "leader is initializing"), false
	}
	if r.configuring != 0 {
		return raft.ErrorResponse(raft.ErrorConfiguration, "%v at index %d", raft.ErrConfigurationInProgress,
			r.configuring), false
	}
	return raft.OKResponse(), true
}

func (r *leaderRole) onAppend(req *raft.AppendRequest) *concurrent.Future[*raft.AppendResponse] {
	if req.Term > r.raft.getTerm() {
		r.raft.SetTerm(req.Term)
		r.stepDown()
		return r.raft.current.onAppend(req)
	}
	return concurrent.Completed(r.failAppend(r.raft.log.LastIndex()))
}

func (r *leaderRole) onVote(req *raft.VoteRequest) *concurrent.Future[*raft.VoteResponse] {
	if req.Term > r.raft.getTerm() {
		r.raft.SetTerm(req.Term)
		r.stepDown()
		return r.raft.current.onVote(req)
	}
	return r.rejectVote()
}

func (r *leaderRole) onPoll(*raft.PollRequest) *concurrent.Future[*raft.PollResponse] {
	return concurrent.Completed(&raft.PollResponse{Response: raft.OKResponse(), Term: r.raft.getTerm()})
}

func (r *leaderRole) onConfigure(req *raft.ConfigureRequest) *concurrent.Future[*raft.ConfigureResponse] {
	if req.Term > r.raft.getTerm() {
		r.raft.SetTerm(req.Term)
		r.stepDown()
		return r.raft.current.onConfigure(req)
	}
	return concurrent.Completed(&raft.ConfigureResponse{
		Response: raft.ErrorResponse(raft.ErrorIllegalMemberState, "member is the leader of term %d", r.raft.getTerm()),
	})
}

func (r *leaderRole) onInstall(req *raft.InstallRequest) *concurrent.Future[*raft.InstallResponse] {
	if req.Term > r.raft.getTerm() {
		r.raft.SetTerm(req.Term)
		r.stepDown()
		return r.raft.current.onInstall(req)
	}
	return concurrent.Completed(&raft.InstallResponse{
		Response: raft.ErrorResponse(raft.ErrorIllegalMemberState, "member is the leader of term %d", r.raft.getTerm()),
	})
}

func (r *leaderRole) onJoin(req *raft.JoinRequest) *concurrent.Future[*raft.JoinResponse] {
	cfg := r.raft.cluster.configuration
	if _, ok := cfg.Member(req.Member.ID); ok {
		return concurrent.Completed(joinResponse(cfg))
	}
	if resp, ok := r.canConfigure(); !ok {
		return concurrent.Completed(&raft.JoinResponse{Response: resp})
	}

	member := req.Member
	member.Updated = time.Now()
	members := append(append([]raft.Member(nil), cfg.Members...), member)
	r.logger.Info("Adding member", zap.String("member", string(member.ID)), zap.Stringer("type", member.Type))

	return concurrent.Then(r.configure(members), func(cfg *raft.Configuration) (*raft.JoinResponse, error) {
		return joinResponse(cfg), nil
	}).Recover(func(err error) *raft.JoinResponse {
		return &raft.JoinResponse{Response: raft.ErrorResponse(raft.ErrorProtocol, "%v", err)}
	})
}

func joinResponse(cfg *raft.Configuration) *raft.JoinResponse {
	return &raft.JoinResponse{Response: raft.OKResponse(), Index: cfg.Index, Term: cfg.Term, Timestamp: cfg.Time,
		Members: cfg.Members}
}

func (r *leaderRole) onLeave(req *raft.LeaveRequest) *concurrent.Future[*raft.LeaveResponse] {
	cfg := r.raft.cluster.configuration
	if _, ok := cfg.Member(req.Member); !ok {
		return concurrent.Completed(leaveResponse(cfg))
	}
	if resp, ok := r.canConfigure(); !ok {
		return concurrent.Completed(&raft.LeaveResponse{Response: resp})
	}

	members := make([]raft.Member, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		if m.ID != req.Member {
			members = append(members, m)
		}
	}
	r.logger.Info("Removing member", zap.String("member", string(req.Member)))

	return concurrent.Then(r.configure(members), func(cfg *raft.Configuration) (*raft.LeaveResponse, error) {
		return leaveResponse(cfg), nil
	}).Recover(func(err error) *raft.LeaveResponse {
		return &raft.LeaveResponse{Response: raft.ErrorResponse(raft.ErrorProtocol, "%v", err)}
	})
}

func leaveResponse(cfg *raft.Configuration) *raft.LeaveResponse {
	return &raft.LeaveResponse{Response: raft.OKResponse(), Index: cfg.Index, Term: cfg.Term, Timestamp: cfg.Time,
		Members: cfg.Members}
}

func (r *leaderRole) onReconfigure(req *raft.ReconfigureRequest) *concurrent.Future[*raft.ReconfigureResponse] {
	if resp, ok := r.canConfigure(); !ok {
		return concurrent.Completed(&raft.ReconfigureResponse{Response: resp})
	}
	cfg := r.raft.cluster.configuration
	existing, ok := cfg.Member(req.Member.ID)
	if !ok {
		return concurrent.Completed(&raft.ReconfigureResponse{
			Response: raft.ErrorResponse(raft.ErrorIllegalMemberState, "unknown member %s", req.Member.ID),
		})
	}
	if req.Index > 0 && req.Index < cfg.Index {
		return concurrent.Completed(&raft.ReconfigureResponse{
			Response: raft.ErrorResponse(raft.ErrorConfiguration, "configuration %d is stale, latest is %d",
				req.Index, cfg.Index),
		})
	}

	members := make([]raft.Member, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		if m.ID != req.Member.ID {
			members = append(members, m)
		} else if !req.Remove {
			if m.Type == req.Member.Type && m.Priority == req.Member.Priority {
				return concurrent.Completed(reconfigureResponse(cfg))
			}
			updated := req.Member
			updated.Updated = time.Now()
			members = append(members, updated)
		}
	}
	r.logger.Info("Reconfiguring member", zap.String("member", string(req.Member.ID)),
		zap.Stringer("from", existing.Type), zap.Stringer("to", req.Member.Type), zap.Bool("remove", req.Remove))

	return concurrent.Then(r.configure(members), func(cfg *raft.Configuration) (*raft.ReconfigureResponse, error) {
		return reconfigureResponse(cfg), nil
	}).Recover(func(err error) *raft.ReconfigureResponse {
		return &raft.ReconfigureResponse{Response: raft.ErrorResponse(raft.ErrorProtocol, "%v", err)}
	})
}

func reconfigureResponse(cfg *raft.Configuration) *raft.ReconfigureResponse {
	return &raft.ReconfigureResponse{Response: raft.OKResponse(), Index: cfg.Index, Term: cfg.Term,
		Timestamp: cfg.Time, Members: cfg.Members}
}

// onTransfer hands leadership to another member: once the member caught up with the log the leader steps down and
// the member starts an election
func (r *leaderRole) onTransfer(req *raft.TransferRequest) *concurrent.Future[*raft.TransferResponse] {
	m, ok := r.raft.cluster.configuration.Member(req.Member)
	if !ok || !m.Type.IsVoting() {
		return concurrent.Completed(&raft.TransferResponse{
			Response: raft.ErrorResponse(raft.ErrorIllegalMemberState, "%s is not a voting member", req.Member),
		})
	}
	if req.Member == r.raft.member {
		return concurrent.Completed(&raft.TransferResponse{Response: raft.OKResponse()})
	}

	r.logger.Info("Transferring leadership", zap.String("to", string(req.Member)))
	future := concurrent.NewFuture[*raft.TransferResponse]()
	r.appender.appendEntries(r.raft.log.LastIndex()).OnComplete(func(_ uint64, err error) {
		if err != nil {
			future.Complete(&raft.TransferResponse{Response: raft.ErrorResponse(raft.ErrorProtocol, "%v", err)})
			return
		}
		future.Complete(&raft.TransferResponse{Response: raft.OKResponse()})
		r.stepDown()
	})
	return future
}

func (r *leaderRole) onMetadata(req *raft.MetadataRequest) *concurrent.Future[*raft.MetadataResponse] {
	return concurrent.Then(r.submit(&raft.MetadataEntry{Session: req.Session}),
		func(result any) (*raft.MetadataResponse, error) {
			return &raft.MetadataResponse{Response: raft.OKResponse(), Sessions: result.(*service.MetadataResult).Sessions}, nil
		}).Recover(func(err error) *raft.MetadataResponse {
		return &raft.MetadataResponse{Response: errorResponse(err)}
	})
}
