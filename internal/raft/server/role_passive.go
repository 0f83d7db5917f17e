package server

import (
	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
)

// pendingSnapshot collects the chunks of a snapshot sent by the leader
type pendingSnapshot struct {
	index      uint64
	term       uint64
	timestamp  int64
	data       []byte
	nextOffset uint64
}

// passiveRole replicates committed entries without taking part in elections. PROMOTABLE members run the same
// role. It is also the base of the active roles.
type passiveRole struct {
	baseRole
	kind    raft.Role
	pending *pendingSnapshot
}

func newPassiveRole(c *RaftContext, kind raft.Role) *passiveRole {
	return &passiveRole{baseRole: newBaseRole(c, kind), kind: kind}
}

func (r *passiveRole) Role() raft.Role {
	return r.kind
}

func (r *passiveRole) start() error {
	if err := r.baseRole.start(); err != nil {
		return err
	}
	if r.kind == raft.RolePassive {
		r.truncateUncommittedEntries()
	}
	return nil
}

// truncateUncommittedEntries drops entries a passive member received beyond the commit index, it only keeps what
// it knows is committed
func (r *passiveRole) truncateUncommittedEntries() {
	commitIndex := r.raft.getCommitIndex()
	if commitIndex == 0 || commitIndex >= r.raft.log.LastIndex() {
		return
	}
	if err := r.raft.log.DeleteAfter(commitIndex); err != nil {
		panic(&raft.StorageError{Op: "truncate", Err: err})
	}
	r.logger.Debug("Truncated uncommitted entries", zap.Uint64("commit_index", commitIndex))
}

func (r *passiveRole) onAppend(req *raft.AppendRequest) *concurrent.Future[*raft.AppendResponse] {
	r.updateTermAndLeader(req.Term, req.Leader)
	return concurrent.Completed(r.handleAppend(req))
}

func (r *passiveRole) handleAppend(req *raft.AppendRequest) *raft.AppendResponse {
	if req.Term < r.raft.getTerm() {
		r.logger.Debug("Rejected append from a stale leader", zap.Uint64("request_term", req.Term))
		return r.failAppend(r.raft.log.LastIndex())
	}
	if ok, resp := r.checkPreviousEntry(req); !ok {
		return resp
	}
	return r.appendEntries(req)
}

// checkPreviousEntry verifies the entry preceding the request entries matches the leader's
func (r *passiveRole) checkPreviousEntry(req *raft.AppendRequest) (bool, *raft.AppendResponse) {
	lastIndex := r.raft.log.LastIndex()
	if req.PrevLogIndex > lastIndex {
		r.logger.Debug("Rejected append, missing entries", zap.Uint64("prev_index", req.PrevLogIndex),
			zap.Uint64("last_index", lastIndex))
		return false, r.failAppend(lastIndex)
	}
	if req.PrevLogIndex == 0 || req.PrevLogTerm == 0 {
		return true, nil
	}

	var term uint64
	if req.PrevLogIndex >= r.raft.log.FirstIndex() {
		entry, err := r.raft.log.Entry(req.PrevLogIndex)
		if err != nil {
			r.logger.Warn("Failed to read the previous entry", zap.Uint64("index", req.PrevLogIndex), zap.Error(err))
			return false, r.failAppend(req.PrevLogIndex - 1)
		}
		term = entry.Term
	} else {
		term = r.raft.termAt(req.PrevLogIndex)
		if term == 0 {
			// compacted, so committed
			return true, nil
		}
	}
	if term != req.PrevLogTerm {
		r.logger.Debug("Rejected append, inconsistent previous entry", zap.Uint64("prev_index", req.PrevLogIndex),
			zap.Uint64("prev_term", req.PrevLogTerm), zap.Uint64("term", term))
		return false, r.failAppend(req.PrevLogIndex - 1)
	}
	return true, nil
}

func (r *passiveRole) appendEntries(req *raft.AppendRequest) *raft.AppendResponse {
	log := r.raft.log
	lastEntryIndex := req.PrevLogIndex + uint64(len(req.Entries))
	commitIndex := min(req.CommitIndex, lastEntryIndex)

	if len(req.Entries) > 0 && req.PrevLogIndex > 0 && req.PrevLogTerm == 0 &&
		req.PrevLogIndex+1 < log.FirstIndex() {
		// the leader's log starts right after PrevLogIndex, below the first entry held here
		if err := log.Reset(req.PrevLogIndex + 1); err != nil {
			panic(&raft.StorageError{Op: "reset", Err: err})
		}
	}

	appended := 0
	for _, entry := range req.Entries {
		index := entry.Index
		if !r.kind.Active() && index > commitIndex {
			break
		}
		if index < log.FirstIndex() {
			continue
		}
		if index <= log.LastIndex() {
			existing, err := log.Entry(index)
			if err != nil {
				r.logger.Warn("Failed to read entry", zap.Uint64("index", index), zap.Error(err))
				return r.failAppend(index - 1)
			}
			if existing.Term == entry.Term {
				continue
			}
			r.logger.Debug("Truncating conflicting entries", zap.Uint64("index", index),
				zap.Uint64("term", existing.Term), zap.Uint64("leader_term", entry.Term))
			if err := log.DeleteAfter(index - 1); err != nil {
				panic(&raft.StorageError{Op: "truncate", Err: err})
			}
		}
		e := *entry
		if _, err := log.Append(&e); err != nil {
			r.logger.Error("Failed to append entry", zap.Uint64("index", index), zap.Error(err))
			return r.failAppend(log.LastIndex())
		}
		if app, ok := e.Payload.(*raft.ApplicationEntry); ok {
			r.raft.lastApplication = app
		}
		appended++
	}

	if appended > 0 && !log.FlushesDirectly() {
		if err := log.Flush(); err != nil {
			panic(&raft.StorageError{Op: "flush", Err: err})
		}
	}

	r.raft.SetFirstCommitIndex(req.CommitIndex)
	r.raft.SetCommitIndex(commitIndex)
	return r.succeedAppend()
}

func (r *passiveRole) failAppend(lastIndex uint64) *raft.AppendResponse {
	resp := r.appendResponse(lastIndex)
	resp.Succeeded = false
	return resp
}

func (r *passiveRole) succeedAppend() *raft.AppendResponse {
	resp := r.appendResponse(r.raft.log.LastIndex())
	resp.Succeeded = true
	return resp
}

func (r *passiveRole) appendResponse(lastIndex uint64) *raft.AppendResponse {
	resp := &raft.AppendResponse{
		Response:     raft.OKResponse(),
		Term:         r.raft.getTerm(),
		LastLogIndex: lastIndex,
	}
	if snapshot, err := r.raft.snapshots.Latest(); err == nil && snapshot != nil {
		resp.LastSnapshotIndex = snapshot.Index
	}
	if cfg := r.raft.cluster.configuration; cfg != nil {
		resp.ConfigurationIndex = cfg.Index
	}
	return resp
}

func (r *passiveRole) onConfigure(req *raft.ConfigureRequest) *concurrent.Future[*raft.ConfigureResponse] {
	r.updateTermAndLeader(req.Term, req.Leader)
	return concurrent.Completed(r.handleConfigure(req))
}

func (r *passiveRole) handleConfigure(req *raft.ConfigureRequest) *raft.ConfigureResponse {
	if req.Term < r.raft.getTerm() {
		return &raft.ConfigureResponse{Response: raft.ErrorResponse(raft.ErrorIllegalMemberState,
			"stale term %d", req.Term)}
	}
	r.raft.cluster.configure(&raft.Configuration{
		Index:   req.Index,
		Term:    req.Term,
		Time:    req.Timestamp,
		Members: req.Members,
	})
	if cfg := r.raft.cluster.configuration; cfg != nil && r.raft.getCommitIndex() >= cfg.Index {
		r.raft.cluster.commit()
	}
	return &raft.ConfigureResponse{Response: raft.OKResponse()}
}

func (r *passiveRole) onInstall(req *raft.InstallRequest) *concurrent.Future[*raft.InstallResponse] {
	r.updateTermAndLeader(req.Term, req.Leader)
	return r.handleInstall(req)
}

// handleInstall collects the snapshot chunks in memory. The complete snapshot replaces the log and the state of
// every service.
func (r *passiveRole) handleInstall(req *raft.InstallRequest) *concurrent.Future[*raft.InstallResponse] {
	if req.Term < r.raft.getTerm() {
		return concurrent.Completed(&raft.InstallResponse{Response: raft.ErrorResponse(raft.ErrorIllegalMemberState,
			"stale term %d", req.Term)})
	}
	if req.Index <= r.raft.getCommitIndex() {
		// the member already has every entry the snapshot covers
		return concurrent.Completed(&raft.InstallResponse{Response: raft.OKResponse()})
	}

	if req.Offset == 0 {
		r.pending = &pendingSnapshot{index: req.Index, term: req.SnapshotTerm, timestamp: req.Timestamp}
	}
	if r.pending == nil || r.pending.index != req.Index || r.pending.nextOffset != req.Offset {
		r.pending = nil
		return concurrent.Completed(&raft.InstallResponse{Response: raft.ErrorResponse(raft.ErrorIllegalMemberState,
			"unexpected chunk at offset %d of snapshot %d", req.Offset, req.Index)})
	}
	r.pending.data = append(r.pending.data, req.Data...)
	r.pending.nextOffset += uint64(len(req.Data))
	if !req.Complete {
		return concurrent.Completed(&raft.InstallResponse{Response: raft.OKResponse()})
	}

	pending := r.pending
	r.pending = nil
	snapshot := &raft.Snapshot{Index: pending.index, Term: pending.term, Timestamp: pending.timestamp, Data: pending.data}
	r.logger.Info("Installing snapshot from leader", zap.Uint64("index", snapshot.Index),
		zap.Uint64("term", snapshot.Term), zap.Int("size", len(snapshot.Data)))

	if err := r.raft.snapshots.Save(snapshot); err != nil {
		panic(&raft.StorageError{Op: "save snapshot", Err: err})
	}
	if err := r.raft.snapshots.Complete(snapshot.Index); err != nil {
		panic(&raft.StorageError{Op: "complete snapshot", Err: err})
	}
	if err := r.raft.log.Reset(snapshot.Index + 1); err != nil {
		panic(&raft.StorageError{Op: "reset", Err: err})
	}
	r.raft.compactor.SetCompactableIndex(snapshot.Index)

	installed := r.raft.services.InstallSnapshot(snapshot)
	r.raft.SetCommitIndex(snapshot.Index)

	future := concurrent.NewFuture[*raft.InstallResponse]()
	installed.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			future.Complete(&raft.InstallResponse{Response: raft.ErrorResponse(raft.ErrorProtocol,
				"failed to install snapshot %d: %v", snapshot.Index, err)})
			return
		}
		future.Complete(&raft.InstallResponse{Response: raft.OKResponse()})
	})
	return future
}

func (r *passiveRole) onVote(*raft.VoteRequest) *concurrent.Future[*raft.VoteResponse] {
	return concurrent.Completed(&raft.VoteResponse{
		Response: raft.ErrorResponse(raft.ErrorIllegalMemberState, "%s members do not vote", r.kind),
		Term:     r.raft.getTerm(),
	})
}

func (r *passiveRole) onPoll(*raft.PollRequest) *concurrent.Future[*raft.PollResponse] {
	return concurrent.Completed(&raft.PollResponse{
		Response: raft.ErrorResponse(raft.ErrorIllegalMemberState, "%s members do not vote", r.kind),
		Term:     r.raft.getTerm(),
	})
}

func (r *passiveRole) onTransfer(*raft.TransferRequest) *concurrent.Future[*raft.TransferResponse] {
	return concurrent.Completed(&raft.TransferResponse{
		Response: raft.ErrorResponse(raft.ErrorIllegalMemberState, "not the leader"),
	})
}

func (r *passiveRole) onReconfigure(req *raft.ReconfigureRequest) *concurrent.Future[*raft.ReconfigureResponse] {
	return forward(r.raft, req, r.raft.protocol.Reconfigure, func(resp raft.Response) *raft.ReconfigureResponse {
		return &raft.ReconfigureResponse{Response: resp}
	})
}

func (r *passiveRole) onJoin(req *raft.JoinRequest) *concurrent.Future[*raft.JoinResponse] {
	return forward(r.raft, req, r.raft.protocol.Join, func(resp raft.Response) *raft.JoinResponse {
		return &raft.JoinResponse{Response: resp}
	})
}

func (r *passiveRole) onLeave(req *raft.LeaveRequest) *concurrent.Future[*raft.LeaveResponse] {
	return forward(r.raft, req, r.raft.protocol.Leave, func(resp raft.Response) *raft.LeaveResponse {
		return &raft.LeaveResponse{Response: resp}
	})
}

func (r *passiveRole) onMetadata(req *raft.MetadataRequest) *concurrent.Future[*raft.MetadataResponse] {
	return forward(r.raft, req, r.raft.protocol.Metadata, func(resp raft.Response) *raft.MetadataResponse {
		return &raft.MetadataResponse{Response: resp}
	})
}
