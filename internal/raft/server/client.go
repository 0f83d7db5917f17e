package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
	"raftcore/internal/raft"
	"raftcore/internal/raft/service"
)

// leader returns the current role if the member leads the cluster. Must be called on the raft thread.
func (c *RaftContext) leader() (*leaderRole, error) {
	if r, ok := c.current.(*leaderRole); ok && r.running {
		return r, nil
	}
	return nil, raft.ErrNotLeader
}

// submit appends payload through the leader and waits until it was applied
func submit[T any](ctx context.Context, c *RaftContext, payload raft.Payload) (T, error) {
	result, err := onRaftThreadFuture(ctx, c, func() *concurrent.Future[any] {
		r, err := c.leader()
		if err != nil {
			return concurrent.Failed[any](err)
		}
		return r.submit(payload)
	})
	var zero T
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	v, ok := result.(T)
	if !ok {
		return zero, raft.NewProtocolError("unexpected result %T", result)
	}
	return v, nil
}

// OpenSession registers a session of member with the service serviceName, creating the service from serviceType
// and config on first use. The id of the session is the index of its entry.
func (c *RaftContext) OpenSession(ctx context.Context, member raft.MemberID, serviceName, serviceType string,
	config []byte, minTimeout, maxTimeout time.Duration) (uint64, error) {
	id, err := submit[uint64](ctx, c, &raft.OpenSessionEntry{
		MemberID:    member,
		ServiceName: serviceName,
		ServiceType: serviceType,
		Config:      config,
		MinTimeout:  minTimeout.Milliseconds(),
		MaxTimeout:  maxTimeout.Milliseconds(),
	})
	if err != nil {
		return 0, err
	}
	c.logger.Debug("Opened session", zap.Uint64("session", id), zap.String("service", serviceName),
		zap.String("member", string(member)))
	return id, nil
}

// KeepAlive refreshes sessions and acknowledges the command sequences and event indexes their clients received.
// It returns the sessions that are still open.
func (c *RaftContext) KeepAlive(ctx context.Context, sessions, commandSequences, eventIndexes []uint64) ([]uint64, error) {
	return submit[[]uint64](ctx, c, &raft.KeepAliveEntry{
		SessionIDs:       sessions,
		CommandSequences: commandSequences,
		EventIndexes:     eventIndexes,
	})
}

// CloseSession closes a session. With del the service of the session is deleted as well.
func (c *RaftContext) CloseSession(ctx context.Context, session uint64, del bool) error {
	_, err := submit[any](ctx, c, &raft.CloseSessionEntry{Session: session, Delete: del})
	return err
}

// Command replicates a state machine operation and returns its result. Commands are applied exactly once per
// session sequence number, a retried sequence returns the cached result.
func (c *RaftContext) Command(ctx context.Context, session, sequence uint64, operation []byte) (*service.OperationResult, error) {
	start := time.Now()
	result, err := submit[*service.OperationResult](ctx, c, &raft.CommandEntry{
		Session:   session,
		Sequence:  sequence,
		Operation: operation,
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordCommandLatency(time.Since(start))
	c.metrics.RecordCommandCommitted()
	return result, nil
}

// Query runs a read-only operation against the state of the leader. The leader confirms it still holds a quorum
// with a heartbeat round first, then evaluates the query at its commit index. Queries are never logged.
func (c *RaftContext) Query(ctx context.Context, session, sequence uint64, operation []byte) (*service.OperationResult, error) {
	result, err := onRaftThreadFuture(ctx, c, func() *concurrent.Future[any] {
		r, err := c.leader()
		if err != nil {
			return concurrent.Failed[any](err)
		}
		if r.initializing {
			return concurrent.Failed[any](raft.NewResponseError(raft.ErrorUnavailable, "leader is initializing"))
		}

		future := concurrent.NewFuture[any]()
		r.appender.appendEntries(0).OnComplete(func(_ uint64, err error) {
			if err != nil {
				future.Fail(err)
				return
			}
			// entries committed by the heartbeat are queued for application before the query
			c.raftThread.Execute(func() {
				entry := &raft.Entry{
					Index:   c.getCommitIndex(),
					Term:    c.getTerm(),
					Payload: &raft.QueryEntry{Session: session, Sequence: sequence, Operation: operation},
				}
				if last := c.log.LastEntry(); last != nil {
					entry.Timestamp = last.Timestamp
				}
				c.services.ApplyQuery(entry).OnComplete(func(v any, err error) {
					future.Resolve(v, err)
				})
			})
		})
		return future
	})
	if err != nil {
		return nil, err
	}
	op, ok := result.(*service.OperationResult)
	if !ok {
		return nil, raft.NewProtocolError("unexpected query result %T", result)
	}
	return op, nil
}

// Metadata lists the open sessions, limited to the service of session when it is not 0
func (c *RaftContext) Metadata(ctx context.Context, session uint64) ([]raft.SessionMetadata, error) {
	result, err := submit[*service.MetadataResult](ctx, c, &raft.MetadataEntry{Session: session})
	if err != nil || result == nil {
		return nil, err
	}
	return result.Sessions, nil
}

// Append replicates opaque application data checked by the entry validator and returns its index
func (c *RaftContext) Append(ctx context.Context, data []byte) (uint64, error) {
	return onRaftThreadFuture(ctx, c, func() *concurrent.Future[uint64] {
		r, err := c.leader()
		if err != nil {
			return concurrent.Failed[uint64](err)
		}
		entry, future := r.submitEntry(&raft.ApplicationEntry{Data: data})
		return concurrent.Then(future, func(any) (uint64, error) {
			return entry.Index, nil
		})
	})
}
