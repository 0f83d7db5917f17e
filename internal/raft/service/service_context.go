package service

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"raftcore/internal/raft"
	"raftcore/internal/raft/state_machine"
)

// ServiceContext hosts one named service and its sessions. It is owned by the service goroutine.
type ServiceContext struct {
	id          uint64
	name        string
	serviceType string
	config      []byte
	sm          state_machine.StateMachine

	// sessions of this service, a subset of the manager's registry
	sessions map[uint64]*Session
	registry *sessionRegistry

	currentIndex     uint64
	currentTimestamp int64
	deleted          bool

	logger *zap.Logger
}

func newServiceContext(id uint64, name, serviceType string, config []byte, sm state_machine.StateMachine, registry *sessionRegistry, logger *zap.Logger) *ServiceContext {
	return &ServiceContext{
		id:          id,
		name:        name,
		serviceType: serviceType,
		config:      config,
		sm:          sm,
		sessions:    make(map[uint64]*Session),
		registry:    registry,
		logger:      logger.With(zap.String("service", name)),
	}
}

func (c *ServiceContext) ID() uint64                               { return c.id }
func (c *ServiceContext) Name() string                             { return c.name }
func (c *ServiceContext) Type() string                             { return c.serviceType }
func (c *ServiceContext) StateMachine() state_machine.StateMachine { return c.sm }
func (c *ServiceContext) Deleted() bool                            { return c.deleted }

// tick advances the service clock. Timestamps come from the log so every member observes the same time.
func (c *ServiceContext) tick(index uint64, timestamp int64) {
	c.currentIndex = index
	if timestamp > c.currentTimestamp {
		c.currentTimestamp = timestamp
	}
}

func (c *ServiceContext) openSession(index uint64, timestamp int64, session *Session) uint64 {
	c.tick(index, timestamp)
	c.sessions[session.id] = session
	c.sm.OnOpen(session)
	return session.id
}

// keepAlive applies the watermarks acknowledged by the client. It returns false when the session can no longer be
// kept alive.
func (c *ServiceContext) keepAlive(index uint64, timestamp int64, session *Session, commandSequence, eventIndex uint64) bool {
	if c.deleted {
		return false
	}
	c.tick(index, timestamp)
	if session.state != SessionOpen {
		return false
	}
	session.lastUpdated = timestamp
	session.clearResults(commandSequence)
	session.clearEvents(eventIndex)
	session.setCommandSequence(commandSequence)
	return true
}

// completeKeepAlive expires the sessions that timed out as of timestamp
func (c *ServiceContext) completeKeepAlive(index uint64, timestamp int64) {
	if c.deleted {
		return
	}
	c.tick(index, timestamp)
	c.expireSessions(timestamp)
}

// keepAliveSessions refreshes every session, used after leader changes when clients may not have been able to
// send keep-alives
func (c *ServiceContext) keepAliveSessions(index uint64, timestamp int64) {
	if c.deleted {
		return
	}
	c.tick(index, timestamp)
	for _, session := range c.sessions {
		session.lastUpdated = timestamp
	}
}

func (c *ServiceContext) expireSessions(timestamp int64) {
	for _, session := range c.sortedSessions() {
		if session.isTimedOut(timestamp) {
			c.logger.Debug("Session expired",
				zap.Uint64("session", session.id),
				zap.Int64("idle_ms", timestamp-session.lastUpdated))
			c.expireSession(session)
		}
	}
}

func (c *ServiceContext) expireSession(session *Session) {
	session.state = SessionExpired
	delete(c.sessions, session.id)
	c.registry.remove(session.id)
	c.sm.OnExpire(session)
}

func (c *ServiceContext) closeSession(index uint64, timestamp int64, session *Session, expired bool) {
	c.tick(index, timestamp)
	if expired {
		c.expireSession(session)
		return
	}
	session.state = SessionClosed
	delete(c.sessions, session.id)
	c.registry.remove(session.id)
	c.sm.OnClose(session)
}

// executeCommand applies a command in session order. Commands with a sequence lower than the next expected one
// were applied before and are answered from the session's result cache.
func (c *ServiceContext) executeCommand(index, sequence uint64, timestamp int64, session *Session, operation []byte) *OperationResult {
	if c.deleted {
		return failed(index, session.eventIndex, fmt.Errorf("service %s: %w", c.name, raft.ErrUnknownService))
	}
	if session.state != SessionOpen {
		return failed(index, session.eventIndex, fmt.Errorf("session %d: %w", session.id, raft.ErrUnknownSession))
	}

	session.lastUpdated = timestamp
	c.tick(index, timestamp)

	if sequence > 0 && sequence < session.nextCommandSequence() {
		if result, ok := session.result(sequence); ok {
			return result
		}
		return noop(index, session.eventIndex)
	}

	eventIndex := session.eventIndex
	output, err := c.sm.ExecuteCommand(&state_machine.Commit{
		Index:     index,
		Sequence:  sequence,
		Timestamp: timestamp,
		Session:   session,
		Operation: operation,
	})
	var result *OperationResult
	if err != nil {
		result = failed(index, eventIndex, raft.NewResponseError(raft.ErrorCommandFailure, "%v", err))
	} else {
		result = succeeded(index, eventIndex, output)
	}
	session.registerResult(sequence, result)
	session.setCommandSequence(sequence)
	return result
}

func (c *ServiceContext) executeQuery(index, sequence uint64, timestamp int64, session *Session, operation []byte) *OperationResult {
	if c.deleted {
		return failed(index, session.eventIndex, fmt.Errorf("service %s: %w", c.name, raft.ErrUnknownService))
	}
	if session.state != SessionOpen {
		return failed(index, session.eventIndex, fmt.Errorf("session %d: %w", session.id, raft.ErrUnknownSession))
	}

	output, err := c.sm.ExecuteQuery(&state_machine.Commit{
		Index:     index,
		Sequence:  sequence,
		Timestamp: timestamp,
		Session:   session,
		Operation: operation,
	})
	if err != nil {
		return failed(index, session.eventIndex, raft.NewResponseError(raft.ErrorQueryFailure, "%v", err))
	}
	return succeeded(index, session.eventIndex, output)
}

// close marks the service deleted. Its sessions stay registered as orphans until they time out.
func (c *ServiceContext) close() {
	c.deleted = true
}

// unregisterSessions removes the sessions of the service from the manager's registry, used when the service is
// replaced by a snapshot
func (c *ServiceContext) unregisterSessions() {
	for _, session := range c.sortedSessions() {
		session.state = SessionClosed
		if registered, ok := c.registry.get(session.id); ok && registered == session {
			c.registry.remove(session.id)
		}
	}
	c.sessions = make(map[uint64]*Session)
}

func (c *ServiceContext) sortedSessions() []*Session {
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	return sessions
}
