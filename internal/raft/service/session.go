package service

import (
	"sort"

	"raftcore/internal/raft"
	"raftcore/internal/raft/state_machine"
)

// SessionState is the lifecycle state of a Session
type SessionState uint8

const (
	SessionOpen SessionState = iota
	SessionExpired
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "OPEN"
	case SessionExpired:
		return "EXPIRED"
	case SessionClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is published by a service to a session while a command is applied
type Event struct {
	Index uint64
	Data  []byte
}

// Session is a client session of a single service. The id of a session is the index of the OpenSession entry that
// created it. Sessions are owned by the service goroutine.
type Session struct {
	id          uint64
	member      raft.MemberID
	serviceName string
	serviceType string
	minTimeout  int64
	maxTimeout  int64
	lastUpdated int64

	// commandSequence is the highest command sequence applied for the session
	commandSequence uint64
	// commandLowWaterMark is the highest sequence the client acknowledged, results up to it are released
	commandLowWaterMark uint64
	// eventIndex is the index of the last published event, completeIndex the last one the client acknowledged
	eventIndex    uint64
	completeIndex uint64

	results map[uint64]*OperationResult
	events  []Event
	state   SessionState
	service *ServiceContext
}

func newSession(id uint64, member raft.MemberID, serviceName, serviceType string, minTimeout, maxTimeout, timestamp int64, service *ServiceContext) *Session {
	return &Session{
		id:            id,
		member:        member,
		serviceName:   serviceName,
		serviceType:   serviceType,
		minTimeout:    minTimeout,
		maxTimeout:    maxTimeout,
		lastUpdated:   timestamp,
		eventIndex:    id,
		completeIndex: id,
		results:       make(map[uint64]*OperationResult),
		service:       service,
	}
}

func (s *Session) ID() uint64              { return s.id }
func (s *Session) MemberID() raft.MemberID { return s.member }
func (s *Session) ServiceName() string     { return s.serviceName }
func (s *Session) ServiceType() string     { return s.serviceType }
func (s *Session) State() SessionState     { return s.state }
func (s *Session) LastUpdated() int64      { return s.lastUpdated }
func (s *Session) CommandSequence() uint64 { return s.commandSequence }
func (s *Session) EventIndex() uint64      { return s.eventIndex }

func (s *Session) CommandLowWaterMark() uint64 {
	return s.commandLowWaterMark
}

// Publish queues an event at the index the service is currently applying
func (s *Session) Publish(data []byte) {
	if s.state != SessionOpen {
		return
	}
	index := s.service.currentIndex
	s.events = append(s.events, Event{Index: index, Data: data})
	s.eventIndex = index
}

// Events returns the events not acknowledged by the client yet
func (s *Session) Events() []Event {
	return append([]Event(nil), s.events...)
}

// ResultCount returns the number of cached command results
func (s *Session) ResultCount() int {
	return len(s.results)
}

func (s *Session) nextCommandSequence() uint64 {
	return s.commandSequence + 1
}

func (s *Session) setCommandSequence(sequence uint64) {
	if sequence > s.commandSequence {
		s.commandSequence = sequence
	}
}

func (s *Session) registerResult(sequence uint64, result *OperationResult) {
	s.results[sequence] = result
}

func (s *Session) result(sequence uint64) (*OperationResult, bool) {
	r, ok := s.results[sequence]
	return r, ok
}

// clearResults releases the cached results up to sequence
func (s *Session) clearResults(sequence uint64) {
	if sequence <= s.commandLowWaterMark {
		return
	}
	for seq := range s.results {
		if seq <= sequence {
			delete(s.results, seq)
		}
	}
	s.commandLowWaterMark = sequence
}

// clearEvents drops the events up to index which the client acknowledged
func (s *Session) clearEvents(index uint64) {
	if index <= s.completeIndex {
		return
	}
	s.completeIndex = index
	i := 0
	for i < len(s.events) && s.events[i].Index <= index {
		i++
	}
	s.events = s.events[i:]
}

func (s *Session) isTimedOut(timestamp int64) bool {
	timeout := s.maxTimeout
	if timeout <= 0 {
		timeout = s.minTimeout
	}
	return s.lastUpdated > 0 && timeout > 0 && timestamp-s.lastUpdated > timeout
}

// lastCompleted is the highest index below which the session has no pending state. With events queued that is
// the index before the first of them, otherwise the last applied index.
func (s *Session) lastCompleted(lastApplied uint64) uint64 {
	if len(s.events) > 0 && s.events[0].Index > s.completeIndex {
		return s.events[0].Index - 1
	}
	return lastApplied
}

func (s *Session) metadata() raft.SessionMetadata {
	return raft.SessionMetadata{
		ID:          s.id,
		MemberID:    s.member,
		ServiceName: s.serviceName,
		ServiceType: s.serviceType,
	}
}

var _ state_machine.Session = (*Session)(nil)

// sessionRegistry indexes every open session of every service by id
type sessionRegistry struct {
	sessions map[uint64]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[uint64]*Session)}
}

func (r *sessionRegistry) add(s *Session) {
	r.sessions[s.id] = s
}

func (r *sessionRegistry) get(id uint64) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) remove(id uint64) (*Session, bool) {
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	return s, ok
}

// all returns the sessions ordered by id so every member iterates them identically
func (r *sessionRegistry) all() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	return sessions
}

func (r *sessionRegistry) len() int {
	return len(r.sessions)
}
