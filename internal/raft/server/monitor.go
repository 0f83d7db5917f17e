package server

import (
	"sync"

	"go.uber.org/zap"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
)

// maxFailures bounds the failure history kept by the Monitor
const maxFailures = 16

// Status is what the Monitor observed of a member
type Status struct {
	Role     raft.Role
	Term     uint64
	State    raft.State
	Leader   raft.MemberID
	Health   raft.Health
	Failures []Failure
	// The number of leaders learned
	Elections int
	// The number of role transitions
	Transitions int
}

// Monitor follows the events published by a Server and keeps the latest status of the member
type Monitor struct {
	// A channel where a shutdown signal is received. It signals that the Monitor running in a goroutine should exit.
	shutDownChan chan *pubsub.Event[struct{}]
	roleChan     chan *pubsub.Event[RoleChange]
	stateChan    chan *pubsub.Event[raft.State]
	leaderChan   chan *pubsub.Event[raft.MemberID]
	failureChan  chan *pubsub.Event[Failure]

	mu     sync.RWMutex
	status Status
	done   chan struct{}
	logger *zap.Logger
}

func NewMonitor(p *pubsub.PubSubClient, logger *zap.Logger) *Monitor {
	m := &Monitor{
		shutDownChan: make(chan *pubsub.Event[struct{}], 1),
		roleChan:     make(chan *pubsub.Event[RoleChange], 16),
		stateChan:    make(chan *pubsub.Event[raft.State], 4),
		leaderChan:   make(chan *pubsub.Event[raft.MemberID], 16),
		failureChan:  make(chan *pubsub.Event[Failure], 4),
		status:       Status{Role: raft.RoleInactive, State: raft.StateActive, Health: raft.HealthHealthy},
		done:         make(chan struct{}),
		logger:       logger.Named("monitor"),
	}

	// Shutdown must not be dropped, the other events are only observed
	pubsub.Subscribe(p, ServerShutDown, m.shutDownChan, pubsub.SubscriptionOptions{IsBlocking: true})
	pubsub.Subscribe(p, RoleChanged, m.roleChan, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(p, StateChanged, m.stateChan, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(p, LeaderElected, m.leaderChan, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(p, MemberFailed, m.failureChan, pubsub.SubscriptionOptions{IsBlocking: false})
	return m
}

// Run consumes events until the server shuts down. It should be executed as a goroutine.
func (m *Monitor) Run() {
	defer close(m.done)
	for {
		select {
		case e := <-m.roleChan:
			m.update(func(s *Status) {
				s.Role = e.Payload.Role
				s.Term = e.Payload.Term
				s.Transitions++
			})
			m.logger.Debug("Role changed", zap.Stringer("role", e.Payload.Role), zap.Uint64("term", e.Payload.Term))
		case e := <-m.stateChan:
			m.update(func(s *Status) { s.State = e.Payload })
		case e := <-m.leaderChan:
			m.update(func(s *Status) {
				s.Leader = e.Payload
				s.Elections++
			})
		case e := <-m.failureChan:
			m.update(func(s *Status) {
				s.Health = e.Payload.Health
				s.Failures = append(s.Failures, e.Payload)
				if len(s.Failures) > maxFailures {
					s.Failures = s.Failures[len(s.Failures)-maxFailures:]
				}
			})
			m.logger.Warn("Member failed", zap.Stringer("health", e.Payload.Health), zap.Error(e.Payload.Err))
		case <-m.shutDownChan:
			return
		}
	}
}

func (m *Monitor) update(fn func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.status)
}

// Status returns a copy of the latest status
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.Failures = append([]Failure(nil), m.status.Failures...)
	return s
}

// Done is closed once Run returned
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}
