package state_machine

import (
	"fmt"
	"sort"
	"sync"

	"raftcore/internal/raft"
)

// StateMachine is a replicated service hosted by the service manager, in the spirit of the state machine of
// Section 2 of the [Raft paper](https://raft.github.io/raft.pdf). Every method is called on the service goroutine,
// in log order, with the same input on every member, so implementations need no locking of their own.
type StateMachine interface {
	// ExecuteCommand applies a committed command. It must be deterministic.
	ExecuteCommand(commit *Commit) ([]byte, error)
	// ExecuteQuery reads the state without changing it
	ExecuteQuery(commit *Commit) ([]byte, error)
	// Backup serializes the whole state for a snapshot
	Backup() ([]byte, error)
	// Restore replaces the state with a Backup
	Restore(data []byte) error

	OnOpen(session Session)
	OnClose(session Session)
	OnExpire(session Session)
}

// Session is the view of a client session handed to a StateMachine
type Session interface {
	ID() uint64
	MemberID() raft.MemberID
	// Publish queues an event for the client at the index currently being applied
	Publish(data []byte)
}

// Commit is a single operation handed to a StateMachine. Timestamp is the leader's logical clock at the time the
// entry was appended.
type Commit struct {
	Index     uint64
	Sequence  uint64
	Timestamp int64
	Session   Session
	Operation []byte
}

// Factory creates a StateMachine from its serialized configuration
type Factory func(config []byte) (StateMachine, error)

// Registry maps service types to the factories creating them
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs the factory of serviceType, replacing any previous one
func (r *Registry) Register(serviceType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[serviceType] = factory
}

// New creates a StateMachine of serviceType
func (r *Registry) New(serviceType string, config []byte) (StateMachine, error) {
	r.mu.RLock()
	factory, ok := r.factories[serviceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service type %q: %w", serviceType, raft.ErrUnknownService)
	}
	return factory(config)
}

// Types returns the registered service types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
