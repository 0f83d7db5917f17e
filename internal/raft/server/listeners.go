package server

import (
	"sync"

	"raftcore/internal/raft"
)

// ListenerID identifies a registered listener, it is required to remove it
type ListenerID uint64

// RoleChange is passed to role listeners
type RoleChange struct {
	Role raft.Role
	Term uint64
}

// Failure is passed to failure listeners
type Failure struct {
	Health raft.Health
	Err    error
}

type listener[T any] struct {
	id ListenerID
	fn func(T)
}

// listenerSet is an ordered set of callbacks. Listeners are called in registration order, outside the lock, so a
// listener may add or remove listeners.
type listenerSet[T any] struct {
	mu        sync.Mutex
	nextID    ListenerID
	listeners []listener[T]
}

func (s *listenerSet[T]) add(fn func(T)) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners = append(s.listeners, listener[T]{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *listenerSet[T]) remove(id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet[T]) notify(value T) {
	s.mu.Lock()
	listeners := append([]listener[T](nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.fn(value)
	}
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// listeners groups the observer registries of one member
type listeners struct {
	roles    listenerSet[RoleChange]
	states   listenerSet[raft.State]
	election listenerSet[raft.MemberID]
	commits  listenerSet[uint64]
	failures listenerSet[Failure]
}
