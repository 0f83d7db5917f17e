package server

import (
	"math/rand"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
	"raftcore/internal/raft/service"
	"raftcore/internal/raft/storage"
)

const (
	// ServerShutDown event is sent when the server is shutting down. The payload for this event is an empty struct.
	ServerShutDown pubsub.EventType = iota
	// RoleChanged is sent on every role transition with a RoleChange payload. A leader is only announced once its
	// initialize entry committed.
	RoleChanged
	// StateChanged is sent when the member becomes READY or LEFT, the payload is the raft.State
	StateChanged
	// LeaderElected is sent when a new leader is learned, the payload is its raft.MemberID
	LeaderElected
	// MemberFailed is sent when the member stopped participating, the payload is a Failure
	MemberFailed
)

// Stores bundles the persistent state of a member
type Stores struct {
	Log           raft.Log
	MetaStore     raft.MetaStore
	SnapshotStore raft.SnapshotStore
	// Statistics reports free disk space, it may be nil
	Statistics service.DiskStatistics
	// Delete removes the stores from disk once they were closed, it may be nil
	Delete func() error
}

// StoresFromStorage returns the stores of a bbolt storage
func StoresFromStorage(s *storage.Storage) Stores {
	return Stores{
		Log:           s.Log(),
		MetaStore:     s.MetaStore(),
		SnapshotStore: s.SnapshotStore(),
		Statistics:    s.Statistics(),
		Delete:        s.Delete,
	}
}

// Option customizes a RaftContext
type Option func(*RaftContext)

// WithEntryValidator validates application entries before the leader appends them
func WithEntryValidator(validator raft.EntryValidator) Option {
	return func(c *RaftContext) {
		c.validator = validator
	}
}

// WithRandom sets the source of the randomized election timeouts
func WithRandom(random *rand.Rand) Option {
	return func(c *RaftContext) {
		c.random = random
	}
}
