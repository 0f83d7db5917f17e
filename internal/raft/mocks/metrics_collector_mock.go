package mocks

import (
	"sync"
	"time"

	"raftcore/internal/raft"
)

// MockMetricsCollector is a mock implementation of raft.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                     sync.RWMutex
	Roles                  []raft.Role
	CommandLatencies       []time.Duration
	CommandsCommittedCount int
	AppendEntriesCount     int
	RequestVoteCount       int
	HeartbeatCount         int
	ElectionCount          int
	ElectionDurations      []time.Duration
	SnapshotDurations      []time.Duration
	CommitIndex            uint64
	AppendIndex            uint64
	Compactions            int
	CompactionFailures     int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{}
}

func (m *MockMetricsCollector) RecordRoleTransition(role raft.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Roles = append(m.Roles, role)
}

func (m *MockMetricsCollector) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandLatencies = append(m.CommandLatencies, latency)
}

func (m *MockMetricsCollector) RecordCommandCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsCommittedCount++
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

func (m *MockMetricsCollector) RecordCommitIndex(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitIndex = index
}

func (m *MockMetricsCollector) RecordAppendIndex(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendIndex = index
}

func (m *MockMetricsCollector) RecordSnapshotDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotDurations = append(m.SnapshotDurations, duration)
}

func (m *MockMetricsCollector) RecordCompaction(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.CompactionFailures++
		return
	}
	m.Compactions++
}

// GetRoles returns a copy of the recorded role transitions
func (m *MockMetricsCollector) GetRoles() []raft.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]raft.Role(nil), m.Roles...)
}

// GetCompactions returns the number of successful and failed compactions
func (m *MockMetricsCollector) GetCompactions() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Compactions, m.CompactionFailures
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Roles = nil
	m.CommandLatencies = nil
	m.CommandsCommittedCount = 0
	m.AppendEntriesCount = 0
	m.RequestVoteCount = 0
	m.HeartbeatCount = 0
	m.ElectionCount = 0
	m.ElectionDurations = nil
	m.SnapshotDurations = nil
	m.CommitIndex = 0
	m.AppendIndex = 0
	m.Compactions = 0
	m.CompactionFailures = 0
}

var _ raft.MetricsCollector = (*MockMetricsCollector)(nil)
