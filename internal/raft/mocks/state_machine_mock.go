package mocks

import (
	"bytes"
	"sync"

	"raftcore/internal/raft/state_machine"
)

// MockStateMachine is a mock implementation of state_machine.StateMachine for testing. Its state is the list of
// applied operations.
type MockStateMachine struct {
	mu         sync.Mutex
	commits    []state_machine.Commit
	operations [][]byte
	opened     []uint64
	closed     []uint64
	expired    []uint64
	restores   int

	// PublishOperation makes every command with this operation publish its payload to the session
	PublishOperation []byte

	// Error injection for testing
	CommandError error
	QueryError   error
	BackupError  error
	RestoreError error
}

// NewMockStateMachine creates an empty state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{}
}

// Factory returns a factory that always hands out this instance
func (m *MockStateMachine) Factory() state_machine.Factory {
	return func([]byte) (state_machine.StateMachine, error) {
		return m, nil
	}
}

func (m *MockStateMachine) ExecuteCommand(commit *state_machine.Commit) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, *commit)
	if m.CommandError != nil {
		return nil, m.CommandError
	}
	m.operations = append(m.operations, commit.Operation)
	if m.PublishOperation != nil && bytes.Equal(commit.Operation, m.PublishOperation) {
		commit.Session.Publish(commit.Operation)
	}
	return commit.Operation, nil
}

func (m *MockStateMachine) ExecuteQuery(commit *state_machine.Commit) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueryError != nil {
		return nil, m.QueryError
	}
	return bytes.Join(m.operations, []byte(",")), nil
}

func (m *MockStateMachine) Backup() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BackupError != nil {
		return nil, m.BackupError
	}
	return bytes.Join(m.operations, []byte("\n")), nil
}

func (m *MockStateMachine) Restore(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores++
	if m.RestoreError != nil {
		return m.RestoreError
	}
	m.operations = nil
	if len(data) > 0 {
		m.operations = bytes.Split(data, []byte("\n"))
	}
	return nil
}

func (m *MockStateMachine) OnOpen(session state_machine.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, session.ID())
}

func (m *MockStateMachine) OnClose(session state_machine.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, session.ID())
}

func (m *MockStateMachine) OnExpire(session state_machine.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired = append(m.expired, session.ID())
}

// Commits returns every command handed to the state machine, failed ones included
func (m *MockStateMachine) Commits() []state_machine.Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]state_machine.Commit(nil), m.commits...)
}

// Operations returns the operations that make up the state
func (m *MockStateMachine) Operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]string, len(m.operations))
	for i, op := range m.operations {
		ops[i] = string(op)
	}
	return ops
}

// Sessions returns the ids of the opened, closed and expired sessions
func (m *MockStateMachine) Sessions() (opened, closed, expired []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.opened...), append([]uint64(nil), m.closed...), append([]uint64(nil), m.expired...)
}

// Restores returns the number of Restore calls
func (m *MockStateMachine) Restores() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restores
}

var _ state_machine.StateMachine = (*MockStateMachine)(nil)
