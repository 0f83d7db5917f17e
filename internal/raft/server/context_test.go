package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"raftcore/internal/config"
	"raftcore/internal/raft"
	"raftcore/internal/raft/mocks"
	"raftcore/internal/raft/protocol"
	"raftcore/internal/raft/state_machine"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(id string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.ID = id
	cfg.Node.ThreadChecks = true
	cfg.Election.Timeout = 300 * time.Millisecond
	cfg.Partition.HeartbeatInterval = 30 * time.Millisecond
	cfg.Partition.RequestTimeout = 250 * time.Millisecond
	cfg.Partition.MaxQuorumResponseTimeout = time.Second
	cfg.Partition.JoinRetryBackoff = 20 * time.Millisecond
	cfg.Snapshot.Interval = time.Hour
	cfg.Snapshot.CompletionDelay = 0
	cfg.Snapshot.CompactDelay = 0
	return cfg
}

func testRegistry(t *testing.T) *state_machine.Registry {
	registry := state_machine.NewRegistry()
	registry.Register("kv", state_machine.KVFactory(zaptest.NewLogger(t)))
	return registry
}

type testMember struct {
	raft    *RaftContext
	log     *mocks.MockLog
	meta    *mocks.MockMetaStore
	metrics *mocks.MockMetricsCollector
}

func newTestMember(t *testing.T, network *protocol.LocalNetwork, id string, meta *mocks.MockMetaStore,
	tweaks ...func(*config.Config)) *testMember {
	t.Helper()
	if meta == nil {
		meta = mocks.NewMockMetaStore()
	}
	m := &testMember{log: mocks.NewMockLog(), meta: meta, metrics: mocks.NewMockMetricsCollector()}
	stores := Stores{Log: m.log, MetaStore: m.meta, SnapshotStore: mocks.NewMockSnapshotStore()}

	cfg := testConfig(id)
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	c, err := NewRaftContext(cfg, network.Protocol(raft.MemberID(id), m.metrics), stores, testRegistry(t),
		m.metrics, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.raft = c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = c.Close(ctx)
	})
	return m
}

// onRaft runs fn on the raft thread of c and waits for it
func onRaft(t *testing.T, c *RaftContext, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, c.raftThread.Execute(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("raft thread did not run the task")
	}
}

func appendEntries(t *testing.T, log raft.Log, term uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(&raft.Entry{Term: term, Payload: &raft.ApplicationEntry{}})
		require.NoError(t, err)
	}
}

func TestRaftContext_Restore(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	meta := mocks.NewMockMetaStore()
	require.NoError(t, meta.StoreTerm(7))
	require.NoError(t, meta.StoreVote("b"))

	m := newTestMember(t, network, "a", meta)

	assert.Equal(t, uint64(7), m.raft.Term())
	assert.Equal(t, raft.MemberID("b"), m.raft.VotedFor())
	assert.Equal(t, raft.RoleInactive, m.raft.Role())
	assert.Equal(t, raft.StateActive, m.raft.State())
}

func TestRaftContext_SetTerm(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	c := m.raft

	onRaft(t, c, func() {
		c.SetTerm(3)
		require.NoError(t, c.SetLastVotedFor("b"))
		c.SetLeader("b")
	})

	t.Run("ignores older terms", func(t *testing.T) {
		onRaft(t, c, func() { c.SetTerm(2) })
		assert.Equal(t, uint64(3), c.Term())
		assert.Equal(t, raft.MemberID("b"), c.VotedFor())
		assert.Equal(t, raft.MemberID("b"), c.Leader())
	})

	t.Run("newer term clears leader and vote", func(t *testing.T) {
		onRaft(t, c, func() { c.SetTerm(4) })
		assert.Equal(t, uint64(4), c.Term())
		assert.Equal(t, raft.MemberID(""), c.VotedFor())
		assert.Equal(t, raft.MemberID(""), c.Leader())

		term, err := m.meta.LoadTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(4), term)
		vote, err := m.meta.LoadVote()
		require.NoError(t, err)
		assert.Equal(t, raft.MemberID(""), vote)
	})

	t.Run("panics off the raft thread", func(t *testing.T) {
		assert.Panics(t, func() { c.SetTerm(10) })
	})
}

func TestRaftContext_SetLastVotedFor(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	c := m.raft

	var first, again, other error
	onRaft(t, c, func() {
		c.SetTerm(1)
		first = c.SetLastVotedFor("b")
		again = c.SetLastVotedFor("b")
		other = c.SetLastVotedFor("c")
	})

	assert.NoError(t, first)
	assert.NoError(t, again)
	assert.ErrorIs(t, other, raft.ErrIllegalMemberState)
	assert.Equal(t, raft.MemberID("b"), c.VotedFor())

	vote, err := m.meta.LoadVote()
	require.NoError(t, err)
	assert.Equal(t, raft.MemberID("b"), vote)
}

func TestRaftContext_SetCommitIndex(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	c := m.raft
	appendEntries(t, m.log, 1, 3)

	var commits []uint64
	c.AddCommitListener(func(index uint64) { commits = append(commits, index) })

	var clamped, lower uint64
	onRaft(t, c, func() {
		clamped = c.SetCommitIndex(10)
		lower = c.SetCommitIndex(2)
	})

	assert.Equal(t, uint64(3), clamped)
	assert.Equal(t, uint64(3), lower)
	assert.Equal(t, uint64(3), c.CommitIndex())
	assert.Equal(t, uint64(3), m.log.CommitIndex())
	assert.Equal(t, []uint64{3}, commits)

	assert.Eventually(t, func() bool { return c.LastApplied() == 3 }, waitFor, tick)
	assert.Equal(t, uint64(1), c.LastAppliedTerm())
}

func TestRaftContext_Ready(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	c := m.raft
	appendEntries(t, m.log, 1, 5)

	var states []raft.State
	c.AddStateListener(func(state raft.State) { states = append(states, state) })

	onRaft(t, c, func() {
		c.SetFirstCommitIndex(4)
		c.SetFirstCommitIndex(2)
		c.SetCommitIndex(3)
	})
	assert.Equal(t, raft.StateActive, c.State())
	assert.Equal(t, uint64(4), c.getFirstCommitIndex())

	onRaft(t, c, func() { c.SetCommitIndex(4) })
	assert.Equal(t, raft.StateReady, c.State())
	assert.Equal(t, []raft.State{raft.StateReady}, states)

	t.Run("ready future completes immediately once ready", func(t *testing.T) {
		var done bool
		onRaft(t, c, func() { done = c.awaitReady().IsDone() })
		assert.True(t, done)
	})
}

func TestRaftContext_Transition(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	c := m.raft

	var changes []RoleChange
	c.AddRoleListener(func(change RoleChange) { changes = append(changes, change) })

	t.Run("passive", func(t *testing.T) {
		onRaft(t, c, func() { c.transition(raft.RolePassive) })
		assert.Equal(t, raft.RolePassive, c.Role())
		assert.Equal(t, []RoleChange{{Role: raft.RolePassive}}, changes)
	})

	t.Run("same role is a no-op", func(t *testing.T) {
		onRaft(t, c, func() { c.transition(raft.RolePassive) })
		assert.Len(t, changes, 1)
	})

	t.Run("member types map to roles", func(t *testing.T) {
		onRaft(t, c, func() { c.transitionMember(raft.MemberTypePromotable) })
		assert.Equal(t, raft.RolePromotable, c.Role())

		onRaft(t, c, func() { c.transitionMember(raft.MemberTypeInactive) })
		assert.Equal(t, raft.RoleInactive, c.Role())
	})

	t.Run("leader is announced once its initialize entry committed", func(t *testing.T) {
		onRaft(t, c, func() { c.transition(raft.RoleLeader) })

		assert.Eventually(t, func() bool {
			var last RoleChange
			onRaft(t, c, func() { last = changes[len(changes)-1] })
			return last.Role == raft.RoleLeader
		}, waitFor, tick)
		assert.Equal(t, raft.MemberID("a"), c.Leader())
		assert.Equal(t, uint64(1), c.CommitIndex())

		entry, err := m.log.Entry(1)
		require.NoError(t, err)
		assert.Equal(t, raft.EntryInitialize, entry.Type())
	})

	assert.Contains(t, m.metrics.GetRoles(), raft.RoleLeader)
}

func TestRaftContext_Failure(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	c := m.raft

	failures := make(chan Failure, 1)
	c.AddFailureListener(func(f Failure) { failures <- f })
	onRaft(t, c, func() { c.transition(raft.RolePassive) })

	m.meta.StoreTermError = assert.AnError
	c.raftThread.Execute(func() { c.SetTerm(5) })

	select {
	case f := <-failures:
		assert.Equal(t, raft.HealthUnhealthy, f.Health)
		var storageErr *raft.StorageError
		assert.ErrorAs(t, f.Err, &storageErr)
	case <-time.After(waitFor):
		t.Fatal("no failure reported")
	}
	assert.Equal(t, raft.RoleInactive, c.Role())
}

func TestRaftContext_Close(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	c := m.raft

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	assert.True(t, m.log.IsClosed())
	_, err := c.Configuration(context.Background())
	assert.ErrorIs(t, err, raft.ErrClosed)

	_, err = network.Protocol("b", nil).Append(context.Background(), "a", &raft.AppendRequest{})
	assert.ErrorIs(t, err, raft.ErrNoRemoteHandler)
}

func TestRaftContext_ClientRequiresLeader(t *testing.T) {
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	m := newTestMember(t, network, "a", nil)
	ctx := context.Background()

	_, err := m.raft.OpenSession(ctx, "client", "map", "kv", nil, time.Second, 5*time.Second)
	assert.ErrorIs(t, err, raft.ErrNotLeader)
	_, err = m.raft.Command(ctx, 1, 1, []byte("SET a=1"))
	assert.ErrorIs(t, err, raft.ErrNotLeader)
	_, err = m.raft.Query(ctx, 1, 1, []byte("GET a"))
	assert.ErrorIs(t, err, raft.ErrNotLeader)
}
