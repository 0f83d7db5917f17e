package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"raftcore/internal/raft"
	"raftcore/internal/raft/protocol"
)

func TestQuorum(t *testing.T) {
	t.Run("single voter succeeds at once", func(t *testing.T) {
		var results []bool
		newQuorum(1, func(ok bool) { results = append(results, ok) })
		assert.Equal(t, []bool{true}, results)
	})

	t.Run("majority succeeds once", func(t *testing.T) {
		var results []bool
		q := newQuorum(3, func(ok bool) { results = append(results, ok) })
		assert.Empty(t, results)
		q.succeed()
		q.succeed()
		q.fail()
		assert.Equal(t, []bool{true}, results)
	})

	t.Run("fails once a majority is out of reach", func(t *testing.T) {
		var results []bool
		q := newQuorum(4, func(ok bool) { results = append(results, ok) })
		q.succeed()
		q.fail()
		assert.Empty(t, results)
		q.fail()
		assert.Equal(t, []bool{false}, results)
	})
}

// leaderLog records the leader announced in every term
type leaderLog struct {
	mu        sync.Mutex
	leaders   map[uint64]raft.MemberID
	conflicts []string
}

func (l *leaderLog) record(member raft.MemberID, change RoleChange) {
	if change.Role != raft.RoleLeader {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.leaders[change.Term]; ok && existing != member {
		l.conflicts = append(l.conflicts, string(existing)+" and "+string(member))
	}
	l.leaders[change.Term] = member
}

type testCluster struct {
	network *protocol.LocalNetwork
	members map[raft.MemberID]*testMember
	ids     []raft.MemberID
	leaders *leaderLog
}

// newTestCluster bootstraps ACTIVE members ids and waits until all of them are READY
func newTestCluster(t *testing.T, ids ...raft.MemberID) *testCluster {
	t.Helper()
	c := &testCluster{
		network: protocol.NewLocalNetwork(0, zaptest.NewLogger(t)),
		members: make(map[raft.MemberID]*testMember),
		ids:     ids,
		leaders: &leaderLog{leaders: make(map[uint64]raft.MemberID)},
	}
	var config []raft.Member
	for _, id := range ids {
		config = append(config, raft.Member{ID: id, Type: raft.MemberTypeActive})
	}
	for _, id := range ids {
		c.add(t, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, id := range ids {
		_, err := c.members[id].raft.Bootstrap(config).Get(ctx)
		require.NoError(t, err, "bootstrap %s", id)
	}
	return c
}

func (c *testCluster) add(t *testing.T, id raft.MemberID) *testMember {
	m := newTestMember(t, c.network, string(id), nil)
	m.raft.AddRoleListener(func(change RoleChange) { c.leaders.record(id, change) })
	c.members[id] = m
	return m
}

// leader waits for a member other than the excluded ones to lead the cluster
func (c *testCluster) leader(t *testing.T, exclude ...raft.MemberID) *RaftContext {
	t.Helper()
	var leader *RaftContext
	require.Eventually(t, func() bool {
		for _, id := range c.ids {
			if contains(exclude, id) {
				continue
			}
			m := c.members[id].raft
			if m.Role() == raft.RoleLeader && m.Leader() == id {
				leader = m
				return true
			}
		}
		return false
	}, waitFor, tick)
	return leader
}

func (c *testCluster) assertSingleLeaderPerTerm(t *testing.T) {
	c.leaders.mu.Lock()
	defer c.leaders.mu.Unlock()
	assert.Empty(t, c.leaders.conflicts)
}

func contains(ids []raft.MemberID, id raft.MemberID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func TestCluster_Bootstrap(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.leader(t)

	for _, id := range c.ids {
		m := c.members[id].raft
		assert.Equal(t, raft.StateReady, m.State(), "member %s", id)
		assert.Eventually(t, func() bool { return m.Leader() == leader.ID() }, waitFor, tick)

		cfg, err := m.Configuration(context.Background())
		require.NoError(t, err)
		assert.Len(t, cfg.Members, 3)
	}
	c.assertSingleLeaderPerTerm(t)
}

func TestCluster_Client(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.leader(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	session, err := leader.OpenSession(ctx, "client", "map", "kv", nil, time.Second, 10*time.Second)
	require.NoError(t, err)
	assert.NotZero(t, session)

	t.Run("commands are applied in order", func(t *testing.T) {
		result, err := leader.Command(ctx, session, 1, []byte("SET a=1"))
		require.NoError(t, err)
		require.NoError(t, result.Err)
		assert.Empty(t, result.Result)

		result, err = leader.Command(ctx, session, 2, []byte("SET a=2"))
		require.NoError(t, err)
		require.NoError(t, result.Err)
		assert.Equal(t, []byte("1"), result.Result)
	})

	t.Run("queries read committed state", func(t *testing.T) {
		result, err := leader.Query(ctx, session, 2, []byte("GET a"))
		require.NoError(t, err)
		require.NoError(t, result.Err)
		assert.Equal(t, []byte("2"), result.Result)
	})

	t.Run("application errors are returned in the result", func(t *testing.T) {
		result, err := leader.Command(ctx, session, 3, []byte("INCR a"))
		require.NoError(t, err)
		assert.Error(t, result.Err)
	})

	t.Run("metadata lists the session", func(t *testing.T) {
		sessions, err := leader.Metadata(ctx, 0)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, session, sessions[0].ID)
		assert.Equal(t, "map", sessions[0].ServiceName)
		assert.Equal(t, "kv", sessions[0].ServiceType)
	})

	t.Run("keep alive and close", func(t *testing.T) {
		_, err := leader.KeepAlive(ctx, []uint64{session}, []uint64{3}, []uint64{0})
		require.NoError(t, err)

		require.NoError(t, leader.CloseSession(ctx, session, false))
		sessions, err := leader.Metadata(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("application entries", func(t *testing.T) {
		index, err := leader.Append(ctx, []byte("payload"))
		require.NoError(t, err)
		assert.Greater(t, index, session)
	})

	t.Run("every member applies the log", func(t *testing.T) {
		commitIndex := leader.CommitIndex()
		for _, id := range c.ids {
			m := c.members[id].raft
			assert.Eventually(t, func() bool { return m.LastApplied() >= commitIndex }, waitFor, tick, "member %s", id)
		}
	})

	t.Run("followers refuse client operations", func(t *testing.T) {
		for _, id := range c.ids {
			if id == leader.ID() {
				continue
			}
			_, err := c.members[id].raft.Command(ctx, session, 4, []byte("SET b=1"))
			assert.ErrorIs(t, err, raft.ErrNotLeader)
		}
	})
}

func TestCluster_LeaderFailure(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	old := c.leader(t)
	term := old.Term()

	c.network.Isolate(old.ID())
	leader := c.leader(t, old.ID())
	assert.Greater(t, leader.Term(), term)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	session, err := leader.OpenSession(ctx, "client", "map", "kv", nil, time.Second, 10*time.Second)
	require.NoError(t, err)
	_, err = leader.Command(ctx, session, 1, []byte("SET k=v"))
	require.NoError(t, err)

	t.Run("isolated leader rejoins as a follower", func(t *testing.T) {
		c.network.Heal()
		assert.Eventually(t, func() bool {
			return old.Role() == raft.RoleFollower && old.Leader() == leader.ID()
		}, waitFor, tick)
		commitIndex := leader.CommitIndex()
		assert.Eventually(t, func() bool { return old.LastApplied() >= commitIndex }, waitFor, tick)
	})

	c.assertSingleLeaderPerTerm(t)
}

func TestCluster_Anoint(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.leader(t)

	var target *RaftContext
	for _, id := range c.ids {
		if id != leader.ID() {
			target = c.members[id].raft
			break
		}
	}

	var notified atomic.Bool
	target.AddRoleListener(func(change RoleChange) {
		if change.Role == raft.RoleLeader {
			notified.Store(true)
		}
	})

	// a concurrent election may win the transferred term, the member then tries again
	assert.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return target.Anoint(ctx) == nil
	}, waitFor, tick)
	var serving bool
	onRaft(t, target, func() {
		leading, ok := target.current.(*leaderRole)
		serving = ok && !leading.initializing
	})
	assert.True(t, serving, "returns once the initialize entry committed")
	assert.True(t, notified.Load())
	assert.Equal(t, target.ID(), c.leader(t).ID())
	c.assertSingleLeaderPerTerm(t)

	t.Run("serving leader returns at once", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, c.leader(t).Anoint(ctx))
	})
}

func TestCluster_JoinAndLeave(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.leader(t)
	d := c.add(t, "d")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := d.raft.Join(c.ids).Get(ctx)
	require.NoError(t, err)

	cfg, err := leader.Configuration(ctx)
	require.NoError(t, err)
	member, ok := cfg.Member("d")
	require.True(t, ok)
	assert.Equal(t, raft.MemberTypeActive, member.Type)
	assert.Equal(t, raft.StateReady, d.raft.State())
	assert.Eventually(t, func() bool { return d.raft.Role() == raft.RoleFollower }, waitFor, tick)

	t.Run("leave", func(t *testing.T) {
		require.NoError(t, d.raft.Leave(ctx))
		assert.Equal(t, raft.StateLeft, d.raft.State())
		assert.Equal(t, raft.RoleInactive, d.raft.Role())

		assert.Eventually(t, func() bool {
			cfg, err := leader.Configuration(ctx)
			if err != nil {
				return false
			}
			_, ok := cfg.Member("d")
			return !ok
		}, waitFor, tick)
	})
}
