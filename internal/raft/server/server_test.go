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
)

func newTestServer(t *testing.T, network *protocol.LocalNetwork, dir string) *Server {
	t.Helper()
	cfg := testConfig("a")
	cfg.Storage.DataDir = dir
	cfg.Cluster.Members = []config.MemberConfig{{ID: "a"}}

	s, err := NewServer(cfg, network.Protocol("a", nil), testRegistry(t), mocks.NewMockMetricsCollector(),
		zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestServer_StartAndRestart(t *testing.T) {
	dir := t.TempDir()
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	s := newTestServer(t, network, dir)
	require.NoError(t, s.Start(ctx))

	c := s.Context()
	require.Eventually(t, func() bool { return c.Role() == raft.RoleLeader }, waitFor, tick)
	assert.Equal(t, raft.StateReady, c.State())

	session, err := c.OpenSession(ctx, "client", "map", "kv", nil, time.Minute, time.Minute)
	require.NoError(t, err)
	result, err := c.Command(ctx, session, 1, []byte("SET a=1"))
	require.NoError(t, err)
	require.NoError(t, result.Err)

	assert.Eventually(t, func() bool {
		status := s.Monitor().Status()
		return status.Role == raft.RoleLeader && status.Leader == "a" && status.State == raft.StateReady
	}, waitFor, tick)

	term := c.Term()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case <-s.Monitor().Done():
	default:
		t.Fatal("monitor still running after shutdown")
	}

	t.Run("restart recovers the stored state", func(t *testing.T) {
		s := newTestServer(t, network, dir)
		defer func() { assert.NoError(t, s.Shutdown(ctx)) }()
		c := s.Context()
		assert.Equal(t, term, c.Term())

		cfg, err := c.Configuration(ctx)
		require.NoError(t, err)
		_, ok := cfg.Member("a")
		assert.True(t, ok)

		require.NoError(t, s.Start(ctx))
		require.Eventually(t, func() bool { return c.Role() == raft.RoleLeader }, waitFor, tick)
		assert.Greater(t, c.Term(), term)

		result, err := c.Command(ctx, session, 2, []byte("SET a=2"))
		require.NoError(t, err)
		require.NoError(t, result.Err)
		assert.Equal(t, []byte("1"), result.Result)
	})
}

func TestServer_BootstrapMembers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cluster.Members = []config.MemberConfig{
		{ID: "a"},
		{ID: "b", Type: "passive", Priority: 2},
	}

	members, err := bootstrapMembers(cfg)
	require.NoError(t, err)
	assert.Equal(t, []raft.Member{
		{ID: "a", Type: raft.MemberTypeActive},
		{ID: "b", Type: raft.MemberTypePassive, Priority: 2},
	}, members)

	t.Run("unknown member type", func(t *testing.T) {
		cfg.Cluster.Members = []config.MemberConfig{{ID: "a", Type: "observer"}}
		_, err := bootstrapMembers(cfg)
		assert.Error(t, err)
	})
}

func TestServer_OpenFailsOnLockedStorage(t *testing.T) {
	dir := t.TempDir()
	network := protocol.NewLocalNetwork(0, zaptest.NewLogger(t))

	s := newTestServer(t, network, dir)
	defer func() { assert.NoError(t, s.Shutdown(context.Background())) }()

	cfg := testConfig("a")
	cfg.Storage.DataDir = dir
	cfg.Storage.LockTimeout = 50 * time.Millisecond
	_, err := NewServer(cfg, network.Protocol("a", nil), testRegistry(t), nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, raft.ErrStorageLocked)
}
