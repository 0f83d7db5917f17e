package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Node.ID)
	assert.Equal(t, 10*time.Second, cfg.Snapshot.Interval)
	assert.Equal(t, 10*time.Second, cfg.Snapshot.CompletionDelay)
	assert.Equal(t, 10*time.Second, cfg.Snapshot.CompactDelay)
	assert.Less(t, cfg.Partition.HeartbeatInterval, cfg.Election.Timeout)

	t.Run("member ids are unique", func(t *testing.T) {
		assert.NotEqual(t, cfg.Node.ID, DefaultConfig().Node.ID)
	})
}

func TestParseConfig(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		data := []byte(`
node:
  id: member-1
  priority: 5
cluster:
  members:
    - id: member-1
      type: ACTIVE
      priority: 5
    - id: member-2
      type: PASSIVE
election:
  timeout: 500ms
  priorityElection: true
  initialTargetPriority: 5
partition:
  heartbeatInterval: 50ms
  maxAppendsPerFollower: 4
storage:
  replicationThreshold: 20
`)
		cfg, err := ParseConfig(data)
		require.NoError(t, err)

		assert.Equal(t, "member-1", cfg.Node.ID)
		assert.Equal(t, int32(5), cfg.Node.Priority)
		require.Len(t, cfg.Cluster.Members, 2)
		assert.Equal(t, "PASSIVE", cfg.Cluster.Members[1].Type)
		assert.Equal(t, 500*time.Millisecond, cfg.Election.Timeout)
		assert.True(t, cfg.Election.PriorityElection)
		assert.Equal(t, 50*time.Millisecond, cfg.Partition.HeartbeatInterval)
		assert.Equal(t, 4, cfg.Partition.MaxAppendsPerFollower)
		assert.Equal(t, uint64(20), cfg.Storage.ReplicationThreshold)

		// untouched sections keep their defaults
		assert.Equal(t, 256, cfg.Partition.MaxAppendBatchSize)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("substitutes environment variables", func(t *testing.T) {
		t.Setenv("RAFT_MEMBER_ID", "from-env")

		cfg, err := ParseConfig([]byte("node:\n  id: ${RAFT_MEMBER_ID}\n"))
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Node.ID)
	})

	t.Run("rejects invalid yaml", func(t *testing.T) {
		_, err := ParseConfig([]byte("node: [unterminated"))
		assert.Error(t, err)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		data := []byte(`
election:
  timeout: 100ms
partition:
  heartbeatInterval: 200ms
cluster:
  members:
    - id: a
      type: VOTER
    - id: a
`)
		_, err := ParseConfig(data)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Contains(t, err.Error(), "heartbeatInterval")
		assert.Contains(t, err.Error(), "VOTER")
		assert.Contains(t, err.Error(), "duplicated")
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "raft.yaml")
		require.NoError(t, os.WriteFile(path, []byte("node:\n  id: file-member\n"), 0600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "file-member", cfg.Node.ID)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
