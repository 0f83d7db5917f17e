package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raftcore/internal/raft"
	"raftcore/internal/raft/mocks"
)

type anyThread struct{}

func (anyThread) CheckThread() {}

func logWithEntries(t *testing.T, n int) *mocks.MockLog {
	log := mocks.NewMockLog()
	for i := 0; i < n; i++ {
		_, err := log.Append(&raft.Entry{Term: 1, Payload: &raft.ApplicationEntry{}})
		require.NoError(t, err)
	}
	return log
}

func TestLogCompactor_Compact(t *testing.T) {
	t.Run("keeps replication threshold entries below the compactable index", func(t *testing.T) {
		log := logWithEntries(t, 120)
		compactor := NewLogCompactor(log, anyThread{}, 20, nil, zap.NewNop())

		compactor.SetCompactableIndex(100)
		compactor.Compact()

		assert.Equal(t, uint64(80), log.FirstIndex())
		assert.Equal(t, uint64(120), log.LastIndex())
	})

	t.Run("does nothing while the compactable index is within the threshold", func(t *testing.T) {
		log := logWithEntries(t, 30)
		compactor := NewLogCompactor(log, anyThread{}, 20, nil, zap.NewNop())

		compactor.SetCompactableIndex(15)
		compactor.Compact()

		assert.Equal(t, uint64(1), log.FirstIndex())
	})

	t.Run("ignoring the threshold compacts to the compactable index", func(t *testing.T) {
		log := logWithEntries(t, 120)
		compactor := NewLogCompactor(log, anyThread{}, 20, nil, zap.NewNop())

		compactor.SetCompactableIndex(100)
		compactor.CompactIgnoringReplicationThreshold()

		assert.Equal(t, uint64(100), log.FirstIndex())
	})

	t.Run("compactable index never decreases", func(t *testing.T) {
		compactor := NewLogCompactor(mocks.NewMockLog(), anyThread{}, 0, nil, zap.NewNop())
		compactor.SetCompactableIndex(50)
		compactor.SetCompactableIndex(10)
		assert.Equal(t, uint64(50), compactor.CompactableIndex())
	})
}

func TestLogCompactor_Failures(t *testing.T) {
	log := logWithEntries(t, 50)
	log.CompactError = errors.New("disk on fire")
	metrics := mocks.NewMockMetricsCollector()
	compactor := NewLogCompactor(log, anyThread{}, 10, metrics, zap.NewNop())

	compactor.SetCompactableIndex(40)
	assert.NotPanics(t, compactor.Compact)

	assert.Equal(t, uint64(1), log.FirstIndex())
	compactions, failures := metrics.GetCompactions()
	assert.Equal(t, 0, compactions)
	assert.Equal(t, 1, failures)
}

type wrongThread struct{}

func (wrongThread) CheckThread() { panic("not running on thread context raft") }

func TestLogCompactor_RequiresRaftThread(t *testing.T) {
	compactor := NewLogCompactor(logWithEntries(t, 10), wrongThread{}, 0, nil, zap.NewNop())
	compactor.SetCompactableIndex(5)

	assert.Panics(t, compactor.Compact)
	assert.Panics(t, compactor.CompactIgnoringReplicationThreshold)
}
