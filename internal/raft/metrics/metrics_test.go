package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("member-1", nil)

	assert.NotNil(t, m)
	assert.NotNil(t, m.sink)
	assert.False(t, m.startTime.IsZero())
	assert.Equal(t, raft.RoleInactive, m.Role())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("member-1", nil)

	m.RecordAppendEntries()
	m.RecordAppendEntries()
	m.RecordRequestVote()
	m.RecordHeartbeat()
	m.RecordElection()
	m.RecordCommandCommitted()
	m.RecordRoleTransition(raft.RoleFollower)
	m.RecordRoleTransition(raft.RoleLeader)

	report := m.GetReport()
	assert.Equal(t, uint64(2), report.AppendEntriesCount)
	assert.Equal(t, uint64(1), report.RequestVoteCount)
	assert.Equal(t, uint64(1), report.HeartbeatCount)
	assert.Equal(t, uint64(1), report.ElectionCount)
	assert.Equal(t, uint64(1), report.CommandsCommitted)
	assert.Equal(t, uint64(2), report.TransitionCount)
	assert.Equal(t, "LEADER", report.Role)
}

func TestMetrics_Indexes(t *testing.T) {
	m := NewMetrics("member-1", nil)

	m.RecordAppendIndex(12)
	m.RecordCommitIndex(10)

	report := m.GetReport()
	assert.Equal(t, uint64(12), report.AppendIndex)
	assert.Equal(t, uint64(10), report.CommitIndex)
}

func TestMetrics_RecordCompaction(t *testing.T) {
	m := NewMetrics("member-1", nil)

	m.RecordCompaction(5*time.Millisecond, nil)
	m.RecordCompaction(0, errors.New("disk gone"))
	m.RecordCompaction(0, errors.New("disk gone"))

	report := m.GetReport()
	assert.Equal(t, uint64(1), report.CompactionCount)
	assert.Equal(t, uint64(2), report.CompactionFailures)
}

func TestMetrics_GetLatencyStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		m := NewMetrics("member-1", nil)
		assert.Equal(t, LatencyStats{}, m.GetLatencyStats())
	})

	t.Run("percentiles", func(t *testing.T) {
		m := NewMetrics("member-1", nil)
		for i := 1; i <= 100; i++ {
			m.RecordCommandLatency(time.Duration(i) * time.Millisecond)
		}

		stats := m.GetLatencyStats()
		assert.Equal(t, 100, stats.Count)
		assert.Equal(t, 1.0, stats.Min)
		assert.Equal(t, 100.0, stats.Max)
		assert.InDelta(t, 50.5, stats.Mean, 0.001)
		assert.InDelta(t, 50.5, stats.P50, 0.001)
		assert.InDelta(t, 95.05, stats.P95, 0.001)
	})

	t.Run("elections and snapshots are tracked separately", func(t *testing.T) {
		m := NewMetrics("member-1", nil)
		m.RecordElectionDuration(20 * time.Millisecond)
		m.RecordSnapshotDuration(40 * time.Millisecond)
		m.RecordSnapshotDuration(60 * time.Millisecond)

		assert.Equal(t, 1, m.GetElectionStats().Count)
		assert.Equal(t, 2, m.GetSnapshotStats().Count)
		assert.InDelta(t, 50.0, m.GetSnapshotStats().Mean, 0.001)
		assert.Equal(t, 0, m.GetLatencyStats().Count)
	})
}

func TestMetrics_ForwardsToSink(t *testing.T) {
	sink := gometrics.NewInmemSink(time.Minute, time.Minute)
	m := NewMetrics("member-1", sink)

	m.RecordAppendEntries()
	m.RecordCommitIndex(3)

	data := sink.Data()
	require.NotEmpty(t, data)
	assert.NotEmpty(t, data[0].Counters)
	assert.NotEmpty(t, data[0].Gauges)
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics("member-1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordCommandLatency(time.Millisecond)
				m.RecordAppendEntries()
				_ = m.GetLatencyStats()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, m.GetLatencyStats().Count)
	assert.Equal(t, uint64(1000), m.GetReport().AppendEntriesCount)
}
