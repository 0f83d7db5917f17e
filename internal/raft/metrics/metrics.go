package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/armon/go-metrics"

	"raftcore/internal/raft"
)

// Metrics collects the metrics of one member. Every measurement is forwarded to a go-metrics sink labelled with
// the member id and also kept locally, so tests and the demo can read counters without a sink.
type Metrics struct {
	sink   *gometrics.Metrics
	labels []gometrics.Label

	mu               sync.RWMutex
	commandLatencies []time.Duration
	electionDuration []time.Duration
	snapshotDuration []time.Duration

	appendEntriesCount atomic.Uint64
	requestVoteCount   atomic.Uint64
	heartbeatCount     atomic.Uint64
	commandsCommitted  atomic.Uint64
	electionCount      atomic.Uint64
	transitionCount    atomic.Uint64
	compactionCount    atomic.Uint64
	compactionFailures atomic.Uint64

	role        atomic.Uint32
	commitIndex atomic.Uint64
	appendIndex atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a collector for member forwarding to sink. A nil sink discards the forwarded measurements.
func NewMetrics(member raft.MemberID, sink gometrics.MetricSink) *Metrics {
	if sink == nil {
		sink = &gometrics.BlackholeSink{}
	}
	conf := gometrics.DefaultConfig("raft")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	conf.EnableServiceLabel = false

	// New only fails when the runtime stats collector cannot start, which is disabled above
	m, _ := gometrics.New(conf, sink)

	return &Metrics{
		sink:             m,
		labels:           []gometrics.Label{{Name: "member", Value: string(member)}},
		commandLatencies: make([]time.Duration, 0, 1024),
		electionDuration: make([]time.Duration, 0, 16),
		startTime:        time.Now(),
	}
}

// RecordRoleTransition records a role change and publishes the role as a gauge
func (m *Metrics) RecordRoleTransition(role raft.Role) {
	m.transitionCount.Add(1)
	m.role.Store(uint32(role))
	m.sink.IncrCounterWithLabels([]string{"role", "transition"}, 1, m.labels)
	m.sink.SetGaugeWithLabels([]string{"role"}, float32(role), m.labels)
}

// RecordElection records a leader election occurrence
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
	m.sink.IncrCounterWithLabels([]string{"election"}, 1, m.labels)
}

// RecordElectionDuration records how long an election took
func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	m.electionDuration = append(m.electionDuration, duration)
	m.mu.Unlock()
	m.sink.AddSampleWithLabels([]string{"election", "latency"}, durationMs(duration), m.labels)
}

// RecordAppendEntries increments the AppendEntries RPC counter
func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
	m.sink.IncrCounterWithLabels([]string{"replication", "append"}, 1, m.labels)
}

// RecordRequestVote increments the RequestVote RPC counter
func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
	m.sink.IncrCounterWithLabels([]string{"election", "vote"}, 1, m.labels)
}

// RecordHeartbeat increments the heartbeat counter
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
	m.sink.IncrCounterWithLabels([]string{"replication", "heartbeat"}, 1, m.labels)
}

func (m *Metrics) RecordCommitIndex(index uint64) {
	m.commitIndex.Store(index)
	m.sink.SetGaugeWithLabels([]string{"replication", "commit_index"}, float32(index), m.labels)
}

func (m *Metrics) RecordAppendIndex(index uint64) {
	m.appendIndex.Store(index)
	m.sink.SetGaugeWithLabels([]string{"replication", "append_index"}, float32(index), m.labels)
}

// RecordCommandLatency records the latency of a single command from submission to application
func (m *Metrics) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	m.commandLatencies = append(m.commandLatencies, latency)
	m.mu.Unlock()
	m.sink.AddSampleWithLabels([]string{"command", "latency"}, durationMs(latency), m.labels)
}

// RecordCommandCommitted increments the count of committed commands
func (m *Metrics) RecordCommandCommitted() {
	m.commandsCommitted.Add(1)
	m.sink.IncrCounterWithLabels([]string{"command", "committed"}, 1, m.labels)
}

func (m *Metrics) RecordSnapshotDuration(duration time.Duration) {
	m.mu.Lock()
	m.snapshotDuration = append(m.snapshotDuration, duration)
	m.mu.Unlock()
	m.sink.AddSampleWithLabels([]string{"snapshot", "latency"}, durationMs(duration), m.labels)
}

// RecordCompaction records a compaction attempt, failed attempts are counted separately
func (m *Metrics) RecordCompaction(duration time.Duration, err error) {
	if err != nil {
		m.compactionFailures.Add(1)
		m.sink.IncrCounterWithLabels([]string{"compaction", "failure"}, 1, m.labels)
		return
	}
	m.compactionCount.Add(1)
	m.sink.AddSampleWithLabels([]string{"compaction", "latency"}, durationMs(duration), m.labels)
}

// Role returns the last recorded role
func (m *Metrics) Role() raft.Role {
	return raft.Role(m.role.Load())
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded command latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	return m.stats(func() []time.Duration { return m.commandLatencies })
}

// GetElectionStats returns statistics about leader elections
func (m *Metrics) GetElectionStats() LatencyStats {
	return m.stats(func() []time.Duration { return m.electionDuration })
}

// GetSnapshotStats returns statistics about snapshot durations
func (m *Metrics) GetSnapshotStats() LatencyStats {
	return m.stats(func() []time.Duration { return m.snapshotDuration })
}

func (m *Metrics) stats(samples func() []time.Duration) LatencyStats {
	m.mu.RLock()
	src := samples()
	durations := make([]time.Duration, len(src))
	copy(durations, src)
	m.mu.RUnlock()

	if len(durations) == 0 {
		return LatencyStats{}
	}

	// Sort for percentile calculation
	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	ms := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a point in time view of the collected metrics
type Report struct {
	Uptime             float64      `json:"uptime_seconds"`
	Role               string       `json:"role"`
	CommitIndex        uint64       `json:"commit_index"`
	AppendIndex        uint64       `json:"append_index"`
	CommandsCommitted  uint64       `json:"commands_committed"`
	CommandLatency     LatencyStats `json:"command_latency"`
	AppendEntriesCount uint64       `json:"append_entries_count"`
	RequestVoteCount   uint64       `json:"request_vote_count"`
	HeartbeatCount     uint64       `json:"heartbeat_count"`
	ElectionCount      uint64       `json:"election_count"`
	ElectionStats      LatencyStats `json:"election_stats"`
	TransitionCount    uint64       `json:"transition_count"`
	SnapshotStats      LatencyStats `json:"snapshot_stats"`
	CompactionCount    uint64       `json:"compaction_count"`
	CompactionFailures uint64       `json:"compaction_failures"`
}

// GetReport generates a report of everything collected so far
func (m *Metrics) GetReport() Report {
	return Report{
		Uptime:             time.Since(m.startTime).Seconds(),
		Role:               m.Role().String(),
		CommitIndex:        m.commitIndex.Load(),
		AppendIndex:        m.appendIndex.Load(),
		CommandsCommitted:  m.commandsCommitted.Load(),
		CommandLatency:     m.GetLatencyStats(),
		AppendEntriesCount: m.appendEntriesCount.Load(),
		RequestVoteCount:   m.requestVoteCount.Load(),
		HeartbeatCount:     m.heartbeatCount.Load(),
		ElectionCount:      m.electionCount.Load(),
		ElectionStats:      m.GetElectionStats(),
		TransitionCount:    m.transitionCount.Load(),
		SnapshotStats:      m.GetSnapshotStats(),
		CompactionCount:    m.compactionCount.Load(),
		CompactionFailures: m.compactionFailures.Load(),
	}
}

func durationMs(d time.Duration) float32 {
	return float32(d.Microseconds()) / 1000.0
}

var _ raft.MetricsCollector = (*Metrics)(nil)
