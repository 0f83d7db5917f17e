package raft

import "time"

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordRoleTransition(role Role)
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordCommitIndex(index uint64)
	RecordAppendIndex(index uint64)
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordSnapshotDuration(duration time.Duration)
	RecordCompaction(duration time.Duration, err error)
}

// NoopMetricsCollector discards every measurement
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRoleTransition(Role)             {}
func (NoopMetricsCollector) RecordElection()                       {}
func (NoopMetricsCollector) RecordElectionDuration(time.Duration)  {}
func (NoopMetricsCollector) RecordAppendEntries()                  {}
func (NoopMetricsCollector) RecordRequestVote()                    {}
func (NoopMetricsCollector) RecordHeartbeat()                      {}
func (NoopMetricsCollector) RecordCommitIndex(uint64)              {}
func (NoopMetricsCollector) RecordAppendIndex(uint64)              {}
func (NoopMetricsCollector) RecordCommandLatency(time.Duration)    {}
func (NoopMetricsCollector) RecordCommandCommitted()               {}
func (NoopMetricsCollector) RecordSnapshotDuration(time.Duration)  {}
func (NoopMetricsCollector) RecordCompaction(time.Duration, error) {}
