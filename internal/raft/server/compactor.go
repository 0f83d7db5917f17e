package server

import (
	"time"

	"go.uber.org/zap"

	"raftcore/internal/raft"
)

// threadChecker is implemented by concurrent.ThreadContext
type threadChecker interface {
	CheckThread()
}

// LogCompactor removes log entries covered by a completed snapshot. It keeps replicationThreshold entries below
// the compactable index so followers that are slightly behind can still be caught up from the log instead of a
// full snapshot.
type LogCompactor struct {
	log       raft.Log
	thread    threadChecker
	threshold uint64
	metrics   raft.MetricsCollector
	logger    *zap.Logger

	compactableIndex uint64
}

func NewLogCompactor(log raft.Log, thread threadChecker, replicationThreshold uint64, metrics raft.MetricsCollector,
	logger *zap.Logger) *LogCompactor {
	if metrics == nil {
		metrics = raft.NoopMetricsCollector{}
	}
	return &LogCompactor{
		log:       log,
		thread:    thread,
		threshold: replicationThreshold,
		metrics:   metrics,
		logger:    logger.Named("compactor"),
	}
}

// SetCompactableIndex sets the index of the latest completed snapshot
func (c *LogCompactor) SetCompactableIndex(index uint64) {
	if index > c.compactableIndex {
		c.compactableIndex = index
	}
}

// CompactableIndex returns the index of the latest completed snapshot
func (c *LogCompactor) CompactableIndex() uint64 {
	return c.compactableIndex
}

// Compact removes every entry below compactableIndex - replicationThreshold
func (c *LogCompactor) Compact() {
	c.thread.CheckThread()
	if c.compactableIndex <= c.threshold {
		return
	}
	c.compact(c.compactableIndex - c.threshold)
}

// CompactIgnoringReplicationThreshold removes every entry below the compactable index. It is used when the member
// runs out of disk space or memory.
func (c *LogCompactor) CompactIgnoringReplicationThreshold() {
	c.thread.CheckThread()
	c.compact(c.compactableIndex)
}

func (c *LogCompactor) compact(index uint64) {
	if index <= c.log.FirstIndex() {
		return
	}

	start := time.Now()
	err := c.log.Compact(index)
	c.metrics.RecordCompaction(time.Since(start), err)
	if err != nil {
		c.logger.Error("Failed to compact the log", zap.Uint64("index", index), zap.Error(err))
		return
	}
	c.logger.Debug("Compacted the log", zap.Uint64("index", index), zap.Uint64("first_index", c.log.FirstIndex()))
}
