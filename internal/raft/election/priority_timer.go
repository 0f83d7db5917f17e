package election

import (
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
)

// PriorityTimer gives members with a higher priority the first chance to become leader. Every member starts
// with the same target priority. On timeout a member only triggers an election when its own priority reaches the
// target, otherwise it lowers the target by one and waits another timeout. A member with priority 3 and a target
// of 5 therefore triggers on its third timeout, unless a leader showed up in the meantime.
type PriorityTimer struct {
	timeout               time.Duration
	scheduler             concurrent.Scheduler
	trigger               func()
	logger                *zap.Logger
	initialTargetPriority int32
	nodePriority          int32

	targetPriority int32
	scheduled      concurrent.Scheduled
}

func NewPriorityTimer(timeout time.Duration, scheduler concurrent.Scheduler, trigger func(), logger *zap.Logger,
	initialTargetPriority, nodePriority int32) *PriorityTimer {
	return &PriorityTimer{
		timeout:               timeout,
		scheduler:             scheduler,
		trigger:               trigger,
		logger:                logger,
		initialTargetPriority: initialTargetPriority,
		nodePriority:          nodePriority,
		targetPriority:        initialTargetPriority,
	}
}

// Reset restores the initial target priority and arms the timer
func (t *PriorityTimer) Reset() {
	t.Cancel()
	t.targetPriority = t.initialTargetPriority
	t.scheduled = t.scheduler.Schedule(t.timeout, t.onTimeout)
}

func (t *PriorityTimer) Cancel() {
	if t.scheduled != nil {
		t.scheduled.Cancel()
		t.scheduled = nil
	}
}

// SetNodePriority changes the member's priority, it applies from the next timeout on
func (t *PriorityTimer) SetNodePriority(priority int32) {
	t.nodePriority = priority
}

// TargetPriority returns the current target priority
func (t *PriorityTimer) TargetPriority() int32 {
	return t.targetPriority
}

func (t *PriorityTimer) onTimeout() {
	t.scheduled = t.scheduler.Schedule(t.timeout, t.onTimeout)
	if t.nodePriority >= t.targetPriority {
		t.logger.Debug("Election timeout expired, triggering election",
			zap.Int32("priority", t.nodePriority), zap.Int32("target", t.targetPriority))
		t.trigger()
		return
	}
	t.targetPriority--
	t.logger.Debug("Election timeout expired, lowering target priority",
		zap.Int32("priority", t.nodePriority), zap.Int32("target", t.targetPriority))
}
