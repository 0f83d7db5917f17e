// Package election implements the election timers used by followers and candidates.
package election

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"raftcore/internal/concurrent"
)

// Timer triggers an election when the member has not heard from a leader for a while. Timers run on the raft
// thread context: Reset, Cancel and the trigger are never called concurrently.
type Timer interface {
	// Reset cancels the pending timeout and arms the timer again
	Reset()
	// Cancel stops the timer. It is a no-op when the timer is not armed.
	Cancel()
}

// RandomizedTimer picks a timeout in [electionTimeout, 2*electionTimeout) on every reset, so members that lost
// their leader at the same time do not all start competing elections (Section 5.2 of the Raft paper). After it
// fires it re-arms with the bare electionTimeout until it is reset or cancelled.
type RandomizedTimer struct {
	timeout   time.Duration
	scheduler concurrent.Scheduler
	random    *rand.Rand
	trigger   func()
	logger    *zap.Logger

	scheduled concurrent.Scheduled
}

func NewRandomizedTimer(timeout time.Duration, scheduler concurrent.Scheduler, random *rand.Rand, trigger func(),
	logger *zap.Logger) *RandomizedTimer {
	return &RandomizedTimer{
		timeout:   timeout,
		scheduler: scheduler,
		random:    random,
		trigger:   trigger,
		logger:    logger,
	}
}

func (t *RandomizedTimer) Reset() {
	t.Cancel()
	delay := t.timeout + time.Duration(t.random.Int63n(int64(t.timeout)))
	t.scheduled = t.scheduler.Schedule(delay, t.onTimeout)
}

func (t *RandomizedTimer) Cancel() {
	if t.scheduled != nil {
		t.scheduled.Cancel()
		t.scheduled = nil
	}
}

func (t *RandomizedTimer) onTimeout() {
	t.logger.Debug("Election timeout expired", zap.Duration("timeout", t.timeout))
	t.scheduled = t.scheduler.Schedule(t.timeout, t.onTimeout)
	t.trigger()
}
