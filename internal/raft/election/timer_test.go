package election

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raftcore/internal/concurrent"
)

// manualScheduler records scheduled tasks and runs them when the test fires them
type manualScheduler struct {
	tasks []*manualTask
}

type manualTask struct {
	delay     time.Duration
	task      func()
	cancelled bool
	ran       bool
}

func (t *manualTask) Cancel() { t.cancelled = true }

func (s *manualScheduler) Execute(task func()) bool {
	task()
	return true
}

func (s *manualScheduler) Schedule(delay time.Duration, task func()) concurrent.Scheduled {
	t := &manualTask{delay: delay, task: task}
	s.tasks = append(s.tasks, t)
	return t
}

// pending returns the armed tasks
func (s *manualScheduler) pending() []*manualTask {
	var pending []*manualTask
	for _, t := range s.tasks {
		if !t.cancelled && !t.ran {
			pending = append(pending, t)
		}
	}
	return pending
}

// fire runs the single armed task
func (s *manualScheduler) fire(t *testing.T) *manualTask {
	t.Helper()
	pending := s.pending()
	require.Len(t, pending, 1)
	pending[0].ran = true
	pending[0].task()
	return pending[0]
}

func TestRandomizedTimer(t *testing.T) {
	const timeout = 100 * time.Millisecond

	t.Run("reset arms a randomized delay", func(t *testing.T) {
		s := &manualScheduler{}
		timer := NewRandomizedTimer(timeout, s, rand.New(rand.NewSource(1)), func() {}, zap.NewNop())

		for i := 0; i < 20; i++ {
			timer.Reset()
		}
		pending := s.pending()
		require.Len(t, pending, 1)
		for _, task := range s.tasks {
			assert.GreaterOrEqual(t, task.delay, timeout)
			assert.Less(t, task.delay, 2*timeout)
		}
	})

	t.Run("fire re-arms the bare timeout and triggers", func(t *testing.T) {
		s := &manualScheduler{}
		triggered := 0
		timer := NewRandomizedTimer(timeout, s, rand.New(rand.NewSource(1)), func() { triggered++ }, zap.NewNop())

		timer.Reset()
		s.fire(t)
		assert.Equal(t, 1, triggered)

		pending := s.pending()
		require.Len(t, pending, 1)
		assert.Equal(t, timeout, pending[0].delay)

		s.fire(t)
		assert.Equal(t, 2, triggered)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		s := &manualScheduler{}
		timer := NewRandomizedTimer(timeout, s, rand.New(rand.NewSource(1)), func() {}, zap.NewNop())

		timer.Cancel()
		timer.Reset()
		timer.Cancel()
		timer.Cancel()
		assert.Empty(t, s.pending())

		timer.Reset()
		assert.Len(t, s.pending(), 1)
	})
}

func TestPriorityTimer(t *testing.T) {
	const timeout = 100 * time.Millisecond

	t.Run("highest priority triggers on the first timeout", func(t *testing.T) {
		s := &manualScheduler{}
		triggered := 0
		timer := NewPriorityTimer(timeout, s, func() { triggered++ }, zap.NewNop(), 5, 5)

		timer.Reset()
		s.fire(t)
		assert.Equal(t, 1, triggered)
	})

	t.Run("lower priority waits for the target to decrease", func(t *testing.T) {
		s := &manualScheduler{}
		triggered := 0
		timer := NewPriorityTimer(timeout, s, func() { triggered++ }, zap.NewNop(), 5, 3)

		timer.Reset()
		s.fire(t)
		assert.Equal(t, 0, triggered)
		assert.Equal(t, int32(4), timer.TargetPriority())

		s.fire(t)
		assert.Equal(t, 0, triggered)
		assert.Equal(t, int32(3), timer.TargetPriority())

		s.fire(t)
		assert.Equal(t, 1, triggered)
	})

	t.Run("reset restores the initial target", func(t *testing.T) {
		s := &manualScheduler{}
		timer := NewPriorityTimer(timeout, s, func() {}, zap.NewNop(), 5, 1)

		timer.Reset()
		s.fire(t)
		s.fire(t)
		assert.Equal(t, int32(3), timer.TargetPriority())

		timer.Reset()
		assert.Equal(t, int32(5), timer.TargetPriority())
		assert.Len(t, s.pending(), 1)
	})

	t.Run("priority change applies on the next timeout", func(t *testing.T) {
		s := &manualScheduler{}
		triggered := 0
		timer := NewPriorityTimer(timeout, s, func() { triggered++ }, zap.NewNop(), 5, 1)

		timer.Reset()
		timer.SetNodePriority(5)
		s.fire(t)
		assert.Equal(t, 1, triggered)
	})

	t.Run("cancel is idempotent and re-armable", func(t *testing.T) {
		s := &manualScheduler{}
		timer := NewPriorityTimer(timeout, s, func() {}, zap.NewNop(), 1, 1)

		timer.Cancel()
		timer.Reset()
		timer.Cancel()
		timer.Cancel()
		assert.Empty(t, s.pending())

		timer.Reset()
		s.fire(t)
		assert.Len(t, s.pending(), 1)
	})
}

func TestTimersOnThreadContext(t *testing.T) {
	tc := concurrent.NewThreadContext("raft", zap.NewNop())
	defer tc.Close()

	triggered := make(chan bool, 10)
	var timer *RandomizedTimer
	timer = NewRandomizedTimer(10*time.Millisecond, tc, rand.New(rand.NewSource(7)), func() {
		triggered <- tc.IsCurrent()
	}, zap.NewNop())

	tc.Execute(timer.Reset)

	select {
	case onThread := <-triggered:
		assert.True(t, onThread)
	case <-time.After(time.Second):
		t.Fatal("election was not triggered")
	}
	tc.Execute(timer.Cancel)
}
