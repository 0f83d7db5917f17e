package concurrent

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduled is a handle to a delayed task
type Scheduled interface {
	// Cancel prevents the task from running. Cancelling twice, or after the task ran, is a no-op.
	Cancel()
}

// Executor runs tasks sequentially
type Executor interface {
	Execute(task func()) bool
}

// Scheduler runs tasks after a delay
type Scheduler interface {
	Executor
	Schedule(delay time.Duration, task func()) Scheduled
}

// ThreadContext runs tasks one at a time on a dedicated goroutine, in submission order. Every piece of state owned
// by a ThreadContext is only touched from tasks it runs, which lets that state be used without locks.
//
// Tasks that panic are recovered, the panic is reported to the uncaught handler and the loop keeps running.
type ThreadContext struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	signal chan struct{}

	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	goid      atomic.Uint64
	uncaught  atomic.Pointer[func(error)]
	closeOnce sync.Once
}

// NewThreadContext creates a ThreadContext and starts its goroutine
func NewThreadContext(name string, logger *zap.Logger) *ThreadContext {
	t := &ThreadContext{
		name:    name,
		logger:  logger.With(zap.String("thread", name)),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.run()
	return t
}

// Name returns the name of the context
func (t *ThreadContext) Name() string {
	return t.name
}

// SetUncaughtHandler installs the function called with the error of a task that panicked
func (t *ThreadContext) SetUncaughtHandler(handler func(error)) {
	t.uncaught.Store(&handler)
}

// Execute enqueues task. It returns false if the context is closed and the task was dropped.
func (t *ThreadContext) Execute(task func()) bool {
	if t.closed.Load() {
		return false
	}
	t.mu.Lock()
	t.queue = append(t.queue, task)
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
	return true
}

// Schedule runs task on the context after delay
func (t *ThreadContext) Schedule(delay time.Duration, task func()) Scheduled {
	s := &scheduledTask{}
	s.timer = time.AfterFunc(delay, func() {
		t.Execute(func() {
			if !s.cancelled.Load() {
				task()
			}
		})
	})
	return s
}

// ScheduleAtFixedRate runs task on the context after initial and then every interval until cancelled
func (t *ThreadContext) ScheduleAtFixedRate(initial, interval time.Duration, task func()) Scheduled {
	s := &periodicTask{}
	var tick func()
	tick = func() {
		t.Execute(func() {
			if s.cancelled.Load() {
				return
			}
			task()
		})
		s.mu.Lock()
		if !s.cancelled.Load() {
			s.timer = time.AfterFunc(interval, tick)
		}
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.timer = time.AfterFunc(initial, tick)
	s.mu.Unlock()
	return s
}

// threadChecks enables CheckThread. Reading the id of the calling goroutine walks its stack, so the checks are
// off unless a member is configured to debug thread confinement.
var threadChecks atomic.Bool

// SetThreadChecks turns the CheckThread assertions of every ThreadContext on or off
func SetThreadChecks(enabled bool) {
	threadChecks.Store(enabled)
}

// ThreadChecks reports whether CheckThread asserts
func ThreadChecks() bool {
	return threadChecks.Load()
}

// IsCurrent reports whether the caller runs on the context's goroutine
func (t *ThreadContext) IsCurrent() bool {
	return t.goid.Load() == goroutineID()
}

// CheckThread panics when called from outside the context's goroutine while thread checks are enabled. State
// confined to the context must never be mutated from anywhere else.
func (t *ThreadContext) CheckThread() {
	if threadChecks.Load() && !t.IsCurrent() {
		panic(fmt.Sprintf("not running on thread context %s", t.name))
	}
}

// IsClosed reports whether Close has been called
func (t *ThreadContext) IsClosed() bool {
	return t.closed.Load()
}

// Close stops the goroutine. Queued tasks that did not run yet are dropped. When called from outside the context
// Close waits for the running task to finish.
func (t *ThreadContext) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	if !t.IsCurrent() {
		<-t.stopped
	}
}

func (t *ThreadContext) run() {
	t.goid.Store(goroutineID())
	defer close(t.stopped)

	for {
		select {
		case <-t.done:
			return
		case <-t.signal:
		}

		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			task := t.queue[0]
			t.queue[0] = nil
			t.queue = t.queue[1:]
			t.mu.Unlock()

			if t.closed.Load() {
				return
			}
			t.runTask(task)
		}
	}
}

func (t *ThreadContext) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			var err error
			if e, ok := r.(error); ok {
				err = fmt.Errorf("uncaught panic on %s: %w", t.name, e)
			} else {
				err = fmt.Errorf("uncaught panic on %s: %v", t.name, r)
			}
			t.logger.Error("Task panicked", zap.Error(err), zap.ByteString("stack", debug.Stack()))
			if handler := t.uncaught.Load(); handler != nil {
				(*handler)(err)
			}
		}
	}()
	task()
}

type scheduledTask struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (s *scheduledTask) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.timer.Stop()
	}
}

type periodicTask struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled atomic.Bool
}

func (p *periodicTask) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled.CompareAndSwap(false, true) && p.timer != nil {
		p.timer.Stop()
	}
}
