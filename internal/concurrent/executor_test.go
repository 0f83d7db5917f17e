package concurrent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestContext(t *testing.T) *ThreadContext {
	t.Helper()
	SetThreadChecks(true)
	tc := NewThreadContext("test", zap.NewNop())
	t.Cleanup(tc.Close)
	return tc
}

func TestThreadContext_Execute(t *testing.T) {
	t.Run("runs tasks in submission order", func(t *testing.T) {
		tc := newTestContext(t)

		var mu sync.Mutex
		var order []int
		done := make(chan struct{})
		for i := 0; i < 100; i++ {
			i := i
			tc.Execute(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				if i == 99 {
					close(done)
				}
			})
		}

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("tasks did not run")
		}
		for i, v := range order {
			assert.Equal(t, i, v)
		}
	})

	t.Run("tasks can enqueue more tasks", func(t *testing.T) {
		tc := newTestContext(t)

		done := make(chan struct{})
		tc.Execute(func() {
			tc.Execute(func() { close(done) })
		})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("nested task did not run")
		}
	})

	t.Run("drops tasks after close", func(t *testing.T) {
		tc := NewThreadContext("closed", zap.NewNop())
		tc.Close()

		assert.False(t, tc.Execute(func() {}))
		assert.True(t, tc.IsClosed())
	})
}

func TestThreadContext_CheckThread(t *testing.T) {
	tc := newTestContext(t)

	t.Run("panics off thread", func(t *testing.T) {
		assert.Panics(t, tc.CheckThread)
		assert.False(t, tc.IsCurrent())
	})

	t.Run("passes on thread", func(t *testing.T) {
		result := make(chan bool, 1)
		tc.Execute(func() {
			tc.CheckThread()
			result <- tc.IsCurrent()
		})
		assert.True(t, <-result)
	})

	t.Run("disabled checks never inspect the caller", func(t *testing.T) {
		SetThreadChecks(false)
		t.Cleanup(func() { SetThreadChecks(true) })

		assert.False(t, ThreadChecks())
		assert.NotPanics(t, tc.CheckThread)
		assert.False(t, tc.IsCurrent())
	})

	t.Run("executor goroutine is resolved once", func(t *testing.T) {
		id := tc.goid.Load()
		require.NotZero(t, id)
		for i := 0; i < 3; i++ {
			done := make(chan struct{})
			tc.Execute(func() { close(done) })
			<-done
		}
		assert.Equal(t, id, tc.goid.Load())
	})
}

func TestThreadContext_UncaughtHandler(t *testing.T) {
	tc := newTestContext(t)

	errs := make(chan error, 1)
	tc.SetUncaughtHandler(func(err error) { errs <- err })

	tc.Execute(func() { panic("boom") })

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("uncaught handler not called")
	}

	// The loop keeps running after a panic
	done := make(chan struct{})
	tc.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
}

func TestThreadContext_Schedule(t *testing.T) {
	t.Run("runs after delay", func(t *testing.T) {
		tc := newTestContext(t)

		ran := make(chan bool, 1)
		tc.Schedule(10*time.Millisecond, func() { ran <- tc.IsCurrent() })

		select {
		case onThread := <-ran:
			assert.True(t, onThread)
		case <-time.After(time.Second):
			t.Fatal("scheduled task did not run")
		}
	})

	t.Run("cancel is idempotent and prevents the run", func(t *testing.T) {
		tc := newTestContext(t)

		var ran atomic.Bool
		s := tc.Schedule(20*time.Millisecond, func() { ran.Store(true) })
		s.Cancel()
		s.Cancel()

		time.Sleep(50 * time.Millisecond)
		assert.False(t, ran.Load())
	})

	t.Run("fixed rate repeats until cancelled", func(t *testing.T) {
		tc := newTestContext(t)

		var count atomic.Int32
		s := tc.ScheduleAtFixedRate(time.Millisecond, 5*time.Millisecond, func() { count.Add(1) })

		assert.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
		s.Cancel()
		stopped := count.Load()
		time.Sleep(30 * time.Millisecond)
		assert.LessOrEqual(t, count.Load(), stopped+1)
	})
}

func TestFuture(t *testing.T) {
	t.Run("completes once", func(t *testing.T) {
		f := NewFuture[int]()
		assert.True(t, f.Complete(1))
		assert.False(t, f.Complete(2))
		assert.False(t, f.Fail(errors.New("late")))

		v, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("runs callbacks registered before and after completion", func(t *testing.T) {
		f := NewFuture[string]()
		var results []string
		f.OnComplete(func(v string, err error) { results = append(results, "before:"+v) })
		f.Complete("x")
		f.OnComplete(func(v string, err error) { results = append(results, "after:"+v) })

		assert.Equal(t, []string{"before:x", "after:x"}, results)
	})

	t.Run("get honours context", func(t *testing.T) {
		f := NewFuture[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Get(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("then propagates errors", func(t *testing.T) {
		boom := errors.New("boom")
		next := Then(Failed[int](boom), func(v int) (string, error) { return "unreachable", nil })

		_, err := next.Get(context.Background())
		assert.ErrorIs(t, err, boom)

		mapped := Then(Completed(2), func(v int) (int, error) { return v * 2, nil })
		v, err := mapped.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, v)
	})

	t.Run("recover maps errors to values", func(t *testing.T) {
		recovered := Failed[string](errors.New("boom")).Recover(func(err error) string { return "recovered: " + err.Error() })
		v, err := recovered.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "recovered: boom", v)

		passed := Completed("ok").Recover(func(error) string { return "unreachable" })
		v, err = passed.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})
}
