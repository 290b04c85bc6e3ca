package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCoalescesWhilePending(t *testing.T) {
	q := NewQueue("test", 4, nil)
	var runs atomic.Int32
	j := NewJob("j", func(Blocking) error { runs.Add(1); return nil })

	assert.True(t, q.Submit(j))
	assert.False(t, q.Submit(j), "second submit of a pending job must be a no-op")
	assert.True(t, j.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !j.Pending() }, time.Second, time.Millisecond)
	assert.True(t, q.Submit(j), "job can be queued again once it ran")
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestQueueFullCountsDrop(t *testing.T) {
	q := NewQueue("test", 1, nil)
	a := NewJob("a", func(Blocking) error { return nil })
	b := NewJob("b", func(Blocking) error { return nil })
	require.True(t, q.Submit(a))
	assert.False(t, q.Submit(b))
	assert.False(t, b.Pending(), "refused job must not stay pending")
	assert.Equal(t, uint32(1), q.Drops())
}

func TestUrgentRunsFirst(t *testing.T) {
	q := NewQueue("test", 4, nil)
	var mu sync.Mutex
	var order []string
	rec := func(name string) *Job {
		return NewJob(name, func(Blocking) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	q.Submit(rec("normal"))
	q.SubmitUrgent(rec("urgent"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"urgent", "normal"}, order)
}

func TestJobErrorsReported(t *testing.T) {
	errs := make(chan string, 1)
	q := NewQueue("reset", 4, func(queue, job string, err error) { errs <- queue + "/" + job + ": " + err.Error() })
	q.Submit(NewJob("boom", func(b Blocking) error {
		if b.Queue() != "reset" {
			return errors.New("wrong queue " + b.Queue())
		}
		return errors.New("failed")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case got := <-errs:
		assert.Equal(t, "reset/boom: failed", got)
	case <-time.After(time.Second):
		t.Fatal("error hook not called")
	}
}

func TestReactorDedupAndDrops(t *testing.T) {
	r := NewReactor(1)
	var runs atomic.Int32
	a := NewTasklet("a", func(Atomic) { runs.Add(1) })
	b := NewTasklet("b", func(Atomic) { runs.Add(1) })

	assert.True(t, r.Schedule(a))
	assert.False(t, r.Schedule(a))
	assert.False(t, r.Schedule(b))
	assert.Equal(t, uint32(1), r.Drops())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestPoolStartStop(t *testing.T) {
	r := NewReactor(4)
	q := NewQueue("q", 4, nil)
	p := NewPool(r, q)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrStarted)

	var ran atomic.Bool
	q.Submit(NewJob("j", func(Blocking) error { ran.Store(true); return nil }))
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
