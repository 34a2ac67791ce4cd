package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywave-obs/lithiumcore/pkg/corerr"
)

func TestPostRunsImmediately(t *testing.T) {
	l := New(Config{Workers: 2})
	defer l.Stop(false)

	h := l.Post(func(ctx context.Context) (any, error) {
		return 7, nil
	}, 0)

	res := l.Await(h)
	require.Nil(t, res.Err)
	assert.Equal(t, 7, res.Value)
}

func TestPostDelayedWaitsUntilDue(t *testing.T) {
	l := New(Config{Workers: 1})
	defer l.Stop(false)

	start := time.Now()
	h := l.PostDelayed(func(ctx context.Context) (any, error) {
		return nil, nil
	}, 50*time.Millisecond, 0)

	l.Await(h)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPriorityOrdering(t *testing.T) {
	l := New(Config{Workers: 1})
	defer l.Stop(false)

	var order []int
	done := make(chan struct{})

	// block the single worker until both are queued
	gate := make(chan struct{})
	l.Post(func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, 0)

	l.Post(func(ctx context.Context) (any, error) {
		order = append(order, 1)
		return nil, nil
	}, 1)
	h := l.Post(func(ctx context.Context) (any, error) {
		order = append(order, 2)
		close(done)
		return nil, nil
	}, 10)

	close(gate)
	l.Await(h)
	<-done

	require.Len(t, order, 2)
	assert.Equal(t, 2, order[0], "higher priority task should run first")
}

func TestCancelPendingTask(t *testing.T) {
	l := New(Config{Workers: 1})
	defer l.Stop(false)

	gate := make(chan struct{})
	l.Post(func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, 0)

	h := l.PostDelayed(func(ctx context.Context) (any, error) {
		return nil, nil
	}, time.Hour, 0)

	ok := l.Cancel(h)
	assert.True(t, ok)

	res := l.Await(h)
	require.NotNil(t, res.Err)
	assert.Equal(t, corerr.Canceled, res.Err.Kind)
	assert.Equal(t, StatusCanceled, h.task.Status())

	close(gate)
}

func TestCancelRunningTaskFails(t *testing.T) {
	l := New(Config{Workers: 1})
	defer l.Stop(false)

	started := make(chan struct{})
	release := make(chan struct{})
	h := l.Post(func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, 0)

	<-started
	assert.False(t, l.Cancel(h))
	close(release)
	l.Await(h)
}

func TestPanicRecoveredAsFailed(t *testing.T) {
	l := New(Config{Workers: 1})
	defer l.Stop(false)

	h := l.Post(func(ctx context.Context) (any, error) {
		panic("boom")
	}, 0)

	res := l.Await(h)
	require.NotNil(t, res.Err)
	assert.Equal(t, corerr.HandlerFailed, res.Err.Kind)
}

func TestPeriodicTaskReruns(t *testing.T) {
	l := New(Config{Workers: 1})
	defer l.Stop(false)

	var count atomic.Int32
	h := l.PostPeriodic(func(ctx context.Context) (any, error) {
		count.Add(1)
		return nil, nil
	}, 10*time.Millisecond, 0)

	time.Sleep(60 * time.Millisecond)
	l.Cancel(h)

	assert.GreaterOrEqual(t, count.Load(), int32(2))
}

func TestStopWithoutDrainCancelsPending(t *testing.T) {
	l := New(Config{Workers: 1})

	gate := make(chan struct{})
	l.Post(func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, 0)

	h := l.PostDelayed(func(ctx context.Context) (any, error) {
		return nil, nil
	}, time.Hour, 0)

	close(gate)
	l.Stop(false)

	res := l.Await(h)
	require.NotNil(t, res.Err)
	assert.Equal(t, corerr.Canceled, res.Err.Kind)
}

func TestStopWithDrainFinishesReadyTasks(t *testing.T) {
	l := New(Config{Workers: 1})

	var ran atomic.Bool
	h := l.Post(func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
		return nil, nil
	}, 0)

	l.Stop(true)

	res := l.Await(h)
	require.Nil(t, res.Err)
	assert.True(t, ran.Load())
}

func TestPostAfterStopIsCanceledImmediately(t *testing.T) {
	l := New(Config{Workers: 1})
	l.Stop(true)

	h := l.Post(func(ctx context.Context) (any, error) {
		return nil, nil
	}, 0)

	res := l.Await(h)
	require.NotNil(t, res.Err)
	assert.Equal(t, corerr.Canceled, res.Err.Kind)
}
