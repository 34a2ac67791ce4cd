// Package eventloop implements the core's cooperative task executor: a
// priority- and delay-aware ready queue backed by a fixed worker pool, the
// sole entry point for asynchronous work in the rest of the module.
package eventloop

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skywave-obs/lithiumcore/pkg/corerr"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
)

// Config configures a Loop.
type Config struct {
	Workers int // number of worker goroutines; defaults to 1 if <= 0
}

// Loop is a single event loop instance owning N worker goroutines.
type Loop struct {
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	ready    readyHeap
	timers   timerHeap
	timerNew chan struct{}

	stopCh  chan struct{}
	stopped atomic.Bool

	nextID  atomic.Uint64
	nextSeq atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Loop and starts its worker pool and timer goroutine.
func New(cfg Config) *Loop {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		logger:   log.WithComponent("eventloop"),
		timerNew: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.cond = sync.NewCond(&l.mu)
	l.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go l.runWorker()
	}
	go l.runTimer()
	return l
}

// Post schedules immediate work at the given priority.
func (l *Loop) Post(work Work, priority int32) Handle {
	return l.schedule(work, priority, 0, false)
}

// PostDelayed schedules work due at now+delay.
func (l *Loop) PostDelayed(work Work, delay time.Duration, priority int32) Handle {
	return l.schedule(work, priority, delay, false)
}

// PostPeriodic schedules periodic work with first run at now+period, and
// subsequent runs re-enqueued drift-tolerantly (readyAt = completion-time +
// period, no catch-up spin) after each run returns.
func (l *Loop) PostPeriodic(work Work, period time.Duration, priority int32) Handle {
	return l.schedule(work, priority, period, true)
}

func (l *Loop) schedule(work Work, priority int32, delay time.Duration, periodic bool) Handle {
	id := TaskID(l.nextID.Add(1))
	t := &Task{
		id:        id,
		priority:  priority,
		work:      work,
		resultCh:  make(chan corerr.Result[any], 1),
		createdAt: time.Now(),
		readyAt:   time.Now().Add(delay),
		seq:       int(l.nextSeq.Add(1)),
	}
	if periodic {
		t.period = delay
	}

	kind := "immediate"
	switch {
	case periodic:
		kind = "periodic"
	case delay > 0:
		kind = "delayed"
	}
	metrics.TasksScheduled.WithLabelValues(kind).Inc()

	l.mu.Lock()
	if l.stopped.Load() {
		l.mu.Unlock()
		t.status.Store(int32(StatusCanceled))
		t.resultCh <- corerr.Fail[any](corerr.New(corerr.Canceled, "loop stopped"))
		return Handle{ID: id, task: t}
	}
	if delay > 0 {
		heap.Push(&l.timers, t)
		l.mu.Unlock()
		select {
		case l.timerNew <- struct{}{}:
		default:
		}
	} else {
		heap.Push(&l.ready, t)
		l.mu.Unlock()
		l.cond.Signal()
	}

	return Handle{ID: id, task: t}
}

// Cancel marks a pending task canceled. Returns false if the task is
// already Running or terminal.
func (l *Loop) Cancel(h Handle) bool {
	if h.task == nil {
		return false
	}
	if !h.task.casStatus(StatusPending, StatusCanceled) {
		return false
	}
	h.task.resultCh <- corerr.Fail[any](corerr.New(corerr.Canceled, "task canceled"))
	metrics.TasksCompleted.WithLabelValues(StatusCanceled.String()).Inc()
	return true
}

// Await blocks the calling goroutine (which must be outside the loop's own
// workers) until the task completes. For periodic tasks this observes
// whichever run is currently buffered; callers that need every periodic run
// should subscribe to bus events published by the task body instead of
// calling Await repeatedly.
func (l *Loop) Await(h Handle) corerr.Result[any] {
	if h.task == nil {
		return corerr.Fail[any](corerr.New(corerr.InvalidArgument, "nil handle"))
	}
	res := <-h.task.resultCh
	if h.task.period > 0 {
		h.task.resultCh <- res // keep a value buffered for the next Await
	}
	return res
}

// Stop stops accepting new work. Tasks already due (in the ready queue) are
// allowed to finish when drain is true; tasks not yet due (in the timer
// heap, including future periodic runs) are always canceled since they are
// not yet "queued" work. When drain is false, ready tasks are canceled too
// and the loop's context is canceled, signaling in-flight work to abandon
// cooperatively.
func (l *Loop) Stop(drain bool) {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	for _, t := range l.timers {
		if t.casStatus(StatusPending, StatusCanceled) {
			t.resultCh <- corerr.Fail[any](corerr.New(corerr.Canceled, "loop stopped"))
		}
	}
	l.timers = nil
	if !drain {
		for _, t := range l.ready {
			if t.casStatus(StatusPending, StatusCanceled) {
				t.resultCh <- corerr.Fail[any](corerr.New(corerr.Canceled, "loop stopped"))
			}
		}
		l.ready = nil
		l.cancel()
	}
	l.mu.Unlock()

	close(l.stopCh)
	l.cond.Broadcast()
	select {
	case l.timerNew <- struct{}{}:
	default:
	}
	l.wg.Wait()
}

func (l *Loop) runTimer() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for l.timers.Len() == 0 {
			if l.stopped.Load() {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			select {
			case <-l.timerNew:
			case <-l.stopCh:
			}
			l.mu.Lock()
		}
		next := l.timers[0]
		wait := time.Until(next.readyAt)
		l.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-l.timerNew:
				timer.Stop()
				continue
			case <-l.stopCh:
				timer.Stop()
				return
			}
		}

		l.mu.Lock()
		if l.timers.Len() > 0 && !l.timers[0].readyAt.After(time.Now()) {
			t := heap.Pop(&l.timers).(*Task)
			l.mu.Unlock()
			l.enqueueReady(t)
		} else {
			l.mu.Unlock()
		}
	}
}

func (l *Loop) enqueueReady(t *Task) {
	l.mu.Lock()
	heap.Push(&l.ready, t)
	l.mu.Unlock()
	l.cond.Signal()
}

func (l *Loop) runWorker() {
	defer l.wg.Done()
	for {
		t := l.takeNext()
		if t == nil {
			return
		}
		l.runTask(t)
	}
}

func (l *Loop) takeNext() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.ready.Len() > 0 {
			return heap.Pop(&l.ready).(*Task)
		}
		if l.stopped.Load() {
			return nil
		}
		l.cond.Wait()
	}
}

func (l *Loop) runTask(t *Task) {
	if !t.casStatus(StatusPending, StatusRunning) {
		return // lost the CAS race to Cancel
	}

	metrics.ReadyQueueDepth.Set(float64(l.readyLen()))

	start := time.Now()
	result := l.invoke(t)
	metrics.TaskLatency.Observe(time.Since(start).Seconds())

	if result.Err != nil {
		t.status.Store(int32(StatusFailed))
		metrics.TasksCompleted.WithLabelValues(StatusFailed.String()).Inc()
	} else {
		t.status.Store(int32(StatusCompleted))
		metrics.TasksCompleted.WithLabelValues(StatusCompleted.String()).Inc()
	}

	select {
	case t.resultCh <- result:
	default:
		// periodic task: drop stale buffered result, keep newest
		select {
		case <-t.resultCh:
		default:
		}
		t.resultCh <- result
	}

	if t.period > 0 && !l.stopped.Load() {
		t.status.Store(int32(StatusPending))
		t.readyAt = time.Now().Add(t.period)
		l.mu.Lock()
		heap.Push(&l.timers, t)
		l.mu.Unlock()
		select {
		case l.timerNew <- struct{}{}:
		default:
		}
	}
}

func (l *Loop) invoke(t *Task) (result corerr.Result[any]) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Uint64("task_id", uint64(t.id)).
				Interface("panic", r).
				Msg("task panicked")
			result = corerr.Fail[any](corerr.New(corerr.HandlerFailed, fmt.Sprintf("panic: %v", r)))
		}
	}()

	value, err := t.work(l.ctx)
	if err != nil {
		if cerr, ok := err.(*corerr.Error); ok {
			return corerr.Fail[any](cerr)
		}
		return corerr.Fail[any](corerr.Wrap(corerr.HandlerFailed, err, "task handler returned error"))
	}
	return corerr.Ok(value)
}

func (l *Loop) readyLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready.Len()
}
