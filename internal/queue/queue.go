// Package queue runs submitted tasks in FIFO order with a fixed number of
// concurrent slots.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/user/sentinel/pkg/logger"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue closed")

// Task is a unit of work. ctx is cancelled when the queue closes.
type Task func(ctx context.Context)

type item struct {
	name string
	task Task
}

// Queue admits tasks in submission order and runs at most limit at once.
// Submit never blocks; excess tasks wait in a FIFO backlog.
type Queue struct {
	limit int
	sem   *semaphore.Weighted

	mu      sync.Mutex
	pending []item
	closed  bool
	wake    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	done    chan struct{}

	inFlight atomic.Int64
}

// New starts a queue with the given concurrency limit (minimum 1).
func New(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		limit:  limit,
		sem:    semaphore.NewWeighted(int64(limit)),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Limit returns the concurrency limit.
func (q *Queue) Limit() int { return q.limit }

// Submit enqueues task under name, used for logs.
func (q *Queue) Submit(name string, task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("submit %s: %w", name, ErrClosed)
	}
	q.pending = append(q.pending, item{name: name, task: task})
	backlog := len(q.pending)
	q.mu.Unlock()

	logger.Debug().Str("task_id", name).Int("backlog", backlog).Msg("Task queued")

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of tasks waiting for a slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of tasks currently executing.
func (q *Queue) Running() int {
	return int(q.inFlight.Load())
}

func (q *Queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return item{}, false
	}
	it := q.pending[0]
	q.pending[0] = item{}
	q.pending = q.pending[1:]
	return it, true
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}

		for q.Pending() > 0 {
			// Hold a slot before taking the head so waiting tasks stay
			// visible to Pending and Close.
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				return
			}
			it, ok := q.pop()
			if !ok {
				q.sem.Release(1)
				break
			}
			q.running.Add(1)
			q.inFlight.Add(1)
			go q.run(it)
		}
	}
}

func (q *Queue) run(it item) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("task_id", it.name).Interface("panic", r).Msg("Task panicked")
		}
		q.inFlight.Add(-1)
		q.sem.Release(1)
		q.running.Done()
	}()
	it.task(q.ctx)
}

// Close stops admission, drops tasks that have not started, cancels the
// context of running tasks and waits for them to return. It returns the
// number of dropped tasks. Safe to call more than once.
func (q *Queue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		q.running.Wait()
		return 0
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
	q.running.Wait()

	if dropped > 0 {
		logger.Warn().Int("dropped", dropped).Msg("Queue closed with pending tasks")
	}
	return dropped
}
