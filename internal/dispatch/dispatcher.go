// Package dispatch runs blocking work on a fixed-size worker pool and
// delivers every completion back onto the control loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatch: closed")
	// ErrPanic wraps a panic raised by submitted work.
	ErrPanic = errors.New("dispatch: work panicked")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// Poster delivers a callback onto the control loop.
type Poster interface {
	Post(fn func()) bool
}

// Work is one blocking unit executed on a worker goroutine. It should
// honor ctx, which is canceled by Handle.Cancel and by Close.
type Work func(ctx context.Context) (any, error)

// Completion is the single notification produced by a submitted task.
type Completion struct {
	Handle *Handle
	Value  any
	Err    error
}

// Handle identifies an in-flight task.
type Handle struct {
	id     uuid.UUID
	cancel context.CancelFunc
}

// ID returns the task identifier.
func (h *Handle) ID() string { return h.id.String() }

// Cancel asks the task to stop. The completion is still delivered.
func (h *Handle) Cancel() { h.cancel() }

type task struct {
	handle *Handle
	ctx    context.Context
	work   Work
	done   func(Completion)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets how many submitted tasks may wait for a worker.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets a recorder for queue depth.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Metrics observes dispatcher load.
type Metrics interface {
	RecordQueueDepth(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordQueueDepth(int) {}

// Dispatcher is a fixed-size worker pool.
type Dispatcher struct {
	workers   int
	queueSize int
	log       zerolog.Logger
	metrics   Metrics
	poster    Poster

	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts the worker pool. Completions are posted to poster.
func New(poster Poster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		log:       zerolog.Nop(),
		metrics:   noopMetrics{},
		poster:    poster,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.tasks = make(chan task, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(d.log.WithContext(context.Background()))

	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.worker(i)
	}
	return d
}

// Submit queues work without blocking. done is invoked exactly once, on
// the control loop, with the task's completion.
func (d *Dispatcher) Submit(work Work, done func(Completion)) (*Handle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(d.ctx)
	h := &Handle{id: uuid.New(), cancel: cancel}

	select {
	case d.tasks <- task{handle: h, ctx: ctx, work: work, done: done}:
		d.metrics.RecordQueueDepth(len(d.tasks))
		return h, nil
	default:
		cancel()
		return nil, ErrQueueFull
	}
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int { return d.workers }

// Close stops accepting work, cancels queued and running tasks and waits
// for the workers to exit. Completions of canceled tasks are still posted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for t := range d.tasks {
		c := d.run(t)
		t.handle.cancel()
		done := t.done
		if done == nil {
			continue
		}
		if !d.poster.Post(func() { done(c) }) {
			d.log.Warn().Int("worker", id).Str("task", c.Handle.ID()).Msg("control loop stopped, completion dropped")
		}
	}
}

func (d *Dispatcher) run(t task) (c Completion) {
	c.Handle = t.handle
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("task", t.handle.ID()).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in work")
			c.Value = nil
			c.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	c.Value, c.Err = t.work(t.ctx)
	return c
}
