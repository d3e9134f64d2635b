// Package scheduler turns periodic and on-demand triggers into refresh
// sessions, allowing at most one session per target at a time.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"marketterminal/internal/coordinator"
	"marketterminal/internal/fetcher"
)

var (
	// ErrUnknownTarget is returned for a target that was never registered.
	ErrUnknownTarget = errors.New("scheduler: unknown target")
	// ErrStopped is returned by Trigger and Start after Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// Poster delivers a callback onto the control loop.
type Poster interface {
	Post(fn func()) bool
}

// Runner starts refresh sessions. It is called on the control loop.
type Runner interface {
	RunSession(target string, requests []fetcher.Fetcher, deliver func(coordinator.Snapshot)) (*coordinator.Session, error)
}

// Presenter receives every delivered snapshot on the control loop.
type Presenter interface {
	Present(coordinator.Snapshot)
}

// Metrics observes triggers.
type Metrics interface {
	RecordTrigger(target string, coalesced bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordTrigger(string, bool) {}

// Builder produces the requests of one session. It runs on the control loop
// when a trigger is accepted, so it may read loop-owned state.
type Builder func() []fetcher.Fetcher

// State is the lifecycle of a target.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats counts what happened to the triggers of one target.
type Stats struct {
	Started   int64
	Coalesced int64
}

type target struct {
	name      string
	build     Builder
	state     State // loop-owned
	started   atomic.Int64
	coalesced atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler owns the per-target state machine.
type Scheduler struct {
	poster    Poster
	runner    Runner
	presenter Presenter
	metrics   Metrics
	log       zerolog.Logger

	mu      sync.RWMutex
	targets map[string]*target

	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. Snapshots are handed to presenter.
func New(poster Poster, runner Runner, presenter Presenter, opts ...Option) *Scheduler {
	s := &Scheduler{
		poster:    poster,
		runner:    runner,
		presenter: presenter,
		metrics:   noopMetrics{},
		log:       zerolog.Nop(),
		targets:   make(map[string]*target),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds name to build. Registering a name again replaces its
// builder and keeps its counters.
func (s *Scheduler) Register(name string, build Builder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[name]; ok {
		t.build = build
		return
	}
	s.targets[name] = &target{name: name, build: build}
}

// Targets returns the registered target names.
func (s *Scheduler) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.targets))
	for name := range s.targets {
		names = append(names, name)
	}
	return names
}

// Trigger requests a refresh of name. It is safe from any goroutine and
// never blocks. A trigger arriving while the target is running is dropped.
func (s *Scheduler) Trigger(name string) error {
	t, err := s.lookup(name)
	if err != nil {
		return err
	}
	if s.stopped.Load() {
		return ErrStopped
	}
	if !s.poster.Post(func() { s.fire(t) }) {
		return ErrStopped
	}
	return nil
}

// Start fires Trigger(name) every interval until Stop.
func (s *Scheduler) Start(name string, interval time.Duration) error {
	if _, err := s.lookup(name); err != nil {
		return err
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval %s for %s", interval, name)
	}
	if s.stopped.Load() {
		return ErrStopped
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Trigger(name); err != nil && !errors.Is(err, ErrStopped) {
					s.log.Warn().Err(err).Str("target", name).Msg("periodic trigger failed")
				}
			}
		}
	}()
	s.log.Info().Str("target", name).Dur("interval", interval).Msg("periodic refresh started")
	return nil
}

// Stop halts the tickers and rejects new triggers. Sessions already running
// still deliver their snapshots.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})
	s.wg.Wait()
}

// Stats returns the counters of name.
func (s *Scheduler) Stats(name string) (Stats, error) {
	t, err := s.lookup(name)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Started: t.started.Load(), Coalesced: t.coalesced.Load()}, nil
}

func (s *Scheduler) lookup(name string) (*target, error) {
	s.mu.RLock()
	t, ok := s.targets[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return t, nil
}

// fire runs on the control loop.
func (s *Scheduler) fire(t *target) {
	if s.stopped.Load() {
		return
	}
	if t.state == Running {
		t.coalesced.Add(1)
		s.metrics.RecordTrigger(t.name, true)
		s.log.Debug().Str("target", t.name).Msg("trigger coalesced")
		return
	}

	s.mu.RLock()
	build := t.build
	s.mu.RUnlock()

	t.state = Running
	t.started.Add(1)
	s.metrics.RecordTrigger(t.name, false)

	sess, err := s.runner.RunSession(t.name, build(), func(snap coordinator.Snapshot) {
		t.state = Idle
		s.presenter.Present(snap)
	})
	if err != nil {
		t.state = Idle
		t.started.Add(-1)
		s.log.Warn().Err(err).Str("target", t.name).Msg("session not started")
		return
	}
	// rejected submissions resolve inline, so a session can deliver before RunSession returns
	if !sess.Done() {
		s.log.Debug().Str("target", t.name).Int("pending", sess.Pending()).Msg("session started")
	}
}
