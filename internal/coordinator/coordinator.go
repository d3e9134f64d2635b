package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketterminal/internal/dispatch"
	"marketterminal/internal/fetcher"
)

// ErrNoRequests is returned when a session is started with nothing to fetch.
var ErrNoRequests = errors.New("no fetchers configured")

// Submitter runs work off the control loop.
type Submitter interface {
	Submit(work dispatch.Work, done func(dispatch.Completion)) (*dispatch.Handle, error)
}

// Scheduler arms timers whose callbacks run on the control loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) *time.Timer
}

// Metrics observes sessions and their members.
type Metrics interface {
	RecordSession(target string, seconds float64, timedOut bool)
	RecordOutcome(capability, kind string, attempts int)
}

type noopMetrics struct{}

func (noopMetrics) RecordSession(string, float64, bool) {}
func (noopMetrics) RecordOutcome(string, string, int)   {}

// Snapshot is the consolidated result of one refresh session.
type Snapshot struct {
	Target    string
	SessionID uint64
	Started   time.Time
	Completed time.Time
	TimedOut  bool

	// Outcomes holds one entry per request, keyed by request key.
	Outcomes map[string]fetcher.Outcome
}

// Succeeded returns how many members carry a payload.
func (s Snapshot) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns how many members carry a Failure.
func (s Snapshot) Failed() int {
	return len(s.Outcomes) - s.Succeeded()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the retry policy applied to every member.
func WithPolicy(p fetcher.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithTimeout bounds how long a session may wait for its members.
// Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator fans the requests of a session out to the dispatcher and
// merges their outcomes into one snapshot. All methods and callbacks run on
// the control loop, so session state needs no locking.
type Coordinator struct {
	submitter Submitter
	timers    Scheduler
	policy    fetcher.Policy
	timeout   time.Duration
	metrics   Metrics
	log       zerolog.Logger
	nextID    uint64
	now       func() time.Time
}

// New creates a new Coordinator
func New(submitter Submitter, timers Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{
		submitter: submitter,
		timers:    timers,
		policy:    fetcher.DefaultPolicy,
		metrics:   noopMetrics{},
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session is one in-flight refresh. It is owned by the control loop.
type Session struct {
	c        *Coordinator
	snapshot Snapshot
	pending  map[string]fetcher.Fetcher
	handles  map[string]*dispatch.Handle
	deliver  func(Snapshot)
	timer    *time.Timer
	done     bool
}

// Pending returns how many members have not resolved yet.
func (s *Session) Pending() int { return len(s.pending) }

// Done reports whether the snapshot has been delivered.
func (s *Session) Done() bool { return s.done }

// RunSession starts a session for target. Must be called on the control
// loop. deliver is called exactly once, on the loop, when every member
// has resolved or the session timeout elapses. Requests sharing a key are
// fetched once.
func (c *Coordinator) RunSession(target string, requests []fetcher.Fetcher, deliver func(Snapshot)) (*Session, error) {
	if len(requests) == 0 {
		return nil, ErrNoRequests
	}

	c.nextID++
	s := &Session{
		c: c,
		snapshot: Snapshot{
			Target:    target,
			SessionID: c.nextID,
			Started:   c.now(),
			Outcomes:  make(map[string]fetcher.Outcome, len(requests)),
		},
		pending: make(map[string]fetcher.Fetcher, len(requests)),
		handles: make(map[string]*dispatch.Handle, len(requests)),
		deliver: deliver,
	}

	members := make([]fetcher.Fetcher, 0, len(requests))
	for _, r := range requests {
		if _, dup := s.pending[r.Key()]; dup {
			c.log.Debug().Str("target", target).Str("key", r.Key()).Msg("duplicate request in session")
			continue
		}
		s.pending[r.Key()] = r
		members = append(members, r)
	}

	c.log.Debug().Str("target", target).Uint64("session", s.snapshot.SessionID).Int("members", len(members)).Msg("session started")

	// Submission failures resolve immediately; the session may complete
	// before the loop below finishes.
	for _, r := range members {
		if s.done {
			break
		}
		s.submit(r)
	}

	if !s.done && c.timeout > 0 {
		s.timer = c.timers.AfterFunc(c.timeout, s.expire)
	}
	return s, nil
}

func (s *Session) submit(r fetcher.Fetcher) {
	policy := s.c.policy
	key := r.Key()

	h, err := s.c.submitter.Submit(func(ctx context.Context) (any, error) {
		return fetcher.Retry(ctx, r, policy), nil
	}, func(comp dispatch.Completion) {
		s.complete(r, comp)
	})
	if err != nil {
		s.resolve(fetcher.Failed(r, fetcher.KindUnexpected, fmt.Errorf("submit: %w", err), 0))
		return
	}
	s.handles[key] = h
}

func (s *Session) complete(r fetcher.Fetcher, comp dispatch.Completion) {
	if comp.Err != nil {
		s.resolve(fetcher.Failed(r, fetcher.KindUnexpected, comp.Err, 0))
		return
	}
	out, ok := comp.Value.(fetcher.Outcome)
	if !ok {
		s.resolve(fetcher.Failed(r, fetcher.KindUnexpected, fmt.Errorf("unexpected completion value %T", comp.Value), 0))
		return
	}
	s.resolve(out)
}

// resolve folds one outcome into the session. Outcomes arriving after the
// snapshot was delivered are dropped.
func (s *Session) resolve(out fetcher.Outcome) {
	if s.done {
		return
	}
	if _, ok := s.pending[out.Key]; !ok {
		return
	}
	delete(s.pending, out.Key)
	delete(s.handles, out.Key)
	s.snapshot.Outcomes[out.Key] = out
	s.c.metrics.RecordOutcome(string(out.Capability), string(out.Kind()), out.Attempts)

	if !out.OK() {
		s.c.log.Debug().
			Str("target", s.snapshot.Target).
			Str("key", out.Key).
			Str("kind", string(out.Kind())).
			Str("error", out.Failure.Message).
			Msg("session member failed")
	}

	if len(s.pending) == 0 {
		s.finish(false)
	}
}

func (s *Session) expire() {
	if s.done {
		return
	}
	s.c.log.Warn().
		Str("target", s.snapshot.Target).
		Uint64("session", s.snapshot.SessionID).
		Int("pending", len(s.pending)).
		Dur("timeout", s.c.timeout).
		Msg("session timed out")

	err := fmt.Errorf("session timed out after %s", s.c.timeout)
	for key, r := range s.pending {
		if h, ok := s.handles[key]; ok {
			h.Cancel()
		}
		out := fetcher.Failed(r, fetcher.KindTimeout, err, 0)
		s.snapshot.Outcomes[key] = out
		s.c.metrics.RecordOutcome(string(out.Capability), string(out.Kind()), 0)
	}
	s.pending = map[string]fetcher.Fetcher{}
	s.handles = map[string]*dispatch.Handle{}
	s.finish(true)
}

func (s *Session) finish(timedOut bool) {
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.snapshot.Completed = s.c.now()
	s.snapshot.TimedOut = timedOut

	s.c.metrics.RecordSession(s.snapshot.Target, s.snapshot.Completed.Sub(s.snapshot.Started).Seconds(), timedOut)
	s.c.log.Debug().
		Str("target", s.snapshot.Target).
		Uint64("session", s.snapshot.SessionID).
		Int("ok", s.snapshot.Succeeded()).
		Int("failed", s.snapshot.Failed()).
		Msg("session complete")

	if s.deliver != nil {
		s.deliver(s.snapshot)
	}
}
