// Package scheduler drives a phase.Table against a sink.MessageSink.
//
// Usage:
//
//	s := scheduler.New(phase.DefaultTable(), scheduler.WithLogger(logger))
//	if err := s.Run(ctx, out); err != nil {
//	    // a send failed; the process should exit
//	}
//
// Run returns nil once ctx is cancelled. Every suspension point races its
// timer against ctx.Done(), and ctx is checked again before each emission, so
// a cancelled run never sends another message.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/epochq-pulse/internal/metrics"
	"github.com/snehjoshi/epochq-pulse/internal/phase"
	"github.com/snehjoshi/epochq-pulse/internal/sink"
)

// ErrRunning is returned by Run when the scheduler is already running.
var ErrRunning = errors.New("scheduler: already running")

// restPhase is reported by Status while the closing interval is being slept.
const restPhase = "rest"

// Sleeper suspends for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot is a point-in-time view of scheduler progress.
type Snapshot struct {
	Running bool
	// Counter is the last payload value accepted by the sink.
	Counter uint64
	// Cycle is the 1-based cycle currently executing (0 before Run).
	Cycle int64
	// Phase is the current phase name, or "rest" between cycles.
	Phase string
	// Emission is the 1-based emission index within Phase.
	Emission int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSleeper replaces the wall-clock Sleeper. Tests use it to run whole
// cycles instantly.
func WithSleeper(fn Sleeper) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records sends, errors and cycles into reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = reg }
}

// WithProgressInterval sets the minimum gap between progress log lines.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.progress.Interval = d }
}

// Scheduler owns the phase table and the message counter.
// Run must not be called concurrently; the read accessors are safe from any
// goroutine.
type Scheduler struct {
	table    *phase.Table
	sleep    Sleeper
	logger   *slog.Logger
	metrics  *metrics.Registry
	progress rate.Sometimes

	// counter is written only by the Run goroutine.
	counter atomic.Uint64

	mu       sync.Mutex
	running  bool
	cycle    int64
	current  string
	emission int
}

// New returns a Scheduler for table.
func New(table *phase.Table, opts ...Option) *Scheduler {
	s := &Scheduler{
		table:    table,
		sleep:    Sleep,
		logger:   slog.Default(),
		progress: rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Counter returns the last payload value accepted by the sink.
func (s *Scheduler) Counter() uint64 { return s.counter.Load() }

// Status returns a snapshot of the scheduler's progress.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Running:  s.running,
		Counter:  s.counter.Load(),
		Cycle:    s.cycle,
		Phase:    s.current,
		Emission: s.emission,
	}
}

// Run executes the table against out until ctx is cancelled, cycling back to
// the first phase after the closing rest. It returns nil on cancellation and
// the wrapped sink error if a send fails. Sends are never retried.
func (s *Scheduler) Run(ctx context.Context, out sink.MessageSink) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	err := s.loop(ctx, out)
	if ctx.Err() != nil {
		s.logger.Info("scheduler stopped", "counter", s.Counter(), "cycle", s.Status().Cycle)
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, out sink.MessageSink) error {
	for cycle := int64(1); ; cycle++ {
		s.mu.Lock()
		s.cycle = cycle
		s.mu.Unlock()
		s.logger.Debug("cycle start", "cycle", cycle, "counter", s.Counter())

		for i := 0; i < s.table.Len(); i++ {
			if err := s.runPhase(ctx, out, s.table.At(i)); err != nil {
				return err
			}
		}

		s.setPosition(restPhase, 0)
		if err := s.sleep(ctx, s.table.Rest()); err != nil {
			return err
		}

		if s.metrics != nil {
			s.metrics.Cycles.Add(1)
		}
		s.logger.Info("cycle complete", "cycle", cycle, "counter", s.Counter())
	}
}

// runPhase emits p.Repeats times, sleeping p.Interval after each emission and
// p.Pause after the last one.
func (s *Scheduler) runPhase(ctx context.Context, out sink.MessageSink, p phase.Phase) error {
	s.logger.Debug("phase start",
		"phase", p.Name,
		"mode", p.Mode.String(),
		"count", p.Count,
		"repeats", p.Repeats,
		"interval", p.Interval,
	)

	for n := 1; n <= p.Repeats; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setPosition(p.Name, n)

		if err := s.emit(ctx, out, p); err != nil {
			return err
		}

		if p.Interval > 0 {
			if err := s.sleep(ctx, p.Interval); err != nil {
				return err
			}
		}
	}

	if p.Pause > 0 {
		if err := s.sleep(ctx, p.Pause); err != nil {
			return err
		}
	}
	return nil
}

// emit sends the next p.Count payloads and advances the counter once the sink
// has accepted them.
func (s *Scheduler) emit(ctx context.Context, out sink.MessageSink, p phase.Phase) error {
	start := s.counter.Load()
	payloads := Payloads(start, p.Count)

	var err error
	switch p.Mode {
	case phase.SingleRepeat:
		err = out.SendOne(ctx, payloads[0])
	default:
		err = out.SendBatch(ctx, payloads)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.SendErrors.Inc(p.Name)
		}
		return fmt.Errorf("phase %s: send %d..%d: %w", p.Name, start+1, start+uint64(p.Count), err)
	}

	last := start + uint64(p.Count)
	s.counter.Store(last)

	if s.metrics != nil {
		s.metrics.Sent.Add(p.Name, int64(p.Count))
		s.metrics.Emissions.Inc(metrics.EmissionKey(p.Name, p.Mode.String()))
		s.metrics.Counter.Store(last)
	}
	s.progress.Do(func() {
		s.logger.Info("progress", "phase", p.Name, "counter", last)
	})
	return nil
}

func (s *Scheduler) setPosition(name string, emission int) {
	s.mu.Lock()
	s.current = name
	s.emission = emission
	s.mu.Unlock()
}
