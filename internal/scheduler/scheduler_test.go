package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/epochq-pulse/internal/metrics"
	"github.com/snehjoshi/epochq-pulse/internal/phase"
	"github.com/snehjoshi/epochq-pulse/internal/scheduler"
	"github.com/snehjoshi/epochq-pulse/internal/sink"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeClock is a Sleeper that returns immediately and records every duration.
// When the closing rest has been slept stopAfter times it cancels the run.
type fakeClock struct {
	mu        sync.Mutex
	slept     []time.Duration
	rests     int
	stopAfter int
	cancel    context.CancelFunc
}

func (f *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.slept = append(f.slept, d)
	if d == 5*time.Minute {
		f.rests++
		if f.rests >= f.stopAfter {
			f.cancel()
		}
	}
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeClock) durations() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runCycles runs the default table for n full cycles against a Recorder.
func runCycles(t *testing.T, n int, opts ...scheduler.Option) (*scheduler.Scheduler, *sink.Recorder, *fakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{stopAfter: n, cancel: cancel}
	rec := &sink.Recorder{}
	opts = append([]scheduler.Option{
		scheduler.WithSleeper(clock.sleep),
		scheduler.WithLogger(quietLogger()),
	}, opts...)
	s := scheduler.New(phase.DefaultTable(), opts...)

	if err := s.Run(ctx, rec); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return s, rec, clock
}

// values decodes every payload of every call, in emission order.
func values(t *testing.T, calls []sink.Call) []uint64 {
	t.Helper()
	var out []uint64
	for _, c := range calls {
		for _, p := range c.Payloads {
			v, err := scheduler.Decode(p)
			if err != nil {
				t.Fatalf("payload %q is not a decimal counter: %v", p, err)
			}
			out = append(out, v)
		}
	}
	return out
}

func lastValue(t *testing.T, c sink.Call) uint64 {
	t.Helper()
	v, err := scheduler.Decode(c.Payloads[len(c.Payloads)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestRun_OneCycle_EmitsContiguousCounters(t *testing.T) {
	s, rec, _ := runCycles(t, 1)

	vals := values(t, rec.Calls())
	if len(vals) != 2262 {
		t.Fatalf("expected 2262 messages in one cycle, got %d", len(vals))
	}
	for i, v := range vals {
		if v != uint64(i+1) {
			t.Fatalf("message %d has value %d, want %d", i, v, i+1)
		}
	}
	if s.Counter() != 2262 {
		t.Errorf("expected counter 2262, got %d", s.Counter())
	}
}

func TestRun_OneCycle_CallShape(t *testing.T) {
	_, rec, _ := runCycles(t, 1)
	calls := rec.Calls()

	// 1 opening batch + 2 + 60 singles + 60 batches.
	if len(calls) != 123 {
		t.Fatalf("expected 123 sink calls, got %d", len(calls))
	}

	if !calls[0].Batch || len(calls[0].Payloads) != 1000 {
		t.Fatalf("opening burst must be one batch of 1000, got batch=%v n=%d",
			calls[0].Batch, len(calls[0].Payloads))
	}
	for i := 1; i <= 62; i++ {
		if calls[i].Batch || len(calls[i].Payloads) != 1 {
			t.Fatalf("call %d must be a single send", i)
		}
	}
	for i := 63; i < 123; i++ {
		if !calls[i].Batch || len(calls[i].Payloads) != 20 {
			t.Fatalf("call %d must be a batch of 20, got batch=%v n=%d",
				i, calls[i].Batch, len(calls[i].Payloads))
		}
	}
}

func TestRun_CounterAtPhaseBoundaries(t *testing.T) {
	_, rec, _ := runCycles(t, 1)
	calls := rec.Calls()

	checks := []struct {
		name string
		call int
		want uint64
	}{
		{"after opening burst", 0, 1000},
		{"after slow phase A", 2, 1002},
		{"after slow phase B", 62, 1062},
		{"after burst phase", 122, 2262},
	}
	for _, c := range checks {
		if got := lastValue(t, calls[c.call]); got != c.want {
			t.Errorf("%s: counter %d, want %d", c.name, got, c.want)
		}
	}
}

func TestRun_BurstPhaseBatchesAreContiguous(t *testing.T) {
	_, rec, _ := runCycles(t, 1)
	calls := rec.Calls()[63:]

	prevLast := uint64(1062)
	for i, c := range calls {
		first, _ := scheduler.Decode(c.Payloads[0])
		if first != prevLast+1 {
			t.Fatalf("batch %d starts at %d, want %d", i, first, prevLast+1)
		}
		prevLast = lastValue(t, c)
	}
}

func TestRun_OpeningBurstAscending(t *testing.T) {
	_, rec, _ := runCycles(t, 1)
	burst := rec.Calls()[0]

	for i, p := range burst.Payloads {
		v, _ := scheduler.Decode(p)
		if v != uint64(i+1) {
			t.Fatalf("burst payload %d = %d, want %d", i, v, i+1)
		}
	}
}

func TestRun_SleepSequence(t *testing.T) {
	_, _, clock := runCycles(t, 1)

	var want []time.Duration
	want = append(want, 4*time.Minute)
	want = append(want, time.Minute, time.Minute)
	for i := 0; i < 120; i++ {
		want = append(want, time.Second)
	}
	want = append(want, 5*time.Minute)

	got := clock.durations()
	if len(got) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRun_SecondCycleContinuesCounter(t *testing.T) {
	s, rec, _ := runCycles(t, 2)
	calls := rec.Calls()

	if len(calls) != 246 {
		t.Fatalf("expected 246 calls over two cycles, got %d", len(calls))
	}
	second := calls[123]
	if !second.Batch || len(second.Payloads) != 1000 {
		t.Fatal("second cycle must restart with the opening burst")
	}
	first, _ := scheduler.Decode(second.Payloads[0])
	if first != 2263 || lastValue(t, second) != 3262 {
		t.Errorf("second opening burst spans %d..%d, want 2263..3262", first, lastValue(t, second))
	}

	vals := values(t, calls)
	for i, v := range vals {
		if v != uint64(i+1) {
			t.Fatalf("message %d has value %d, want %d", i, v, i+1)
		}
	}
	if s.Counter() != 4524 {
		t.Errorf("expected counter 4524, got %d", s.Counter())
	}
}

func TestRun_CancelledBeforeStart_NoSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &sink.Recorder{Hook: func(sink.Call) error {
		t.Error("sink must not be called after cancellation")
		return nil
	}}
	s := scheduler.New(phase.DefaultTable(), scheduler.WithLogger(quietLogger()))

	if err := s.Run(ctx, rec); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if s.Counter() != 0 {
		t.Errorf("expected counter 0, got %d", s.Counter())
	}
}

func TestRun_CancelDuringPause_ReturnsPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sink.Recorder{}
	s := scheduler.New(phase.DefaultTable(), scheduler.WithLogger(quietLogger()))

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- s.Run(ctx, rec) }()

	// Wait for the opening burst, then cancel inside the 4 minute pause.
	deadline := time.Now().Add(2 * time.Second)
	for rec.Sent() < 1000 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Sent() != 1000 {
		t.Fatalf("expected opening burst to be sent, got %d", rec.Sent())
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within 2s of cancellation")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run took %v, expected a prompt return", elapsed)
	}
	if len(rec.Calls()) != 1 {
		t.Errorf("expected only the opening burst, got %d calls", len(rec.Calls()))
	}
}

func TestRun_CancelMidPhase_StopsBeforeNextEmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	rec := &sink.Recorder{Hook: func(sink.Call) error {
		calls++
		if calls == 5 {
			cancel()
		}
		return nil
	}}
	// A sleeper that never checks ctx, so only the pre-emission check can stop the run.
	s := scheduler.New(phase.DefaultTable(),
		scheduler.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		scheduler.WithLogger(quietLogger()),
	)

	if err := s.Run(ctx, rec); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if got := len(rec.Calls()); got != 5 {
		t.Errorf("expected exactly 5 calls, got %d", got)
	}
}

func TestRun_SendErrorIsReturned(t *testing.T) {
	boom := errors.New("broker unreachable")
	var calls int
	rec := &sink.Recorder{Hook: func(sink.Call) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	}}
	reg := &metrics.Registry{}
	s := scheduler.New(phase.DefaultTable(),
		scheduler.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		scheduler.WithLogger(quietLogger()),
		scheduler.WithMetrics(reg),
	)

	err := s.Run(context.Background(), rec)
	if !errors.Is(err, boom) {
		t.Fatalf("expected send error to propagate, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected no sends after the failure, got %d calls", calls)
	}
	// burst (1000) + first slow-minute (1001) succeeded; 1002 failed.
	if s.Counter() != 1001 {
		t.Errorf("expected counter 1001 after failure, got %d", s.Counter())
	}
	if reg.SendErrors.Value("slow-minute") != 1 {
		t.Errorf("expected one slow-minute send error, got %d", reg.SendErrors.Value("slow-minute"))
	}
	if s.Status().Running {
		t.Error("scheduler must not report running after Run returns")
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := &metrics.Registry{}
	runCycles(t, 1, scheduler.WithMetrics(reg))

	if got := reg.Sent.Value("burst"); got != 1000 {
		t.Errorf("Sent[burst] = %d, want 1000", got)
	}
	if got := reg.Sent.Value("burst-second"); got != 1200 {
		t.Errorf("Sent[burst-second] = %d, want 1200", got)
	}
	if got := reg.Emissions.Value(metrics.EmissionKey("slow-second", "single")); got != 60 {
		t.Errorf("Emissions[slow-second] = %d, want 60", got)
	}
	// The run is cancelled while resting, before the cycle is counted.
	if got := reg.Cycles.Load(); got != 0 {
		t.Errorf("Cycles = %d, want 0", got)
	}
	if got := reg.Counter.Load(); got != 2262 {
		t.Errorf("Counter gauge = %d, want 2262", got)
	}
}

func TestRun_CountsCompletedCycles(t *testing.T) {
	reg := &metrics.Registry{}
	runCycles(t, 3, scheduler.WithMetrics(reg))
	if got := reg.Cycles.Load(); got != 2 {
		t.Errorf("Cycles = %d, want 2", got)
	}
}

func TestStatus_TracksPhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var s *scheduler.Scheduler
	var seen []scheduler.Snapshot
	rec := &sink.Recorder{Hook: func(sink.Call) error {
		seen = append(seen, s.Status())
		return nil
	}}
	clock := &fakeClock{stopAfter: 1, cancel: cancel}
	s = scheduler.New(phase.DefaultTable(),
		scheduler.WithSleeper(clock.sleep),
		scheduler.WithLogger(quietLogger()),
	)
	if err := s.Run(ctx, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != 123 {
		t.Fatalf("expected 123 snapshots, got %d", len(seen))
	}
	if seen[0].Phase != "burst" || seen[0].Emission != 1 || !seen[0].Running || seen[0].Cycle != 1 {
		t.Errorf("unexpected first snapshot: %+v", seen[0])
	}
	if seen[2].Phase != "slow-minute" || seen[2].Emission != 2 || seen[2].Counter != 1001 {
		t.Errorf("unexpected slow-minute snapshot: %+v", seen[2])
	}
	if last := seen[122]; last.Phase != "burst-second" || last.Emission != 60 {
		t.Errorf("unexpected last snapshot: %+v", last)
	}
	if st := s.Status(); st.Phase != "rest" || st.Running {
		t.Errorf("expected stopped in rest, got %+v", st)
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sink.Recorder{}
	s := scheduler.New(phase.DefaultTable(), scheduler.WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, rec) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Status().Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Run(ctx, rec); !errors.Is(err, scheduler.ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("first Run: %v", err)
	}
}

func TestRun_CustomTable(t *testing.T) {
	tbl, err := phase.NewTable(time.Millisecond,
		phase.Phase{Name: "pair", Mode: phase.Batch, Count: 2, Repeats: 3},
		phase.Phase{Name: "one", Mode: phase.SingleRepeat, Count: 1, Repeats: 1},
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sink.Recorder{Hook: func(sink.Call) error { return nil }}
	var rests int
	s := scheduler.New(tbl,
		scheduler.WithLogger(quietLogger()),
		scheduler.WithSleeper(func(ctx context.Context, d time.Duration) error {
			rests++
			cancel()
			return ctx.Err()
		}),
	)
	if err := s.Run(ctx, rec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := values(t, rec.Calls()); len(got) != 7 || got[6] != 7 {
		t.Errorf("expected values 1..7, got %v", got)
	}
	if rests != 1 {
		t.Errorf("expected a single rest sleep, got %d", rests)
	}
}
