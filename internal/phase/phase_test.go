package phase_test

import (
	"testing"
	"time"

	"github.com/snehjoshi/epochq-pulse/internal/phase"
)

func TestDefaultTable_Shape(t *testing.T) {
	tbl := phase.DefaultTable()

	want := []phase.Phase{
		{Name: "burst", Mode: phase.Batch, Count: 1000, Repeats: 1, Pause: 4 * time.Minute},
		{Name: "slow-minute", Mode: phase.SingleRepeat, Count: 1, Interval: time.Minute, Repeats: 2},
		{Name: "slow-second", Mode: phase.SingleRepeat, Count: 1, Interval: time.Second, Repeats: 60},
		{Name: "burst-second", Mode: phase.Batch, Count: 20, Interval: time.Second, Repeats: 60},
	}
	if tbl.Len() != len(want) {
		t.Fatalf("expected %d phases, got %d", len(want), tbl.Len())
	}
	for i, w := range want {
		if got := tbl.At(i); got != w {
			t.Errorf("phase %d: got %+v, want %+v", i, got, w)
		}
	}
	if tbl.Rest() != 5*time.Minute {
		t.Errorf("expected 5m rest, got %v", tbl.Rest())
	}
}

func TestDefaultTable_CycleMessages(t *testing.T) {
	if got := phase.DefaultTable().CycleMessages(); got != 2262 {
		t.Errorf("expected 2262 messages per cycle, got %d", got)
	}
}

func TestDefaultTable_CycleDuration(t *testing.T) {
	// 4m + 2×1m + 60×1s + 60×1s + 5m
	want := 4*time.Minute + 2*time.Minute + 2*time.Minute + 5*time.Minute
	if got := phase.DefaultTable().CycleDuration(); got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTable_PhasesIsACopy(t *testing.T) {
	tbl := phase.DefaultTable()
	ps := tbl.Phases()
	ps[0].Count = 1
	if tbl.At(0).Count != 1000 {
		t.Error("mutating Phases() result must not change the table")
	}
}

func TestNewTable_Rejects(t *testing.T) {
	ok := phase.Phase{Name: "a", Mode: phase.Batch, Count: 2, Repeats: 1}

	tests := []struct {
		name   string
		rest   time.Duration
		phases []phase.Phase
	}{
		{name: "empty", rest: time.Second},
		{name: "negative rest", rest: -time.Second, phases: []phase.Phase{ok}},
		{name: "duplicate names", phases: []phase.Phase{ok, ok}},
		{name: "no name", phases: []phase.Phase{{Mode: phase.Batch, Count: 1, Repeats: 1}}},
		{name: "zero count", phases: []phase.Phase{{Name: "x", Mode: phase.Batch, Repeats: 1}}},
		{name: "zero repeats", phases: []phase.Phase{{Name: "x", Mode: phase.Batch, Count: 1}}},
		{name: "single with count 5", phases: []phase.Phase{{Name: "x", Mode: phase.SingleRepeat, Count: 5, Repeats: 1}}},
		{name: "negative interval", phases: []phase.Phase{{Name: "x", Mode: phase.Batch, Count: 1, Repeats: 1, Interval: -1}}},
		{name: "unknown mode", phases: []phase.Phase{{Name: "x", Mode: phase.Mode(9), Count: 1, Repeats: 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := phase.NewTable(tc.rest, tc.phases...); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMode_String(t *testing.T) {
	if phase.Batch.String() != "batch" || phase.SingleRepeat.String() != "single" {
		t.Errorf("unexpected mode strings: %s %s", phase.Batch, phase.SingleRepeat)
	}
	if phase.Mode(42).String() != "unknown" {
		t.Error("expected unknown for out-of-range mode")
	}
}
