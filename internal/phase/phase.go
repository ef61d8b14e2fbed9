// Package phase describes the traffic pattern pulse emits.
//
// A Table is an ordered list of Phases followed by a closing Rest. The
// scheduler walks the table, sleeps Rest, and starts again from the first
// phase, forever.
package phase

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects which sink operation a phase uses.
type Mode uint8

const (
	// Batch emits Count messages in one SendBatch call per repeat.
	Batch Mode = iota
	// SingleRepeat emits one message with SendOne per repeat.
	SingleRepeat
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case Batch:
		return "batch"
	case SingleRepeat:
		return "single"
	default:
		return "unknown"
	}
}

// Phase is one stage of the traffic pattern. Phases are values; the table
// hands out copies.
type Phase struct {
	Name string
	Mode Mode
	// Count is the number of messages per emission. Always 1 for SingleRepeat.
	Count int
	// Interval is slept after every emission. Zero means no sleep.
	Interval time.Duration
	// Repeats is the number of emissions in the phase.
	Repeats int
	// Pause is slept once after the last emission.
	Pause time.Duration
}

// Messages returns how many messages the phase emits in total.
func (p Phase) Messages() int { return p.Count * p.Repeats }

// Validate reports the first inconsistency in p.
func (p Phase) Validate() error {
	if p.Name == "" {
		return errors.New("phase name must not be empty")
	}
	if p.Count < 1 {
		return fmt.Errorf("phase %s: count must be at least 1", p.Name)
	}
	if p.Repeats < 1 {
		return fmt.Errorf("phase %s: repeats must be at least 1", p.Name)
	}
	if p.Interval < 0 || p.Pause < 0 {
		return fmt.Errorf("phase %s: interval and pause must not be negative", p.Name)
	}
	switch p.Mode {
	case Batch:
	case SingleRepeat:
		if p.Count != 1 {
			return fmt.Errorf("phase %s: single mode sends exactly one message per emission", p.Name)
		}
	default:
		return fmt.Errorf("phase %s: unknown mode %d", p.Name, p.Mode)
	}
	return nil
}

// Table is an immutable, cyclic sequence of phases.
type Table struct {
	phases []Phase
	rest   time.Duration
}

// NewTable validates phases and returns a Table that sleeps rest after the
// last phase of every cycle.
func NewTable(rest time.Duration, phases ...Phase) (*Table, error) {
	if len(phases) == 0 {
		return nil, errors.New("phase table must have at least one phase")
	}
	if rest < 0 {
		return nil, errors.New("phase table rest must not be negative")
	}
	seen := make(map[string]bool, len(phases))
	for _, p := range phases {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate phase name %q", p.Name)
		}
		seen[p.Name] = true
	}
	cp := make([]Phase, len(phases))
	copy(cp, phases)
	return &Table{phases: cp, rest: rest}, nil
}

// DefaultTable returns the pulse traffic pattern:
//
//	burst         1 × batch of 1000, then 4m pause
//	slow-minute   2 × single, 1m apart
//	slow-second  60 × single, 1s apart
//	burst-second 60 × batch of 20, 1s apart
//	rest          5m
//
// One cycle emits 2262 messages.
func DefaultTable() *Table {
	t, err := NewTable(5*time.Minute,
		Phase{Name: "burst", Mode: Batch, Count: 1000, Repeats: 1, Pause: 4 * time.Minute},
		Phase{Name: "slow-minute", Mode: SingleRepeat, Count: 1, Interval: time.Minute, Repeats: 2},
		Phase{Name: "slow-second", Mode: SingleRepeat, Count: 1, Interval: time.Second, Repeats: 60},
		Phase{Name: "burst-second", Mode: Batch, Count: 20, Interval: time.Second, Repeats: 60},
	)
	if err != nil {
		panic(fmt.Sprintf("phase.DefaultTable: %v", err))
	}
	return t
}

// Len returns the number of phases.
func (t *Table) Len() int { return len(t.phases) }

// At returns a copy of the i-th phase.
func (t *Table) At(i int) Phase { return t.phases[i] }

// Phases returns a copy of all phases in order.
func (t *Table) Phases() []Phase {
	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

// Rest returns the closing interval slept after each cycle.
func (t *Table) Rest() time.Duration { return t.rest }

// CycleMessages returns the number of messages one full cycle emits.
func (t *Table) CycleMessages() int {
	n := 0
	for _, p := range t.phases {
		n += p.Messages()
	}
	return n
}

// CycleDuration returns the total time one cycle spends sleeping. Send time is
// not included.
func (t *Table) CycleDuration() time.Duration {
	d := t.rest
	for _, p := range t.phases {
		d += time.Duration(p.Repeats)*p.Interval + p.Pause
	}
	return d
}
