// Package sink defines where pulse sends its messages.
//
// The scheduler only ever sees MessageSink. Connection setup, credentials and
// TLS belong to the concrete implementation (see sink/epochq).
package sink

import (
	"context"
	"log/slog"
	"sync"
)

// MessageSink accepts single or batched payloads for transmission.
// Implementations must return an error when a payload was not accepted.
type MessageSink interface {
	SendOne(ctx context.Context, payload []byte) error
	// SendBatch submits payloads together. Ordering on the far side is not
	// guaranteed.
	SendBatch(ctx context.Context, payloads [][]byte) error
}

// Call is one recorded sink invocation.
type Call struct {
	Batch    bool
	Payloads [][]byte
}

// Recorder is an in-memory MessageSink. It keeps every call and, when Logger
// is set, logs each one at debug level. It backs dry runs and tests.
type Recorder struct {
	// Logger, when non-nil, receives one debug line per call.
	Logger *slog.Logger
	// Hook, when non-nil, runs before a call is recorded. A non-nil error is
	// returned to the caller and the call is not recorded.
	Hook func(Call) error
	// Discard drops calls after logging them instead of keeping them.
	Discard bool

	mu    sync.Mutex
	calls []Call
	sent  int
}

// SendOne implements MessageSink.
func (r *Recorder) SendOne(_ context.Context, payload []byte) error {
	return r.record(Call{Payloads: [][]byte{clone(payload)}})
}

// SendBatch implements MessageSink.
func (r *Recorder) SendBatch(_ context.Context, payloads [][]byte) error {
	cp := make([][]byte, len(payloads))
	for i, p := range payloads {
		cp[i] = clone(p)
	}
	return r.record(Call{Batch: true, Payloads: cp})
}

func (r *Recorder) record(c Call) error {
	if r.Hook != nil {
		if err := r.Hook(c); err != nil {
			return err
		}
	}
	if r.Logger != nil && len(c.Payloads) > 0 {
		r.Logger.Debug("sink call",
			"batch", c.Batch,
			"messages", len(c.Payloads),
			"first", string(c.Payloads[0]),
			"last", string(c.Payloads[len(c.Payloads)-1]),
		)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent += len(c.Payloads)
	if !r.Discard {
		r.calls = append(r.calls, c)
	}
	return nil
}

// Calls returns a copy of the recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Sent returns the number of payloads accepted so far, including discarded ones.
func (r *Recorder) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
