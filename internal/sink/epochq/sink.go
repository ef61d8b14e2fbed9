// Package epochq implements sink.MessageSink on top of an EpochQ broker.
//
// Every message goes to the queue named config.OutputName inside the
// connection's namespace and carries three metadata keys:
//
//	output    config.OutputName, for consumers that route on it
//	run_id    ULID of this process lifetime
//	batch_id  ULID shared by all messages of one SendBatch call (batches only)
package epochq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/epochq-pulse/internal/config"
	"github.com/snehjoshi/epochq-pulse/internal/ident"
	"github.com/snehjoshi/epochq-pulse/pkg/client"
)

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithRunID overrides the generated run ID.
func WithRunID(id ident.ID) Option {
	return func(s *Sink) { s.runID = id }
}

// Sink publishes payloads to an EpochQ queue.
type Sink struct {
	c         *client.Client
	namespace string
	queue     string
	maxBatch  int
	runID     ident.ID
	logger    *slog.Logger
}

// Open dials the broker described by conn: it installs conn.CACert into the
// TLS trust store, checks /health, and makes sure the namespace and the output
// queue exist. Any failure here is a startup error.
func Open(ctx context.Context, conn config.Connection, opts ...Option) (*Sink, error) {
	s := &Sink{
		namespace: conn.Namespace,
		queue:     config.OutputName,
		maxBatch:  conn.MaxBatch,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxBatch < 1 {
		s.maxBatch = 100
	}
	if s.runID.IsZero() {
		id, err := ident.New()
		if err != nil {
			return nil, err
		}
		s.runID = id
	}

	hc, err := newHTTPClient(conn.CACert)
	if err != nil {
		return nil, err
	}
	copts := []client.Option{client.WithHTTPClient(hc)}
	if conn.Timeout > 0 {
		copts = append(copts, client.WithTimeout(conn.Timeout))
	}
	if conn.APIKey != "" {
		copts = append(copts, client.WithAPIKey(conn.APIKey))
	}
	s.c = client.New(conn.Endpoint, copts...)

	h, err := s.c.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker health check: %w", err)
	}

	if err := s.c.CreateNamespace(ctx, s.namespace); err != nil && !client.IsConflict(err) {
		return nil, fmt.Errorf("create namespace %s: %w", s.namespace, err)
	}
	if err := s.c.CreateQueue(ctx, s.namespace, s.queue); err != nil && !client.IsConflict(err) {
		return nil, fmt.Errorf("create queue %s/%s: %w", s.namespace, s.queue, err)
	}

	s.logger.Info("broker connected",
		"endpoint", conn.Endpoint,
		"node_id", h.NodeID,
		"broker_version", h.Version,
		"namespace", s.namespace,
		"queue", s.queue,
		"run_id", s.runID.String(),
	)
	return s, nil
}

// RunID returns the ULID attached to every message of this process.
func (s *Sink) RunID() ident.ID { return s.runID }

// SendOne publishes a single message.
func (s *Sink) SendOne(ctx context.Context, payload []byte) error {
	if _, err := s.c.Publish(ctx, s.namespace, s.queue, payload,
		client.WithMetadata(s.metadata(""))); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// SendBatch publishes payloads in requests of at most maxBatch messages,
// submitted in order. All chunks share one batch_id. The first failing chunk
// fails the whole call; chunks already accepted are not rolled back.
func (s *Sink) SendBatch(ctx context.Context, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	batchID, err := ident.New()
	if err != nil {
		return err
	}
	meta := client.WithMetadata(s.metadata(batchID))

	for start := 0; start < len(payloads); start += s.maxBatch {
		end := min(start+s.maxBatch, len(payloads))
		if _, err := s.c.PublishBatch(ctx, s.namespace, s.queue, payloads[start:end], meta); err != nil {
			return fmt.Errorf("publish batch %s [%d:%d]: %w", batchID, start, end, err)
		}
	}
	s.logger.Debug("batch published", "batch_id", batchID.String(), "messages", len(payloads))
	return nil
}

func (s *Sink) metadata(batchID ident.ID) map[string]string {
	m := map[string]string{
		"output": config.OutputName,
		"run_id": s.runID.String(),
	}
	if !batchID.IsZero() {
		m["batch_id"] = batchID.String()
	}
	return m
}
