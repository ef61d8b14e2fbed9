// Command pulse is a synthetic traffic generator for an EpochQ broker.
// It publishes an endless, stepped pattern of messages (a burst, slow single
// sends, then a burst every second) until it receives SIGINT or SIGTERM.
//
// pulse takes no flags. It reads PULSE_CONFIG (default pulse.yaml) if present
// and the PULSE_* environment variables; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/epochq-pulse/internal/config"
	"github.com/snehjoshi/epochq-pulse/internal/ident"
	"github.com/snehjoshi/epochq-pulse/internal/metrics"
	"github.com/snehjoshi/epochq-pulse/internal/phase"
	"github.com/snehjoshi/epochq-pulse/internal/scheduler"
	"github.com/snehjoshi/epochq-pulse/internal/sink"
	"github.com/snehjoshi/epochq-pulse/internal/sink/epochq"
	transphttp "github.com/snehjoshi/epochq-pulse/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulse: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	configPath := os.Getenv("PULSE_CONFIG")
	if configPath == "" {
		configPath = "pulse.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// ── 3. Cancellation on SIGINT / SIGTERM ──────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID, err := ident.New()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}

	// ── 4. Open the sink ─────────────────────────────────────────────────────
	var out sink.MessageSink
	if cfg.DryRun {
		logger.Warn("dry run: messages are logged, not sent")
		out = &sink.Recorder{Logger: logger, Discard: true}
	} else {
		conn, err := cfg.Dial()
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		openCtx, cancel := context.WithTimeout(ctx, conn.Timeout)
		s, err := epochq.Open(openCtx, conn,
			epochq.WithLogger(logger),
			epochq.WithRunID(runID),
		)
		cancel()
		if err != nil {
			return fmt.Errorf("open broker: %w", err)
		}
		out = s
	}

	// ── 5. Scheduler ─────────────────────────────────────────────────────────
	table := phase.DefaultTable()
	metricsReg := &metrics.Registry{}
	sched := scheduler.New(table,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metricsReg),
	)

	// ── 6. Status listener ───────────────────────────────────────────────────
	var srv *transphttp.Server
	if cfg.Status.Enabled {
		srv = transphttp.New(sched, runID.String(), metricsReg, cfg.Status.PushInterval())
		addr := fmt.Sprintf("%s:%d", cfg.Status.Host, cfg.Status.Port)
		go func() {
			slog.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("status server error", "err", err)
			}
		}()
	}

	slog.Info("pulse starting",
		"run_id", runID.String(),
		"phases", table.Len(),
		"messages_per_cycle", table.CycleMessages(),
		"cycle_sleep", table.CycleDuration().String(),
		"dry_run", cfg.DryRun,
	)

	// ── 7. Run until cancelled or a send fails ───────────────────────────────
	runErr := sched.Run(ctx, out)

	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("status server shutdown error", "err", err)
		}
	}

	if runErr != nil {
		slog.Error("send failed, exiting", "err", runErr, "counter", sched.Counter())
		return runErr
	}
	slog.Info("pulse stopped", "counter", sched.Counter())
	return nil
}
