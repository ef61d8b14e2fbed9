// Package metrics provides a small Prometheus-compatible registry for pulse.
// It renders the text exposition format directly rather than pulling in
// prometheus/client_golang.
//
// Label keys are tab-separated strings so one sync.Map holds every label
// combination:
//
//	Sent / SendErrors  →  key = "phase"
//	Emissions          →  key = "phase\tmode"
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current value for key (0 if never touched).
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	type kv struct {
		k string
		v int64
	}
	var all []kv
	lc.vals.Range(func(k, v any) bool {
		all = append(all, kv{k.(string), v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].k < all[j].k })
	for _, e := range all {
		fn(e.k, e.v)
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all pulse metrics. The zero value is ready to use.
type Registry struct {
	Sent       labelCounter // messages accepted by the sink, by phase
	Emissions  labelCounter // sink calls, by phase and mode
	SendErrors labelCounter // failed sink calls, by phase

	Cycles  atomic.Int64  // completed passes over the phase table
	Counter atomic.Uint64 // last payload value handed to the sink
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	var b strings.Builder

	writeFamily(&b, "pulse_messages_sent_total",
		"Total messages accepted by the sink", "counter",
		func(fn func(labels, val string)) {
			r.Sent.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`phase=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "pulse_emissions_total",
		"Total sink calls by phase and mode", "counter",
		func(fn func(labels, val string)) {
			r.Emissions.Each(func(key string, val int64) {
				p, mode := splitTwo(key)
				fn(fmt.Sprintf(`phase=%q,mode=%q`, p, mode), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "pulse_send_errors_total",
		"Total failed sink calls by phase", "counter",
		func(fn func(labels, val string)) {
			r.SendErrors.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`phase=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	writeScalar(&b, "pulse_cycles_total",
		"Completed passes over the phase table", "counter",
		fmt.Sprintf("%d", r.Cycles.Load()))

	writeScalar(&b, "pulse_counter",
		"Last payload value handed to the sink", "gauge",
		fmt.Sprintf("%d", r.Counter.Load()))

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a labelled metric family to b, skipping it when empty.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// writeScalar writes an unlabelled metric. Scalars are always present.
func writeScalar(b *strings.Builder, name, help, typ, val string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(b, "%s %s\n", name, val)
}

// splitTwo splits a tab-delimited key "a\tb" into (a, b).
func splitTwo(key string) (string, string) {
	a, b, _ := strings.Cut(key, "\t")
	return a, b
}

// EmissionKey builds the label key used by Emissions.
func EmissionKey(phase, mode string) string {
	return phase + "\t" + mode
}
