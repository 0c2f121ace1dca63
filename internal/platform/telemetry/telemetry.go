// Package telemetry keeps in-process metrics for the claim pipeline and
// serves them in Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		out[i] = running
	}
	return out
}

// Metrics collects request latency, claim lifecycle events and sweep
// outcomes. The zero value is not usable; call New.
type Metrics struct {
	mu         sync.RWMutex
	requests   map[string]*histogram // method|route|status
	counters   map[string]*int64     // metric|label values
	active     int64
	lastSweeps map[string]time.Time
}

// New returns an empty Metrics.
func New() *Metrics {
	return &Metrics{
		requests:   make(map[string]*histogram),
		counters:   make(map[string]*int64),
		lastSweeps: make(map[string]time.Time),
	}
}

func (m *Metrics) add(key string, delta int64) {
	m.mu.RLock()
	p, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.counters[key]; !ok {
			p = new(int64)
			m.counters[key] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

// Counter returns the value of a counter. Labels are given in the order
// the metric declares them.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.counters[counterKey(name, labels...)]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func counterKey(name string, labels ...string) string {
	return strings.Join(append([]string{name}, labels...), "|")
}

// Notify counts a claim lifecycle event. It satisfies the processor's event
// sink so it can sit next to the webhook notifier.
func (m *Metrics) Notify(_ context.Context, eventType, _ string, _ interface{}) error {
	m.add(counterKey("claim_events_total", eventType), 1)
	return nil
}

// RecordSweep counts the outcome of one sweep cycle.
func (m *Metrics) RecordSweep(name string, handled, skipped, failed int, err error) {
	if err != nil {
		m.add(counterKey("sweep_errors_total", name), 1)
		return
	}
	m.add(counterKey("sweep_claims_total", name, "handled"), int64(handled))
	m.add(counterKey("sweep_claims_total", name, "skipped"), int64(skipped))
	m.add(counterKey("sweep_claims_total", name, "failed"), int64(failed))
	m.mu.Lock()
	m.lastSweeps[name] = time.Now()
	m.mu.Unlock()
}

// Middleware records request duration by method, route and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.active, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := c.Request().Method + "|" + route + "|" + strconv.Itoa(status)

			m.mu.RLock()
			h, ok := m.requests[key]
			m.mu.RUnlock()
			if !ok {
				m.mu.Lock()
				if h, ok = m.requests[key]; !ok {
					h = newHistogram(defaultDurationBuckets)
					m.requests[key] = h
				}
				m.mu.Unlock()
			}
			h.observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the metrics at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Render())
	}
}

// Render writes every metric in Prometheus text format, sorted by label set.
func (m *Metrics) Render() string {
	var b strings.Builder

	m.mu.RLock()
	requests := make(map[string]*histogram, len(m.requests))
	for k, v := range m.requests {
		requests[k] = v
	}
	counters := make(map[string]int64, len(m.counters))
	for k, p := range m.counters {
		counters[k] = atomic.LoadInt64(p)
	}
	sweeps := make(map[string]time.Time, len(m.lastSweeps))
	for k, v := range m.lastSweeps {
		sweeps[k] = v
	}
	m.mu.RUnlock()

	const reqName = "http_server_request_duration_seconds"
	b.WriteString("# HELP " + reqName + " Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE " + reqName + " histogram\n")
	for _, key := range sortedKeys(requests) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, reqName, labels, requests[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

	writeCounter(&b, counters, "claim_events_total", "Claim lifecycle events by type.", "event")
	writeCounter(&b, counters, "sweep_claims_total", "Claims visited by sweeps, by outcome.", "sweep", "outcome")
	writeCounter(&b, counters, "sweep_errors_total", "Sweep cycles that failed to fetch candidates.", "sweep")

	b.WriteString("# HELP sweep_last_success_timestamp_seconds Unix time of the last completed sweep cycle.\n")
	b.WriteString("# TYPE sweep_last_success_timestamp_seconds gauge\n")
	for _, name := range sortedKeys(sweeps) {
		fmt.Fprintf(&b, "sweep_last_success_timestamp_seconds{sweep=%q} %d\n", name, sweeps[name].Unix())
	}
	return b.String()
}

func writeCounter(b *strings.Builder, counters map[string]int64, name, help string, labelNames ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(counters) {
		parts := strings.Split(key, "|")
		if parts[0] != name || len(parts) != len(labelNames)+1 {
			continue
		}
		pairs := make([]string, len(labelNames))
		for i, l := range labelNames {
			pairs[i] = fmt.Sprintf("%s=%q", l, parts[i+1])
		}
		fmt.Fprintf(b, "%s{%s} %d\n", name, strings.Join(pairs, ","), counters[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulative()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	total := atomic.LoadInt64(&h.count)
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
