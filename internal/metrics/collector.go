// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the bot. It outputs text/plain in Prometheus exposition format
// without requiring the heavy prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindHistogram kind = "histogram"
)

// family groups the series sharing a metric name. The exposition format
// requires a family's series to be contiguous.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any // labels -> *Counter | *Histogram
}

// MetricsCollector aggregates counters and histograms.
type MetricsCollector struct {
	mu        sync.RWMutex
	families  map[string]*family
	startTime time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		families:  make(map[string]*family),
		startTime: time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }

func (c *Counter) Add(n int64) { c.value.Add(n) }

func (c *Counter) Value() int64 { return c.value.Load() }

// Histogram tracks the distribution of values over fixed upper bounds.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64 // sorted, last is +Inf
	counts []int64   // cumulative per bound
	count  int64
	sum    float64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func newHistogram(buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
}

// series returns the metric for name+labels, creating the family and series
// on first use. A name registered with another kind panics.
func (c *MetricsCollector) series(name, help string, k kind, labels string, create func() any) any {
	c.mu.RLock()
	if f, ok := c.families[name]; ok {
		if s, ok := f.series[labels]; ok {
			c.mu.RUnlock()
			return s
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		c.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = create()
		f.series[labels] = s
	}
	return s
}

// Counter returns or creates the counter with the given name and labels.
// labels is the rendered label set, e.g. `status="completed"`.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.series(name, help, kindCounter, labels, func() any { return &Counter{} }).(*Counter)
}

// Histogram returns or creates the histogram with the given name and labels.
// A +Inf bucket is added when missing.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.series(name, help, kindHistogram, labels, func() any { return newHistogram(buckets) }).(*Histogram)
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.render())
	}
}

func (c *MetricsCollector) render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP uniqua_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE uniqua_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "uniqua_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.families))
	for name := range c.families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := c.families[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", f.name, f.kind)

		labelSets := make([]string, 0, len(f.series))
		for labels := range f.series {
			labelSets = append(labelSets, labels)
		}
		sort.Strings(labelSets)

		for _, labels := range labelSets {
			switch m := f.series[labels].(type) {
			case *Counter:
				fmt.Fprintf(&sb, "%s%s %d\n", f.name, braces(labels), m.Value())
			case *Histogram:
				writeHistogram(&sb, f.name, labels, m)
			}
		}
	}
	return sb.String()
}

func writeHistogram(sb *strings.Builder, name, labels string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		bound := fmt.Sprintf("%g", le)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(sb, "%s_bucket{%s%sle=%q} %d\n", name, labels, sep, bound, h.counts[i])
	}
	fmt.Fprintf(sb, "%s_count%s %d\n", name, braces(labels), h.count)
	fmt.Fprintf(sb, "%s_sum%s %g\n", name, braces(labels), h.sum)
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}
