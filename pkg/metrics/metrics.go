// Prometheus text-format metric primitives backing the lathe exporter.
//
// Counter, Gauge and Histogram hold labelled series; a Registry renders
// everything in registration order as exposition text. Counter updates
// are atomic so the control loop can bump them without taking a lock.

package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Labels identifies one series of a metric, e.g. {"axis": "z"}.
type Labels map[string]string

// seriesKey builds a stable map key for a label set. nil and empty
// labels address the same series.
func seriesKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

// renderLabels formats a label set as {k="v",...}, empty for no labels.
func renderLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabelValue(labels[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func escapeLabelValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func writeHeader(sb *strings.Builder, name, help, typ string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

// Metric is anything the Registry can render.
type Metric interface {
	Name() string
	render(sb *strings.Builder)
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	series sync.Map // seriesKey -> *counterSeries
}

type counterSeries struct {
	labels Labels
	n      uint64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Name() string { return c.name }

// Inc increments the series for labels by 1.
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add increments the series for labels by delta.
func (c *Counter) Add(labels Labels, delta uint64) {
	v, _ := c.series.LoadOrStore(seriesKey(labels), &counterSeries{labels: labels})
	atomic.AddUint64(&v.(*counterSeries).n, delta)
}

// Get returns the current value of the series for labels, 0 if the
// series has never been touched.
func (c *Counter) Get(labels Labels) uint64 {
	v, ok := c.series.Load(seriesKey(labels))
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&v.(*counterSeries).n)
}

func (c *Counter) render(sb *strings.Builder) {
	writeHeader(sb, c.name, c.help, "counter")
	c.series.Range(func(_, v interface{}) bool {
		s := v.(*counterSeries)
		fmt.Fprintf(sb, "%s%s %d\n", c.name, renderLabels(s.labels), atomic.LoadUint64(&s.n))
		return true
	})
}

// Gauge is a metric that is set to an instantaneous value.
type Gauge struct {
	name   string
	help   string
	series sync.Map // seriesKey -> *gaugeSeries
}

type gaugeSeries struct {
	mu     sync.Mutex
	labels Labels
	v      float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Name() string { return g.name }

// Set records value as the current reading of the series for labels.
func (g *Gauge) Set(labels Labels, value float64) {
	v, _ := g.series.LoadOrStore(seriesKey(labels), &gaugeSeries{labels: labels})
	gs := v.(*gaugeSeries)
	gs.mu.Lock()
	gs.v = value
	gs.mu.Unlock()
}

// Get returns the current reading of the series for labels.
func (g *Gauge) Get(labels Labels) float64 {
	v, ok := g.series.Load(seriesKey(labels))
	if !ok {
		return 0
	}
	gs := v.(*gaugeSeries)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.v
}

func (g *Gauge) render(sb *strings.Builder) {
	writeHeader(sb, g.name, g.help, "gauge")
	g.series.Range(func(_, v interface{}) bool {
		gs := v.(*gaugeSeries)
		gs.mu.Lock()
		val := gs.v
		gs.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, renderLabels(gs.labels), formatFloat(val))
		return true
	})
}

// Histogram tracks the distribution of observations across fixed
// upper-bound buckets.
type Histogram struct {
	name    string
	help    string
	bounds  []float64
	series  sync.Map // seriesKey -> *histogramSeries
}

type histogramSeries struct {
	mu      sync.Mutex
	labels  Labels
	count   uint64
	sum     float64
	perBand []uint64
}

// NewHistogram creates a histogram with the given bucket upper bounds.
// Bounds are sorted; the +Inf bucket is implicit.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	sorted := make([]float64, len(bounds))
	copy(sorted, bounds)
	sort.Float64s(sorted)
	return &Histogram{name: name, help: help, bounds: sorted}
}

func (h *Histogram) Name() string { return h.name }

// Observe records one value in the series for labels.
func (h *Histogram) Observe(labels Labels, value float64) {
	v, _ := h.series.LoadOrStore(seriesKey(labels), &histogramSeries{
		labels:  labels,
		perBand: make([]uint64, len(h.bounds)),
	})
	hs := v.(*histogramSeries)
	hs.mu.Lock()
	hs.count++
	hs.sum += value
	for i, bound := range h.bounds {
		if value <= bound {
			hs.perBand[i]++
		}
	}
	hs.mu.Unlock()
}

// HistogramSnapshot is a point-in-time copy of one histogram series.
// Buckets holds cumulative counts keyed by upper bound.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

// GetSnapshot returns a snapshot of the series for labels.
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	v, ok := h.series.Load(seriesKey(labels))
	if !ok {
		return HistogramSnapshot{Buckets: make(map[float64]uint64)}
	}
	hs := v.(*histogramSeries)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	buckets := make(map[float64]uint64, len(h.bounds))
	cumulative := uint64(0)
	for i, bound := range h.bounds {
		cumulative += hs.perBand[i]
		buckets[bound] = cumulative
	}
	return HistogramSnapshot{Count: hs.count, Sum: hs.sum, Buckets: buckets}
}

func (h *Histogram) render(sb *strings.Builder) {
	writeHeader(sb, h.name, h.help, "histogram")
	h.series.Range(func(_, v interface{}) bool {
		hs := v.(*histogramSeries)
		hs.mu.Lock()
		count := hs.count
		sum := hs.sum
		perBand := make([]uint64, len(hs.perBand))
		copy(perBand, hs.perBand)
		hs.mu.Unlock()

		cumulative := uint64(0)
		for i, bound := range h.bounds {
			cumulative += perBand[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n",
				h.name, renderLabels(withLE(hs.labels, formatFloat(bound))), cumulative)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, renderLabels(withLE(hs.labels, "+Inf")), count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, renderLabels(hs.labels), formatFloat(sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, renderLabels(hs.labels), count)
		return true
	})
}

func withLE(labels Labels, bound string) Labels {
	out := make(Labels, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out["le"] = bound
	return out
}

// Registry holds registered metrics and renders them in registration
// order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric. Registering two metrics with the same name
// is an error.
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on a duplicate name.
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Gather renders all registered metrics as Prometheus text.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].render(&sb)
	}
	return sb.String()
}
