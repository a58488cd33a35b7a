package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// defaultBuckets are the histogram bucket upper bounds (seconds), sized for
// apply-latency observations: sub-millisecond through multi-second outliers.
var defaultBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
}

type counter struct {
	mu    sync.Mutex
	value float64
}

type gauge struct {
	mu    sync.Mutex
	value float64
}

type histogram struct {
	mu      sync.Mutex
	buckets []uint64 // parallel to defaultBuckets, plus one +Inf bucket
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	return &histogram{buckets: make([]uint64, len(defaultBuckets)+1)}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range defaultBuckets {
		if v <= bound {
			h.buckets[i]++
		}
	}
	h.buckets[len(defaultBuckets)]++
}

// AtomicCollector is a Collector that keeps every series in memory behind
// per-series mutexes, the same shape the original apply-path meter/histogram
// pair (KVStoreStateMachine.applyMeter/batchWriteHistogram) reported, without
// a metrics backend dependency to flush to.
type AtomicCollector struct {
	mu         sync.Mutex
	counters   map[string]*counter
	gauges     map[string]*gauge
	histograms map[string]*histogram
}

// NewAtomicCollector returns an empty, ready-to-use collector.
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counters:   map[string]*counter{},
		gauges:     map[string]*gauge{},
		histograms: map[string]*histogram{},
	}
}

var _ Collector = (*AtomicCollector)(nil)

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, labels[k])
	}
	return b.String()
}

func (c *AtomicCollector) IncCounter(name string, labels map[string]string, delta float64) {
	key := seriesKey(name, labels)

	c.mu.Lock()
	ctr, ok := c.counters[key]
	if !ok {
		ctr = &counter{}
		c.counters[key] = ctr
	}
	c.mu.Unlock()

	ctr.mu.Lock()
	ctr.value += delta
	ctr.mu.Unlock()
}

func (c *AtomicCollector) SetGauge(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)

	c.mu.Lock()
	g, ok := c.gauges[key]
	if !ok {
		g = &gauge{}
		c.gauges[key] = g
	}
	c.mu.Unlock()

	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

func (c *AtomicCollector) ObserveHistogram(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)

	c.mu.Lock()
	h, ok := c.histograms[key]
	if !ok {
		h = newHistogram()
		c.histograms[key] = h
	}
	c.mu.Unlock()

	h.observe(value)
}

// CounterValue returns the current value of a counter series, for tests and
// diagnostics endpoints. ok is false if the series has never been observed.
func (c *AtomicCollector) CounterValue(name string, labels map[string]string) (float64, bool) {
	c.mu.Lock()
	ctr, ok := c.counters[seriesKey(name, labels)]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	return ctr.value, true
}

// HistogramCount returns the number of observations recorded for a
// histogram series. ok is false if the series has never been observed.
func (c *AtomicCollector) HistogramCount(name string, labels map[string]string) (uint64, bool) {
	c.mu.Lock()
	h, ok := c.histograms[seriesKey(name, labels)]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count, true
}
