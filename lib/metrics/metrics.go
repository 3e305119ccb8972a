// Package metrics provides simple metrics collection for wgcontrol.
// Supports Prometheus exposition format for monitoring integration.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	value uint64
	name  string
	help  string
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) *Counter {
	c := &Counter{
		name: name,
		help: help,
	}
	defaultRegistry.register(name, c)
	return c
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	atomic.AddUint64(&c.value, v)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

func (c *Counter) prometheus() string {
	var sb strings.Builder
	writeHeader(&sb, c.name, c.help, "counter")
	fmt.Fprintf(&sb, "%s %d\n", c.name, c.Value())
	return sb.String()
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	value int64
	name  string
	help  string
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{
		name: name,
		help: help,
	}
	defaultRegistry.register(name, g)
	return g
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

// SetBool sets the gauge to 1 when v is true, 0 otherwise.
func (g *Gauge) SetBool(v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(v int64) {
	atomic.AddInt64(&g.value, v)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

func (g *Gauge) prometheus() string {
	var sb strings.Builder
	writeHeader(&sb, g.name, g.help, "gauge")
	fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
	return sb.String()
}

// CounterVec is a family of counters partitioned by the value of one label.
type CounterVec struct {
	mu     sync.RWMutex
	name   string
	help   string
	label  string
	values map[string]*uint64
}

// NewCounterVec creates a new labeled counter family.
func NewCounterVec(name, help, label string) *CounterVec {
	v := &CounterVec{
		name:   name,
		help:   help,
		label:  label,
		values: make(map[string]*uint64),
	}
	defaultRegistry.register(name, v)
	return v
}

// Inc increments the counter for the given label value.
func (v *CounterVec) Inc(labelValue string) {
	v.mu.RLock()
	p, ok := v.values[labelValue]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if p, ok = v.values[labelValue]; !ok {
			p = new(uint64)
			v.values[labelValue] = p
		}
		v.mu.Unlock()
	}
	atomic.AddUint64(p, 1)
}

// Value returns the counter for the given label value.
func (v *CounterVec) Value(labelValue string) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if p, ok := v.values[labelValue]; ok {
		return atomic.LoadUint64(p)
	}
	return 0
}

func (v *CounterVec) prometheus() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	writeHeader(&sb, v.name, v.help, "counter")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s{%s=%q} %d\n", v.name, v.label, k, atomic.LoadUint64(v.values[k]))
	}
	return sb.String()
}

// Histogram tracks the distribution of values.
type Histogram struct {
	mu      sync.Mutex
	name    string
	help    string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// NewHistogram creates a new histogram metric.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	h := &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	defaultRegistry.register(name, h)
	return h
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) prometheus() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sb strings.Builder
	writeHeader(&sb, h.name, h.help, "histogram")
	for i, b := range h.buckets {
		fmt.Fprintf(&sb, "%s_bucket{le=\"%g\"} %d\n", h.name, b, h.counts[i])
	}
	fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(&sb, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(&sb, "%s_count %d\n", h.name, h.count)

	return sb.String()
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

// metric is the interface for all metric types.
type metric interface {
	prometheus() string
}

// Registry holds all registered metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// defaultRegistry is the global metric registry.
var defaultRegistry = &Registry{
	metrics: make(map[string]metric),
}

func (r *Registry) register(name string, m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = m
}

// Expose returns all metrics in Prometheus exposition format.
func (r *Registry) Expose() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(r.metrics[name].prometheus())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Handler returns an http.Handler that exposes metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(defaultRegistry.Expose()))
	})
}

// Command durations are dominated by process startup, so buckets start low.
var commandBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Default metrics for wgcontrol
var (
	// Reconciliation metrics
	Reconciliations        = NewCounter("wgcontrol_reconciliations_total", "Total reconciliation passes")
	ReconciliationFailures = NewCounter("wgcontrol_reconciliation_failures_total", "Reconciliation passes that aborted")
	ParseFailures          = NewCounter("wgcontrol_parse_failures_total", "Interface definitions excluded because they failed to parse")
	ReconcileDuration      = NewHistogram("wgcontrol_reconcile_duration_seconds", "Duration of reconciliation passes", commandBuckets)
	ConfigValid            = NewGauge("wgcontrol_config_valid", "Whether the last reconciliation produced a valid configuration (1=yes, 0=no)")
	EngineUp               = NewGauge("wgcontrol_engine_up", "Whether the tunnel engine reported itself running (1=yes, 0=no)")

	// Interface and peer metrics
	InterfacesTotal = NewGauge("wgcontrol_interfaces_total", "Interfaces present in the current snapshot")
	PeersActive     = NewGauge("wgcontrol_peers_active", "Peer records present in an interface definition")
	PeersInactive   = NewGauge("wgcontrol_peers_inactive", "Peer records absent from every interface definition")
	PeersAdded      = NewCounter("wgcontrol_peers_added_total", "Peers added through the control plane")
	PeersRemoved    = NewCounter("wgcontrol_peers_removed_total", "Peers removed through the control plane")
	PeersPurged     = NewCounter("wgcontrol_peers_purged_total", "Inactive peer records purged after the retention period")

	// Verification token
	TokenRotations = NewCounter("wgcontrol_token_rotations_total", "Verification token rotations")
	TokenRejected  = NewCounter("wgcontrol_token_rejections_total", "Requests rejected by the verification guard")

	// Tunnel engine commands
	CommandDuration = NewHistogram("wgcontrol_command_duration_seconds", "Duration of tunnel engine commands", commandBuckets)
	CommandFailures = NewCounterVec("wgcontrol_command_failures_total", "Failed tunnel engine commands", "command")

	// Uptime
	StartTime = NewGauge("wgcontrol_start_time_seconds", "Unix timestamp when the control plane started")

	// Rate limiting
	RateLimitRejections = NewCounter("wgcontrol_ratelimit_rejections_total", "Total requests rejected by rate limiting")
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
