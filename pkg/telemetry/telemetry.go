// Package telemetry implements TelemetryEngine: metric normalisation
// against a fixed taxonomy, per-(asset,metric) rolling baseline
// statistics, and deviation-based anomaly detection (spec.md §4.3).
package telemetry

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Sample is one raw telemetry observation submitted by an agent.
type Sample struct {
	MetricName string
	Unit       string
	Value      float64
	ObservedAt time.Time
}

// Payload is one telemetry submission: a batch of samples for one asset.
type Payload struct {
	PayloadID     string
	TenantID      string
	AssetID       string
	CollectedAt   time.Time
	SchemaVersion string
	Samples       []Sample
}

// RejectReason is a stable, machine-readable rejection identifier
// (spec.md §7).
type RejectReason string

const (
	ReasonNone                  RejectReason = ""
	ReasonPayloadTooLarge       RejectReason = "payload_too_large"
	ReasonPayloadStale          RejectReason = "payload_stale"
	ReasonPayloadInFuture       RejectReason = "payload_in_future"
	ReasonSchemaUnsupported     RejectReason = "schema_version_unsupported"
	ReasonSamplesRequired       RejectReason = "samples_required"
	ReasonDuplicateMetric       RejectReason = "duplicate_metric"
	ReasonSampleStale           RejectReason = "sample_stale"
	ReasonSampleInFuture        RejectReason = "sample_in_future"
	ReasonUnknownMetric         RejectReason = "unknown_metric"
	ReasonUnitMismatch          RejectReason = "unit_mismatch"
	ReasonValueOutOfRange       RejectReason = "value_out_of_range"
	ReasonPayloadReplay         RejectReason = "payload_replay"
)

// MetricRule fixes the unit and validity range for one taxonomy entry
// (cpu.*, memory.*, disk.*, network.*, system.*, agent.*).
type MetricRule struct {
	Unit        string
	Min         float64
	Max         float64
	IntegerOnly bool
}

// DefaultTaxonomy is the fixed metric taxonomy recognised by the engine.
func DefaultTaxonomy() map[string]MetricRule {
	return map[string]MetricRule{
		"cpu.total.percent":      {Unit: "percent", Min: 0, Max: 100},
		"cpu.load.1m":            {Unit: "load", Min: 0, Max: 1024},
		"memory.used.percent":    {Unit: "percent", Min: 0, Max: 100},
		"memory.available.bytes": {Unit: "bytes", Min: 0, Max: math.MaxFloat64, IntegerOnly: true},
		"disk.used.percent":      {Unit: "percent", Min: 0, Max: 100},
		"disk.iops":              {Unit: "count", Min: 0, Max: math.MaxFloat64, IntegerOnly: true},
		"network.bytes.sent":     {Unit: "bytes", Min: 0, Max: math.MaxFloat64, IntegerOnly: true},
		"network.bytes.recv":     {Unit: "bytes", Min: 0, Max: math.MaxFloat64, IntegerOnly: true},
		"system.uptime.seconds":  {Unit: "seconds", Min: 0, Max: math.MaxFloat64, IntegerOnly: true},
		"agent.heartbeat.latency_ms": {Unit: "ms", Min: 0, Max: 60_000},
	}
}

// Anomaly is emitted when a new sample deviates from its asset/metric
// baseline by at least the configured multiplier.
type Anomaly struct {
	AssetID             string
	MetricName          string
	ObservedAt          time.Time
	Value               float64
	DeviationMultiplier float64
	Status              string // "open" | "acknowledged"
}

// IngestResult reports acceptance/rejection per sample plus any emitted
// anomalies.
type IngestResult struct {
	Accepted      int
	Rejected      int
	RejectReasons map[string]RejectReason // metric_name -> reason, for rejected samples
	Anomalies     []Anomaly
}

type baselineKey struct {
	assetID string
	metric  string
}

// baseline is a circular buffer of the last N values with incrementally
// maintained mean and variance (Welford's algorithm).
type baseline struct {
	window []float64
	size   int
	pos    int
	full   bool
	mean   float64
	m2     float64
	count  int
}

func newBaseline(size int) *baseline {
	return &baseline{window: make([]float64, size), size: size}
}

func (b *baseline) stddev() float64 {
	if b.count < 2 {
		return 0
	}
	return math.Sqrt(b.m2 / float64(b.count-1))
}

// push appends v to the buffer, evicting the oldest value once full and
// rolling it out of the running statistics.
func (b *baseline) push(v float64) {
	if b.full {
		oldest := b.window[b.pos]
		b.remove(oldest)
	}
	b.window[b.pos] = v
	b.add(v)
	b.pos = (b.pos + 1) % b.size
	if b.pos == 0 {
		b.full = true
	}
}

func (b *baseline) add(v float64) {
	b.count++
	delta := v - b.mean
	b.mean += delta / float64(b.count)
	delta2 := v - b.mean
	b.m2 += delta * delta2
}

func (b *baseline) remove(v float64) {
	if b.count <= 1 {
		b.count = 0
		b.mean = 0
		b.m2 = 0
		return
	}
	n := b.count
	newCount := n - 1
	newMean := (b.mean*float64(n) - v) / float64(newCount)
	b.m2 -= (v - b.mean) * (v - newMean)
	if b.m2 < 0 {
		b.m2 = 0
	}
	b.mean = newMean
	b.count = newCount
}

// Engine implements TelemetryEngine.
type Engine struct {
	mu             sync.Mutex
	taxonomy       map[string]MetricRule
	baselines      map[baselineKey]*baseline
	seenPayloadIDs map[string]bool
	windowSize     int
	deviationMult  float64
	staleWindow    time.Duration
	futureWindow   time.Duration
	maxSamples     int
	clock          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option       { return func(e *Engine) { e.clock = now } }
func WithWindowSize(n int) Option                 { return func(e *Engine) { e.windowSize = n } }
func WithDeviationMultiplier(m float64) Option     { return func(e *Engine) { e.deviationMult = m } }
func WithStaleWindow(d time.Duration) Option       { return func(e *Engine) { e.staleWindow = d } }
func WithFutureWindow(d time.Duration) Option      { return func(e *Engine) { e.futureWindow = d } }
func WithMaxSamples(n int) Option                  { return func(e *Engine) { e.maxSamples = n } }
func WithTaxonomy(t map[string]MetricRule) Option  { return func(e *Engine) { e.taxonomy = t } }

// New builds an Engine with spec.md §4.3 defaults: 20-sample window,
// 3.0 deviation multiplier, 600s staleness, 120s future tolerance, 500
// samples per payload.
func New(opts ...Option) *Engine {
	e := &Engine{
		taxonomy:       DefaultTaxonomy(),
		baselines:      make(map[baselineKey]*baseline),
		seenPayloadIDs: make(map[string]bool),
		windowSize:     20,
		deviationMult:  3.0,
		staleWindow:    600 * time.Second,
		futureWindow:   120 * time.Second,
		maxSamples:     500,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest validates and normalises a payload, updating per-metric
// baselines and emitting anomalies in payload order.
func (e *Engine) Ingest(p Payload) (*IngestResult, RejectReason) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seenPayloadIDs[p.PayloadID] {
		return nil, ReasonPayloadReplay
	}

	if len(p.Samples) == 0 {
		return nil, ReasonSamplesRequired
	}
	if len(p.Samples) > e.maxSamples {
		return nil, ReasonPayloadTooLarge
	}
	if p.SchemaVersion != "" && p.SchemaVersion != "1.0" {
		return nil, ReasonSchemaUnsupported
	}

	now := e.clock()
	if now.Sub(p.CollectedAt) > e.staleWindow {
		return nil, ReasonPayloadStale
	}
	if p.CollectedAt.Sub(now) > e.futureWindow {
		return nil, ReasonPayloadInFuture
	}

	result := &IngestResult{RejectReasons: make(map[string]RejectReason)}
	seenMetrics := make(map[string]bool, len(p.Samples))

	for _, s := range p.Samples {
		reason := e.validateSample(s, now, seenMetrics)
		if reason != ReasonNone {
			result.Rejected++
			result.RejectReasons[s.MetricName] = reason
			continue
		}
		seenMetrics[s.MetricName] = true
		result.Accepted++

		if anomaly, ok := e.observe(p.AssetID, s); ok {
			result.Anomalies = append(result.Anomalies, anomaly)
		}
	}

	e.seenPayloadIDs[p.PayloadID] = true
	return result, ReasonNone
}

func (e *Engine) validateSample(s Sample, now time.Time, seen map[string]bool) RejectReason {
	if seen[s.MetricName] {
		return ReasonDuplicateMetric
	}
	rule, ok := e.taxonomy[s.MetricName]
	if !ok {
		return ReasonUnknownMetric
	}
	if s.Unit != "" && s.Unit != rule.Unit {
		return ReasonUnitMismatch
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return ReasonValueOutOfRange
	}
	if rule.IntegerOnly {
		s.Value = math.Trunc(s.Value)
	}
	if s.Value < rule.Min || s.Value > rule.Max {
		return ReasonValueOutOfRange
	}
	if !s.ObservedAt.IsZero() {
		if now.Sub(s.ObservedAt) > e.staleWindow {
			return ReasonSampleStale
		}
		if s.ObservedAt.Sub(now) > e.futureWindow {
			return ReasonSampleInFuture
		}
	}
	return ReasonNone
}

// observe updates the (asset,metric) baseline with v and, if the buffer
// is full, reports whether v is anomalous relative to the pre-update
// baseline: |v-mean|/stddev at or above the multiplier when the spread
// is non-zero, or any v != mean when it is zero (spec.md §4.3 ordering: anomaly
// check happens before the buffer is updated with the new value).
func (e *Engine) observe(assetID string, s Sample) (Anomaly, bool) {
	key := baselineKey{assetID: assetID, metric: s.MetricName}
	b, ok := e.baselines[key]
	if !ok {
		b = newBaseline(e.windowSize)
		e.baselines[key] = b
	}

	var anomaly Anomaly
	found := false
	if b.full {
		sigma := b.stddev()
		switch {
		case sigma > 0:
			deviation := (s.Value - b.mean) / sigma
			if math.Abs(deviation) >= e.deviationMult {
				anomaly = Anomaly{
					AssetID:             assetID,
					MetricName:          s.MetricName,
					ObservedAt:          s.ObservedAt,
					Value:               s.Value,
					DeviationMultiplier: deviation,
					Status:              "open",
				}
				found = true
			}
		case s.Value != b.mean:
			// Degenerate history (zero spread): any departure from a
			// constant baseline is maximally anomalous.
			anomaly = Anomaly{
				AssetID:             assetID,
				MetricName:          s.MetricName,
				ObservedAt:          s.ObservedAt,
				Value:               s.Value,
				DeviationMultiplier: math.Copysign(e.deviationMult, s.Value-b.mean),
				Status:              "open",
			}
			found = true
		}
	}

	b.push(s.Value)
	return anomaly, found
}

// Baseline returns a snapshot of the current rolling statistics for
// (assetID, metric), for diagnostics and tests.
func (e *Engine) Baseline(assetID, metric string) (mean, stddev float64, count int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.baselines[baselineKey{assetID: assetID, metric: metric}]
	if !ok {
		return 0, 0, 0, fmt.Errorf("telemetry: no baseline for %s/%s", assetID, metric)
	}
	return b.mean, b.stddev(), b.count, nil
}
