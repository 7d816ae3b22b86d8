// Package eventingest implements EventIngest: signed batch ingestion of
// asset events with idempotent replay rejection, clock-drift and
// sequence-gap detection, and partial-acceptance batch responses
// (spec.md §4.4).
package eventingest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sentrywatch/core/pkg/sigverify"
)

// Category is the fixed event_category taxonomy.
type Category string

const (
	CategorySystem   Category = "system"
	CategorySecurity Category = "security"
	CategoryProcess  Category = "process"
	CategoryFile     Category = "file"
	CategoryNetwork  Category = "network"
)

var validCategories = map[Category]bool{
	CategorySystem: true, CategorySecurity: true, CategoryProcess: true,
	CategoryFile: true, CategoryNetwork: true,
}

// Event is one incoming event within a signed batch.
type Event struct {
	EventID          string
	AssetID          string
	EventCategory    Category
	EventType        string
	SequenceNumber   int64
	SourceModule     string
	TimestampLocal   time.Time
	TimestampReceived time.Time
	Payload          map[string]interface{}
	PayloadHash      string
	Severity         string
	TrustLevel       string
}

// Batch is a signed event batch submission.
type Batch struct {
	PayloadID     string
	TenantID      string
	AssetID       string
	SchemaVersion string
	Events        []Event
}

// Gap is recorded when a per-(asset,source_module) sequence jumps by
// more than 1. Gaps do not reject; they are data.
type Gap struct {
	AssetID           string
	SourceModule      string
	LastSeenSequence  int64
	NewSequence       int64
	GapSize           int64
}

// Drift is recorded when |timestamp_received - timestamp_local| exceeds
// the configured threshold.
type Drift struct {
	EventID string
	Delta   time.Duration
}

// Status is the batch-level outcome.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusPartial  Status = "partial"
	StatusRejected Status = "rejected"
)

// Result is the batch-level response (spec.md §4.4).
type Result struct {
	Status      Status
	Accepted    int
	Rejected    int
	RejectReason string // not set by Ingest: a batch-level rejection returns a nil Result and the reason string
	Gaps        []Gap
	Drifts      []Drift
}

// BatchLogEntry is always written regardless of outcome, carrying
// reject_reason when applicable.
type BatchLogEntry struct {
	PayloadID    string
	TenantID     string
	AssetID      string
	Status       Status
	RejectReason string
	RecordedAt   time.Time
}

type sequenceKey struct {
	assetID      string
	sourceModule string
}

// Engine implements EventIngest.
type Engine struct {
	mu             sync.Mutex
	verifier       *sigverify.Verifier
	seenPayloadIDs map[string]bool
	lastSequence   map[sequenceKey]int64
	log            []BatchLogEntry
	events         []Event
	staleWindow    time.Duration
	futureWindow   time.Duration
	driftThreshold time.Duration
	clock          func() time.Time
	payloadSchemas map[string]*jsonschema.Schema // schema_version -> compiled event payload schema
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option          { return func(e *Engine) { e.clock = now } }
func WithStaleWindow(d time.Duration) Option          { return func(e *Engine) { e.staleWindow = d } }
func WithFutureWindow(d time.Duration) Option         { return func(e *Engine) { e.futureWindow = d } }
func WithDriftThreshold(d time.Duration) Option       { return func(e *Engine) { e.driftThreshold = d } }

// New builds an Engine bound to a signature verifier, with spec.md §4.4
// defaults: 600s staleness, 120s future tolerance, 300s drift threshold.
func New(verifier *sigverify.Verifier, opts ...Option) *Engine {
	e := &Engine{
		verifier:       verifier,
		seenPayloadIDs: make(map[string]bool),
		lastSequence:   make(map[sequenceKey]int64),
		staleWindow:    600 * time.Second,
		futureWindow:   120 * time.Second,
		driftThreshold: 300 * time.Second,
		clock:          time.Now,
		payloadSchemas: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPayloadSchema compiles and registers a JSON Schema (2020-12)
// that every event's payload must satisfy when its batch declares the
// given schema_version. Batches carrying an unregistered schema_version
// are not validated against any schema.
func (e *Engine) RegisterPayloadSchema(schemaVersion, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://schemas.sentrywatch.internal/event-payload/%s.schema.json", schemaVersion)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("eventingest: schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("eventingest: schema compile failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloadSchemas[schemaVersion] = compiled
	return nil
}

// Ingest verifies the batch signature and processes each event per
// spec.md §4.4. A batch log record is always appended.
func (e *Engine) Ingest(batch Batch, rawPayload []byte, signatureB64 string, timestampUnix int64) (*Result, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()

	if ok, reason := e.verifier.Verify(rawPayload, signatureB64, timestampUnix); !ok {
		e.recordLog(batch, StatusRejected, string(reason), now)
		return nil, string(reason)
	}

	if e.seenPayloadIDs[batch.PayloadID] {
		e.recordLog(batch, StatusRejected, "payload_replay", now)
		return nil, "payload_replay"
	}

	if len(batch.Events) == 0 {
		e.recordLog(batch, StatusRejected, "payload_required", now)
		return nil, "payload_required"
	}

	schema := e.payloadSchemas[batch.SchemaVersion]

	result := &Result{}
	for i := range batch.Events {
		ev := &batch.Events[i]

		if !validCategories[ev.EventCategory] {
			result.Rejected++
			continue
		}

		if schema != nil {
			if err := schema.Validate(ev.Payload); err != nil {
				result.Rejected++
				continue
			}
		}

		computedHash, err := sigverify.CanonicalPayloadHash(ev.Payload)
		if err != nil || computedHash != ev.PayloadHash {
			result.Rejected++
			continue
		}

		if now.Sub(ev.TimestampLocal) > e.staleWindow {
			result.Rejected++
			continue
		}
		if ev.TimestampLocal.Sub(now) > e.futureWindow {
			result.Rejected++
			continue
		}

		if ev.TimestampReceived.IsZero() {
			ev.TimestampReceived = now
		}
		drift := ev.TimestampReceived.Sub(ev.TimestampLocal)
		if drift < 0 {
			drift = -drift
		}
		if drift > e.driftThreshold {
			result.Drifts = append(result.Drifts, Drift{EventID: ev.EventID, Delta: drift})
		}

		key := sequenceKey{assetID: ev.AssetID, sourceModule: ev.SourceModule}
		if last, ok := e.lastSequence[key]; ok {
			gapSize := ev.SequenceNumber - last
			if gapSize > 1 {
				result.Gaps = append(result.Gaps, Gap{
					AssetID:          ev.AssetID,
					SourceModule:     ev.SourceModule,
					LastSeenSequence: last,
					NewSequence:      ev.SequenceNumber,
					GapSize:          gapSize,
				})
			}
		}
		e.lastSequence[key] = ev.SequenceNumber

		e.events = append(e.events, *ev)
		result.Accepted++
	}

	e.seenPayloadIDs[batch.PayloadID] = true

	switch {
	case result.Rejected == 0:
		result.Status = StatusAccepted
	case result.Accepted == 0:
		result.Status = StatusRejected
	default:
		result.Status = StatusPartial
	}

	e.recordLog(batch, result.Status, "", now)
	return result, ""
}

func (e *Engine) recordLog(batch Batch, status Status, rejectReason string, now time.Time) {
	e.log = append(e.log, BatchLogEntry{
		PayloadID:    batch.PayloadID,
		TenantID:     batch.TenantID,
		AssetID:      batch.AssetID,
		Status:       status,
		RejectReason: rejectReason,
		RecordedAt:   now,
	})
}

// Log returns the append-only batch log, for diagnostics and tests.
func (e *Engine) Log() []BatchLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]BatchLogEntry, len(e.log))
	copy(cp, e.log)
	return cp
}

// Events returns the accepted event log, for diagnostics and tests.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]Event, len(e.events))
	copy(cp, e.events)
	return cp
}
