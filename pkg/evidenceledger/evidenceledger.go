// Package evidenceledger implements EvidenceLedger: the immutable,
// hash-chained append store shared by RuleEngine, PatchOrchestrator, and
// PsaCore (spec.md §4 cross-cutting dependency). Each entry's content
// hash commits to its predecessor, so the chain can be verified
// end-to-end without a separate signing key.
package evidenceledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sentrywatch/core/pkg/canonicalize"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrNotFound is returned when a sequence number is out of range.
var ErrNotFound = errors.New("evidenceledger: entry not found")

// Entry is one immutable ledger record.
type Entry struct {
	Sequence     uint64
	Source       string // "rules" | "patchorch" | "psacore"
	EntryType    string
	TenantID     string
	Payload      interface{}
	ContentHash  string
	PreviousHash string
	RecordedAt   time.Time
}

// Ledger is an append-only, hash-chained evidence store, kept entirely
// in memory and safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// New builds an empty Ledger.
func New() *Ledger {
	return &Ledger{headHash: genesisHash, clock: time.Now}
}

// WithClock overrides the ledger's notion of "now", for deterministic
// testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append writes a new entry, chaining it to the current head, and
// returns the committed entry with its content hash populated.
func (l *Ledger) Append(source, entryType, tenantID string, payload interface{}) (*Entry, error) {
	canonical, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("evidenceledger: canonicalize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	now := l.clock()

	hashInput := fmt.Sprintf("%d:%s:%s:%s:%s:%s", seq, source, entryType, tenantID, canonical, l.headHash)
	h := sha256.Sum256([]byte(hashInput))
	contentHash := "sha256:" + hex.EncodeToString(h[:])

	entry := Entry{
		Sequence:     seq,
		Source:       source,
		EntryType:    entryType,
		TenantID:     tenantID,
		Payload:      payload,
		ContentHash:  contentHash,
		PreviousHash: l.headHash,
		RecordedAt:   now,
	}

	l.entries = append(l.entries, entry)
	l.headHash = contentHash
	return &entry, nil
}

// Get retrieves an entry by its sequence number (1-indexed).
func (l *Ledger) Get(seq uint64) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < 1 || seq > uint64(len(l.entries)) {
		return nil, ErrNotFound
	}
	e := l.entries[seq-1]
	return &e, nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// Length returns the number of entries recorded.
func (l *Ledger) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Verify recomputes the hash chain from genesis and reports whether it
// is intact.
func (l *Ledger) Verify() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	for _, e := range l.entries {
		if e.PreviousHash != prev {
			return false, fmt.Errorf("evidenceledger: chain broken at seq %d: expected prev %s, got %s", e.Sequence, prev, e.PreviousHash)
		}
		canonical, err := canonicalize.CanonicalHash(e.Payload)
		if err != nil {
			return false, fmt.Errorf("evidenceledger: canonicalize payload at seq %d: %w", e.Sequence, err)
		}
		hashInput := fmt.Sprintf("%d:%s:%s:%s:%s:%s", e.Sequence, e.Source, e.EntryType, e.TenantID, canonical, e.PreviousHash)
		h := sha256.Sum256([]byte(hashInput))
		expected := "sha256:" + hex.EncodeToString(h[:])
		if e.ContentHash != expected {
			return false, fmt.Errorf("evidenceledger: hash mismatch at seq %d", e.Sequence)
		}
		prev = e.ContentHash
	}
	return true, nil
}

// PostgresLedger is a durable, append-only backing store mirroring
// Ledger's semantics over a SQL table, for deployments that need the
// chain to survive process restarts.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an existing *sql.DB.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS evidence_ledger (
	sequence      BIGSERIAL PRIMARY KEY,
	source        TEXT NOT NULL,
	entry_type    TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	payload       JSONB NOT NULL,
	content_hash  TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
);
`

// Init ensures the backing table exists.
func (p *PostgresLedger) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

// Append writes a new entry chained to the current tail row.
func (p *PostgresLedger) Append(ctx context.Context, source, entryType, tenantID string, payloadJSON []byte) (*Entry, error) {
	var lastHash string
	err := p.db.QueryRowContext(ctx, `SELECT content_hash FROM evidence_ledger ORDER BY sequence DESC LIMIT 1`).Scan(&lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if lastHash == "" {
		lastHash = genesisHash
	}

	canonicalHash := sha256Hex(payloadJSON)
	now := time.Now()
	hashInput := fmt.Sprintf("%s:%s:%s:%s:%s", source, entryType, tenantID, canonicalHash, lastHash)
	contentHash := "sha256:" + sha256Hex([]byte(hashInput))

	row := p.db.QueryRowContext(ctx, `
		INSERT INTO evidence_ledger (source, entry_type, tenant_id, payload, content_hash, previous_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING sequence`,
		source, entryType, tenantID, payloadJSON, contentHash, lastHash, now)

	var seq uint64
	if err := row.Scan(&seq); err != nil {
		return nil, err
	}

	return &Entry{
		Sequence:     seq,
		Source:       source,
		EntryType:    entryType,
		TenantID:     tenantID,
		ContentHash:  contentHash,
		PreviousHash: lastHash,
		RecordedAt:   now,
	}, nil
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
