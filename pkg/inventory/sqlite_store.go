package inventory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAssetStore is a durable local/dev backing store for the asset
// registry, mirroring Store's asset semantics over a SQL table for
// single-node deployments that need assets to survive restarts without
// standing up Postgres (spec.md §4.5 names no specific backend for
// InventoryStore).
type SQLiteAssetStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLiteAssetStore opens (creating if absent) a SQLite database file
// at path and ensures the asset table exists.
func OpenSQLiteAssetStore(ctx context.Context, path string) (*SQLiteAssetStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteAssetStore{db: db, clock: time.Now}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteAssetSchema = `
CREATE TABLE IF NOT EXISTS assets (
	tenant_id    TEXT NOT NULL,
	asset_id     TEXT NOT NULL,
	hostname     TEXT NOT NULL,
	asset_type   TEXT NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	trust_state  TEXT NOT NULL,
	risk_score   REAL,
	PRIMARY KEY (tenant_id, asset_id)
);
`

func (s *SQLiteAssetStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteAssetSchema)
	return err
}

// EnsureAsset creates a minimal asset row if one does not already exist,
// matching Store.EnsureAsset's defaulting (asset_type "unknown",
// trust_state "untrusted").
func (s *SQLiteAssetStore) EnsureAsset(ctx context.Context, tenantID, assetID, hostname string) (*Asset, error) {
	existing, err := s.getAsset(ctx, tenantID, assetID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	a := &Asset{
		AssetID:    assetID,
		TenantID:   tenantID,
		Hostname:   hostname,
		AssetType:  "unknown",
		LastSeenAt: s.clock(),
		TrustState: "untrusted",
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (tenant_id, asset_id, hostname, asset_type, last_seen_at, trust_state, risk_score)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		a.TenantID, a.AssetID, a.Hostname, a.AssetType, a.LastSeenAt, a.TrustState)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteAssetStore) getAsset(ctx context.Context, tenantID, assetID string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, asset_id, hostname, asset_type, last_seen_at, trust_state, risk_score
		FROM assets WHERE tenant_id = ? AND asset_id = ?`, tenantID, assetID)

	var a Asset
	var riskScore sql.NullFloat64
	if err := row.Scan(&a.TenantID, &a.AssetID, &a.Hostname, &a.AssetType, &a.LastSeenAt, &a.TrustState, &riskScore); err != nil {
		return nil, err
	}
	if riskScore.Valid {
		a.RiskScore = &riskScore.Float64
	}
	return &a, nil
}

// TouchLastSeen advances last_seen_at if collectedAt is newer, matching
// Store.touchLastSeen's monotonic semantics.
func (s *SQLiteAssetStore) TouchLastSeen(ctx context.Context, tenantID, assetID string, collectedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assets SET last_seen_at = ? WHERE tenant_id = ? AND asset_id = ? AND last_seen_at < ?`,
		collectedAt, tenantID, assetID, collectedAt)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteAssetStore) Close() error {
	return s.db.Close()
}
