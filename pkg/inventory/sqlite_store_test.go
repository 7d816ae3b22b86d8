package inventory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteAssetStore_EnsureAsset_InsertsWhenAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	store := &SQLiteAssetStore{db: db, clock: func() time.Time { return now }}
	ctx := context.Background()

	mock.ExpectQuery("SELECT tenant_id, asset_id, hostname, asset_type, last_seen_at, trust_state, risk_score FROM assets").
		WithArgs("t1", "a1").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec("INSERT INTO assets").
		WithArgs("t1", "a1", "host-1", "unknown", now, "untrusted").
		WillReturnResult(sqlmock.NewResult(1, 1))

	asset, err := store.EnsureAsset(ctx, "t1", "a1", "host-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", asset.AssetID)
	assert.Equal(t, "unknown", asset.AssetType)
	assert.Equal(t, "untrusted", asset.TrustState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAssetStore_TouchLastSeen_AdvancesOnNewerTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &SQLiteAssetStore{db: db, clock: time.Now}
	ctx := context.Background()
	collectedAt := time.Now()

	mock.ExpectExec("UPDATE assets SET last_seen_at").
		WithArgs(collectedAt, "t1", "a1", collectedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.TouchLastSeen(ctx, "t1", "a1", collectedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}
