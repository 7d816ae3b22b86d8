package inventory_test

import (
	"testing"
	"time"

	"github.com/sentrywatch/core/pkg/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureAsset_DefaultsUnknownType(t *testing.T) {
	s := inventory.New()
	a := s.EnsureAsset("t1", "a1", "box-01")
	assert.Equal(t, "unknown", a.AssetType)
	assert.Equal(t, "t1", a.TenantID)
}

func TestEnsureAsset_NormalizesHostnameToNFC(t *testing.T) {
	s := inventory.New()
	decomposed := "cafe\u0301-01"  // "e" + combining acute accent (NFD)
	precomposed := "caf\u00e9-01"  // single-codepoint "\u00e9" (NFC)
	a := s.EnsureAsset("t1", "a1", decomposed)
	assert.Equal(t, precomposed, a.Hostname)
}

func TestUpsertHardware_AdvancesLastSeen(t *testing.T) {
	base := time.Now()
	s := inventory.New().WithClock(func() time.Time { return base })
	s.EnsureAsset("t1", "a1", "box-01")

	collected := base.Add(time.Hour)
	require.NoError(t, s.UpsertHardware("t1", "a1", inventory.Hardware{CPUModel: "x86"}, collected))

	snap, err := s.Snapshot("t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, collected, snap.Asset.LastSeenAt)
	assert.Equal(t, "x86", snap.Hardware.CPUModel)
}

func TestReplaceSoftware_FullReplaceNoResiduals(t *testing.T) {
	s := inventory.New()
	now := time.Now()

	first := []inventory.SoftwareEntry{{Name: "nginx", Version: "1.2"}, {Name: "curl", Version: "7.0"}}
	require.NoError(t, s.ReplaceSoftware("t1", "a1", first, now))

	snap, err := s.Snapshot("t1", "a1")
	require.NoError(t, err)
	assert.Len(t, snap.Software, 2)

	second := []inventory.SoftwareEntry{{Name: "nginx", Version: "1.2"}, {Name: "curl", Version: "7.0"}}
	require.NoError(t, s.ReplaceSoftware("t1", "a1", second, now))
	snap, err = s.Snapshot("t1", "a1")
	require.NoError(t, err)
	assert.Len(t, snap.Software, 2)

	third := []inventory.SoftwareEntry{{Name: "vim", Version: "9.0"}}
	require.NoError(t, s.ReplaceSoftware("t1", "a1", third, now))
	snap, err = s.Snapshot("t1", "a1")
	require.NoError(t, err)
	require.Len(t, snap.Software, 1)
	assert.Equal(t, "vim", snap.Software[0].Name)
}

func TestSnapshot_UnknownAsset(t *testing.T) {
	s := inventory.New()
	_, err := s.Snapshot("t1", "missing")
	assert.Error(t, err)
}

func TestListAssets_FilteredAndPaginated(t *testing.T) {
	now := time.Now()
	// Assets are created two hours back so the upserts below decide
	// last_seen_at, which only ever moves forward.
	s := inventory.New().WithClock(func() time.Time { return now.Add(-2 * time.Hour) })
	s.EnsureAsset("t1", "a1", "box-1")
	s.EnsureAsset("t1", "a2", "box-2")
	s.EnsureAsset("t2", "a3", "box-3")

	require.NoError(t, s.UpsertOS("t1", "a1", inventory.OS{Platform: "linux"}, now.Add(-2*time.Hour)))
	require.NoError(t, s.UpsertOS("t1", "a2", inventory.OS{Platform: "linux"}, now))

	all := s.ListAssets("t1", time.Time{}, 0, 10)
	assert.Len(t, all, 2)

	recent := s.ListAssets("t1", now.Add(-time.Hour), 0, 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "a2", recent[0].AssetID)

	paged := s.ListAssets("", time.Time{}, 1, 1)
	require.Len(t, paged, 1)
}

func TestEvaluatePresence_OnlineWithinThresholdOfflineBeyond(t *testing.T) {
	now := time.Now()
	// Assets are created two hours back so the upserts below decide
	// last_seen_at, which only ever moves forward.
	clock := now.Add(-2 * time.Hour)
	s := inventory.New().WithClock(func() time.Time { return clock })
	s.EnsureAsset("t1", "a1", "box-1")
	s.EnsureAsset("t1", "a2", "box-2")
	clock = now

	require.NoError(t, s.UpsertOS("t1", "a1", inventory.OS{Platform: "linux"}, now.Add(-30*time.Second)))
	require.NoError(t, s.UpsertOS("t1", "a2", inventory.OS{Platform: "linux"}, now.Add(-2*time.Hour)))

	presence := s.EvaluatePresence("t1", time.Minute)
	require.Len(t, presence, 2)
	assert.Equal(t, "a1", presence[0].AssetID)
	assert.Equal(t, "online", presence[0].Status)
	assert.Equal(t, "a2", presence[1].AssetID)
	assert.Equal(t, "offline", presence[1].Status)
}

func TestEvaluatePresence_FiltersByTenant(t *testing.T) {
	now := time.Now()
	s := inventory.New().WithClock(func() time.Time { return now })
	s.EnsureAsset("t1", "a1", "box-1")
	s.EnsureAsset("t2", "a2", "box-2")

	presence := s.EvaluatePresence("t1", time.Minute)
	require.Len(t, presence, 1)
	assert.Equal(t, "t1", presence[0].TenantID)
}
