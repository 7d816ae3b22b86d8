// Package inventory implements InventoryStore: typed, idempotent
// persistence for per-asset hardware/OS/software/users/groups snapshots
// (spec.md §4.5).
package inventory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Asset is the canonical managed-endpoint record. Created on first hello;
// last_seen_at advances monotonically; never deleted.
type Asset struct {
	AssetID    string
	TenantID   string
	Hostname   string
	AssetType  string
	LastSeenAt time.Time
	TrustState string
	RiskScore  *float64
}

// Hardware is the latest-writer-wins hardware snapshot for an asset.
type Hardware struct {
	CPUModel   string
	CPUCores   int
	MemoryMB   int64
	DiskTotal  int64
	SerialTag  string
	CollectedAt time.Time
}

// OS is the latest-writer-wins operating-system snapshot for an asset.
type OS struct {
	Platform    string
	Version     string
	Kernel      string
	Arch        string
	CollectedAt time.Time
}

// SoftwareEntry is one installed software package.
type SoftwareEntry struct {
	Name    string
	Version string
	Vendor  string
}

// UserEntry is one local user account.
type UserEntry struct {
	Username string
	UID      string
	IsAdmin  bool
}

// GroupEntry is one local group.
type GroupEntry struct {
	Name    string
	GID     string
	Members []string
}

// Snapshot assembles all five inventory categories for one asset.
type Snapshot struct {
	Asset    Asset
	Hardware *Hardware
	OS       *OS
	Software []SoftwareEntry
	Users    []UserEntry
	Groups   []GroupEntry
}

type assetKey struct {
	tenantID string
	assetID  string
}

// Store is the in-memory InventoryStore. Safe for concurrent use. The
// only durable backend is SQLiteAssetStore, which persists asset rows
// but none of the snapshot categories.
type Store struct {
	mu       sync.Mutex
	assets   map[assetKey]*Asset
	hardware map[assetKey]*Hardware
	os       map[assetKey]*OS
	software map[assetKey][]SoftwareEntry
	users    map[assetKey][]UserEntry
	groups   map[assetKey][]GroupEntry
	clock    func() time.Time
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		assets:   make(map[assetKey]*Asset),
		hardware: make(map[assetKey]*Hardware),
		os:       make(map[assetKey]*OS),
		software: make(map[assetKey][]SoftwareEntry),
		users:    make(map[assetKey][]UserEntry),
		groups:   make(map[assetKey][]GroupEntry),
		clock:    time.Now,
	}
}

// WithClock overrides the store's notion of "now", for deterministic
// testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// EnsureAsset creates a minimal asset row if one does not already exist
// for (tenantID, assetID), defaulting asset_type to "unknown".
func (s *Store) EnsureAsset(tenantID, assetID, hostname string) *Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureAssetLocked(tenantID, assetID, hostname)
}

func (s *Store) ensureAssetLocked(tenantID, assetID, hostname string) *Asset {
	key := assetKey{tenantID, assetID}
	if a, ok := s.assets[key]; ok {
		return a
	}
	a := &Asset{
		AssetID:    assetID,
		TenantID:   tenantID,
		Hostname:   norm.NFC.String(hostname),
		AssetType:  "unknown",
		LastSeenAt: s.clock(),
		TrustState: "untrusted",
	}
	s.assets[key] = a
	return a
}

func (s *Store) touchLastSeen(key assetKey, collectedAt time.Time) {
	if a, ok := s.assets[key]; ok && collectedAt.After(a.LastSeenAt) {
		a.LastSeenAt = collectedAt
	}
}

// UpsertHardware replaces the hardware snapshot for an asset
// (last-writer-wins) and advances last_seen_at to collectedAt.
func (s *Store) UpsertHardware(tenantID, assetID string, hw Hardware, collectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{tenantID, assetID}
	s.ensureAssetLocked(tenantID, assetID, "")
	hw.CollectedAt = collectedAt
	s.hardware[key] = &hw
	s.touchLastSeen(key, collectedAt)
	return nil
}

// UpsertOS replaces the OS snapshot for an asset (last-writer-wins) and
// advances last_seen_at to collectedAt.
func (s *Store) UpsertOS(tenantID, assetID string, os OS, collectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{tenantID, assetID}
	s.ensureAssetLocked(tenantID, assetID, "")
	os.CollectedAt = collectedAt
	s.os[key] = &os
	s.touchLastSeen(key, collectedAt)
	return nil
}

// ReplaceSoftware atomically deletes all existing software rows for the
// asset and re-inserts entries. The payload is the complete authoritative
// snapshot; no partial merges.
func (s *Store) ReplaceSoftware(tenantID, assetID string, entries []SoftwareEntry, collectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{tenantID, assetID}
	s.ensureAssetLocked(tenantID, assetID, "")
	cp := make([]SoftwareEntry, len(entries))
	copy(cp, entries)
	s.software[key] = cp
	s.touchLastSeen(key, collectedAt)
	return nil
}

// ReplaceUsers atomically replaces all local users for the asset.
func (s *Store) ReplaceUsers(tenantID, assetID string, entries []UserEntry, collectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{tenantID, assetID}
	s.ensureAssetLocked(tenantID, assetID, "")
	cp := make([]UserEntry, len(entries))
	copy(cp, entries)
	s.users[key] = cp
	s.touchLastSeen(key, collectedAt)
	return nil
}

// ReplaceGroups atomically replaces all local groups for the asset.
func (s *Store) ReplaceGroups(tenantID, assetID string, entries []GroupEntry, collectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{tenantID, assetID}
	s.ensureAssetLocked(tenantID, assetID, "")
	cp := make([]GroupEntry, len(entries))
	copy(cp, entries)
	s.groups[key] = cp
	s.touchLastSeen(key, collectedAt)
	return nil
}

// Snapshot assembles all five inventory categories for one asset.
func (s *Store) Snapshot(tenantID, assetID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{tenantID, assetID}
	asset, ok := s.assets[key]
	if !ok {
		return nil, fmt.Errorf("inventory: unknown asset %s/%s", tenantID, assetID)
	}

	return &Snapshot{
		Asset:    *asset,
		Hardware: s.hardware[key],
		OS:       s.os[key],
		Software: append([]SoftwareEntry(nil), s.software[key]...),
		Users:    append([]UserEntry(nil), s.users[key]...),
		Groups:   append([]GroupEntry(nil), s.groups[key]...),
	}, nil
}

// ListAssets returns a paginated, deterministically ordered (by asset_id)
// listing of assets, optionally filtered by tenantID and a since cutoff
// on last_seen_at.
func (s *Store) ListAssets(tenantID string, since time.Time, offset, limit int) []Asset {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Asset, 0, len(s.assets))
	for _, a := range s.assets {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		if !since.IsZero() && a.LastSeenAt.Before(since) {
			continue
		}
		matched = append(matched, *a)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].AssetID < matched[j].AssetID })

	if offset >= len(matched) {
		return []Asset{}
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// Presence is an asset's online/offline status as of the moment it was
// evaluated, derived from how long ago last_seen_at was relative to a
// staleness threshold.
type Presence struct {
	AssetID    string
	TenantID   string
	Hostname   string
	TrustState string
	LastSeenAt time.Time
	Status     string // "online" | "offline"
}

// EvaluatePresence reports the online/offline status of every asset
// matching tenantID (all tenants if empty). An asset is online when
// last_seen_at falls within threshold of now; otherwise offline. Results
// are ordered deterministically by asset_id.
func (s *Store) EvaluatePresence(tenantID string, threshold time.Duration) []Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	presence := make([]Presence, 0, len(s.assets))
	for _, a := range s.assets {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		status := "offline"
		if now.Sub(a.LastSeenAt) <= threshold {
			status = "online"
		}
		presence = append(presence, Presence{
			AssetID:    a.AssetID,
			TenantID:   a.TenantID,
			Hostname:   a.Hostname,
			TrustState: a.TrustState,
			LastSeenAt: a.LastSeenAt,
			Status:     status,
		})
	}

	sort.Slice(presence, func(i, j int) bool { return presence[i].AssetID < presence[j].AssetID })
	return presence
}
