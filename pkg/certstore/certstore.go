// Package certstore implements TrustStore: the certificate fingerprint
// registry gating Gateway's mTLS enforcement (spec.md §4.2).
package certstore

import (
	"fmt"
	"sync"
	"time"
)

// Certificate is the trust record for one agent identity's mTLS
// certificate. A revoked certificate never transitions back.
type Certificate struct {
	IdentityID        string
	FingerprintSHA256 string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	RevocationReason  string
}

// Revoked reports whether the certificate has been revoked.
func (c *Certificate) Revoked() bool {
	return c.RevokedAt != nil
}

// Store is a tenant-agnostic, in-memory certificate fingerprint registry.
// Lookups are O(1) by fingerprint. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	byFP  map[string]*Certificate
	clock func() time.Time
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		byFP:  make(map[string]*Certificate),
		clock: time.Now,
	}
}

// WithClock overrides the store's notion of "now", for deterministic
// testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Issue registers a new certificate for identityID under fingerprint,
// valid until expiresAt. Re-issuing an existing, non-revoked fingerprint
// overwrites its identity binding and expiry (re-enrollment); a revoked
// fingerprint cannot be re-issued.
func (s *Store) Issue(identityID, fingerprint string, expiresAt time.Time) error {
	if fingerprint == "" {
		return fmt.Errorf("certstore: fingerprint required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byFP[fingerprint]; ok && existing.Revoked() {
		return fmt.Errorf("certstore: fingerprint %s is revoked and cannot be re-issued", fingerprint)
	}

	s.byFP[fingerprint] = &Certificate{
		IdentityID:        identityID,
		FingerprintSHA256: fingerprint,
		IssuedAt:          s.clock(),
		ExpiresAt:         expiresAt,
	}
	return nil
}

// Revoke marks fingerprint as revoked. Revocation is monotonic: revoking
// an already-revoked fingerprint is a no-op that keeps the original
// revocation record.
func (s *Store) Revoke(fingerprint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.byFP[fingerprint]
	if !ok {
		return fmt.Errorf("certstore: unknown fingerprint %s", fingerprint)
	}
	if cert.Revoked() {
		return nil
	}

	now := s.clock()
	cert.RevokedAt = &now
	cert.RevocationReason = reason
	return nil
}

// IsKnown reports whether fingerprint has ever been issued.
func (s *Store) IsKnown(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byFP[fingerprint]
	return ok
}

// IsRevoked reports whether fingerprint is known and revoked.
func (s *Store) IsRevoked(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.byFP[fingerprint]
	return ok && cert.Revoked()
}

// Lookup returns the certificate registered under fingerprint, if any.
func (s *Store) Lookup(fingerprint string) (*Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.byFP[fingerprint]
	if !ok {
		return nil, false
	}
	cp := *cert
	return &cp, true
}

// CheckResult is the outcome of evaluating a presented fingerprint against
// Gateway policy (spec.md §4.2): HTTPS enforcement precedes the
// fingerprint check, and an unknown or revoked fingerprint is rejected.
type CheckResult struct {
	Allowed bool
	Code    string // "unknown_certificate" | "revoked_certificate" | ""
}

// Check evaluates a presented fingerprint against the registry, returning
// the Gateway-facing decision and its stable error code.
func (s *Store) Check(fingerprint string) CheckResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.byFP[fingerprint]
	if !ok {
		return CheckResult{Allowed: false, Code: "unknown_certificate"}
	}
	if cert.Revoked() {
		return CheckResult{Allowed: false, Code: "revoked_certificate"}
	}
	return CheckResult{Allowed: true}
}
