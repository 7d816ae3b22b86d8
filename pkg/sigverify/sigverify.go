// Package sigverify implements HMAC-SHA256 request signature verification
// with TTL and replay protection (spec.md §4.1), plus the canonical
// payload hashing used as the idempotency key across EventIngest and
// EvidenceLedger.
package sigverify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/sentrywatch/core/pkg/canonicalize"
)

// Reason is a stable, machine-readable verification failure identifier,
// matching the error vocabulary of spec.md §7.
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonMissingSharedKey         Reason = "missing_shared_key"
	ReasonSignatureExpired         Reason = "signature_expired"
	ReasonInvalidSignatureEncoding Reason = "invalid_signature_encoding"
	ReasonSignatureMismatch        Reason = "signature_mismatch"
)

// DefaultTTL is the default maximum age of a signed request (spec.md §4.1).
const DefaultTTL = 120 * time.Second

// Verifier verifies HMAC-SHA256 request signatures for a single shared key.
type Verifier struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTTL overrides the default signature TTL.
func WithTTL(ttl time.Duration) Option {
	return func(v *Verifier) { v.ttl = ttl }
}

// WithClock overrides the verifier's notion of "now", for deterministic
// testing.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New builds a Verifier bound to a single tenant's shared signing key.
func New(key []byte, opts ...Option) *Verifier {
	v := &Verifier{
		key: key,
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks a request signature per spec.md §4.1:
//
//	reject if |now - timestamp| > TTL                 -> signature_expired
//	compute HMAC_SHA256(key, "<timestamp>." + payload)
//	compare constant-time with base64-decoded signature
func (v *Verifier) Verify(payload []byte, signatureB64 string, timestampUnix int64) (bool, Reason) {
	if len(v.key) == 0 {
		return false, ReasonMissingSharedKey
	}

	now := v.now().Unix()
	delta := now - timestampUnix
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > v.ttl {
		return false, ReasonSignatureExpired
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, ReasonInvalidSignatureEncoding
	}

	expected := v.mac(payload, timestampUnix)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return false, ReasonSignatureMismatch
	}
	return true, ReasonNone
}

// Sign produces a base64-encoded HMAC-SHA256 signature for payload at
// timestampUnix, the inverse of Verify. Used by tests and by components
// that co-locate signing and verification under one shared key.
func (v *Verifier) Sign(payload []byte, timestampUnix int64) string {
	return base64.StdEncoding.EncodeToString(v.mac(payload, timestampUnix))
}

func (v *Verifier) mac(payload []byte, timestampUnix int64) []byte {
	h := hmac.New(sha256.New, v.key)
	h.Write([]byte(strconv.FormatInt(timestampUnix, 10)))
	h.Write([]byte("."))
	h.Write([]byte(strings.TrimSpace(string(payload))))
	return h.Sum(nil)
}

// tenantKeyInfo is the HKDF info parameter binding a derived key to this
// platform's tenant-key derivation, distinct from any other use of the
// same master secret.
const tenantKeyInfo = "sentrywatch-tenant-signing-key"

// DeriveTenantKey derives a tenant-scoped HMAC signing key from a single
// master secret via HKDF-SHA256, so operators can provision one master
// key instead of storing a shared key per tenant in SigningKey
// configuration. The tenant ID is the HKDF salt, so distinct tenants
// always derive distinct keys from the same master secret.
func DeriveTenantKey(masterSecret []byte, tenantID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterSecret, []byte(tenantID), []byte(tenantKeyInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("sigverify: tenant key derivation failed: %w", err)
	}
	return key, nil
}

// CanonicalPayloadHash computes the canonical-JSON SHA-256 hash of v,
// stable across implementations, used as the idempotency key in
// EventIngest and EvidenceLedger (spec.md §4.1).
func CanonicalPayloadHash(v interface{}) (string, error) {
	hash, err := canonicalize.CanonicalHash(v)
	if err != nil {
		return "", fmt.Errorf("sigverify: canonical hash: %w", err)
	}
	return hash, nil
}
