package sigverify_test

import (
	"testing"
	"time"

	"github.com/sentrywatch/core/pkg/sigverify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerify_ValidSignatureRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := sigverify.New([]byte("tenant-shared-key"), sigverify.WithClock(fixedClock(now)))

	payload := []byte(`{"asset_id":"a1","metric":"cpu.load"}`)
	ts := now.Unix()
	sig := v.Sign(payload, ts)

	ok, reason := v.Verify(payload, sig, ts)
	require.True(t, ok)
	assert.Equal(t, sigverify.ReasonNone, reason)
}

func TestVerify_SignatureExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := sigverify.New([]byte("key"), sigverify.WithClock(fixedClock(now)), sigverify.WithTTL(120*time.Second))

	payload := []byte(`{}`)
	ts := now.Add(-5 * time.Minute).Unix()
	sig := v.Sign(payload, ts)

	ok, reason := v.Verify(payload, sig, ts)
	assert.False(t, ok)
	assert.Equal(t, sigverify.ReasonSignatureExpired, reason)
}

func TestVerify_SignatureInFutureBeyondTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := sigverify.New([]byte("key"), sigverify.WithClock(fixedClock(now)))

	payload := []byte(`{}`)
	ts := now.Add(5 * time.Minute).Unix()
	sig := v.Sign(payload, ts)

	ok, reason := v.Verify(payload, sig, ts)
	assert.False(t, ok)
	assert.Equal(t, sigverify.ReasonSignatureExpired, reason)
}

func TestVerify_InvalidSignatureEncoding(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := sigverify.New([]byte("key"), sigverify.WithClock(fixedClock(now)))

	ok, reason := v.Verify([]byte("{}"), "not-valid-base64!!", now.Unix())
	assert.False(t, ok)
	assert.Equal(t, sigverify.ReasonInvalidSignatureEncoding, reason)
}

func TestVerify_SignatureMismatch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := sigverify.New([]byte("key"), sigverify.WithClock(fixedClock(now)))

	payload := []byte(`{"a":1}`)
	ts := now.Unix()
	sig := v.Sign([]byte(`{"a":2}`), ts)

	ok, reason := v.Verify(payload, sig, ts)
	assert.False(t, ok)
	assert.Equal(t, sigverify.ReasonSignatureMismatch, reason)
}

func TestVerify_MissingSharedKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := sigverify.New(nil, sigverify.WithClock(fixedClock(now)))

	ok, reason := v.Verify([]byte("{}"), "AAAA", now.Unix())
	assert.False(t, ok)
	assert.Equal(t, sigverify.ReasonMissingSharedKey, reason)
}

func TestCanonicalPayloadHash_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	hashA, err := sigverify.CanonicalPayloadHash(a)
	require.NoError(t, err)
	hashB, err := sigverify.CanonicalPayloadHash(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestDeriveTenantKey_DistinctTenantsDeriveDistinctKeys(t *testing.T) {
	master := []byte("master-secret")

	keyA, err := sigverify.DeriveTenantKey(master, "tenant-a")
	require.NoError(t, err)
	keyB, err := sigverify.DeriveTenantKey(master, "tenant-b")
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestDeriveTenantKey_DeterministicForSameTenant(t *testing.T) {
	master := []byte("master-secret")

	first, err := sigverify.DeriveTenantKey(master, "tenant-a")
	require.NoError(t, err)
	second, err := sigverify.DeriveTenantKey(master, "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDeriveTenantKey_UsableAsSigningKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	key, err := sigverify.DeriveTenantKey([]byte("master-secret"), "tenant-a")
	require.NoError(t, err)

	v := sigverify.New(key, sigverify.WithClock(fixedClock(now)))
	payload := []byte(`{"a":1}`)
	ts := now.Unix()
	sig := v.Sign(payload, ts)

	ok, reason := v.Verify(payload, sig, ts)
	assert.True(t, ok)
	assert.Equal(t, sigverify.ReasonNone, reason)
}

func TestCanonicalPayloadHash_DiffersOnValueChange(t *testing.T) {
	hashA, err := sigverify.CanonicalPayloadHash(map[string]interface{}{"v": 1})
	require.NoError(t, err)
	hashB, err := sigverify.CanonicalPayloadHash(map[string]interface{}{"v": 2})
	require.NoError(t, err)

	assert.NotEqual(t, hashA, hashB)
}
