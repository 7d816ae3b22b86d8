package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentrywatch/core/pkg/certstore"
	"github.com/sentrywatch/core/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func futureExpiry() time.Time {
	return time.Now().Add(24 * time.Hour)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireHTTPS_RejectsPlainRequest(t *testing.T) {
	h := gateway.RequireHTTPS(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequireHTTPS_AllowsForwardedHTTPS(t *testing.T) {
	h := gateway.RequireHTTPS(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireHTTPS_ExemptsOptionsPreflight(t *testing.T) {
	h := gateway.RequireHTTPS(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireMTLS_RejectsMissingHeaders(t *testing.T) {
	trust := certstore.New()
	h := gateway.RequireMTLS(trust)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/hello", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireMTLS_RejectsUnknownFingerprint(t *testing.T) {
	trust := certstore.New()
	h := gateway.RequireMTLS(trust)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/hello", nil)
	req.Header.Set("X-Client-Identity", "agent-1")
	req.Header.Set("X-Client-Cert-Sha256", "deadbeef")
	req.Header.Set("X-Client-MTLS", "success")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireMTLS_AllowsKnownFingerprintAndSetsIdentity(t *testing.T) {
	trust := certstore.New()
	require.NoError(t, trust.Issue("agent-1", "deadbeef", futureExpiry()))

	var gotIdentity string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity, _ = gateway.ClientIdentity(r)
		w.WriteHeader(http.StatusOK)
	})

	h := gateway.RequireMTLS(trust)(inner)
	req := httptest.NewRequest(http.MethodPost, "/hello", nil)
	req.Header.Set("X-Client-Identity", "agent-1")
	req.Header.Set("X-Client-Cert-Sha256", "deadbeef")
	req.Header.Set("X-Client-MTLS", "success")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-1", gotIdentity)
}

func TestSignatureHeaders_MissingReturnsNotOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	_, _, ok := gateway.SignatureHeaders(req)
	assert.False(t, ok)
}

func TestSignatureHeaders_ParsesValidHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("X-Request-Signature", "c2lnbmF0dXJl")
	req.Header.Set("X-Request-Timestamp", "1700000000")

	sig, ts, ok := gateway.SignatureHeaders(req)
	require.True(t, ok)
	assert.Equal(t, "c2lnbmF0dXJl", sig)
	assert.Equal(t, int64(1700000000), ts)
}

func TestRouter_RejectsWrongMethod(t *testing.T) {
	rt := gateway.NewRouter()
	rt.Handle(http.MethodPost, "/events", okHandler())

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_DispatchesMatchingMethod(t *testing.T) {
	rt := gateway.NewRouter()
	rt.Handle(http.MethodPost, "/events", okHandler())

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrace_PassesRequestThrough(t *testing.T) {
	h := gateway.Trace("events.ingest", okHandler())
	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
