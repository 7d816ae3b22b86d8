// Package gateway implements Gateway: HTTPS enforcement and mTLS header
// validation as composable net/http middleware, no bound server or
// routing framework (spec.md §4.1, §6). Fingerprint trust is delegated
// to certstore.
package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sentrywatch/core/pkg/api"
	"github.com/sentrywatch/core/pkg/certstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func parseUnixSeconds(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

var tracer = otel.Tracer("sentrywatch.gateway")

// Trace wraps a handler in a request span named after the route,
// tagging it with the HTTP method and path.
func Trace(routeName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), routeName)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TrustChecker is the subset of certstore.Store the gateway depends on.
type TrustChecker interface {
	Check(fingerprint string) certstore.CheckResult
}

// RequireHTTPS rejects any request whose forwarded-proto header is not
// https. CORS preflight (OPTIONS) requests are exempt (spec.md §6).
func RequireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			api.WriteCoded(w, api.Code("https_required"), "request must be made over HTTPS")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIdentityKey is the context key under which RequireMTLS stores
// the validated client identity for downstream handlers.
type contextKey string

const clientIdentityKey contextKey = "gateway.client_identity"

// RequireMTLS validates the X-Client-Identity, X-Client-Cert-Sha256,
// and X-Client-MTLS headers and checks the certificate fingerprint
// against trust, rejecting unknown or revoked certificates with 401
// (spec.md §4.2, §6). HTTPS enforcement must run first.
func RequireMTLS(trust TrustChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := r.Header.Get("X-Client-Identity")
			fingerprint := r.Header.Get("X-Client-Cert-Sha256")
			mtlsStatus := r.Header.Get("X-Client-MTLS")

			if identity == "" || fingerprint == "" || mtlsStatus != "success" {
				api.WriteCoded(w, api.CodeClientIdentityRequired, "missing or incomplete mTLS client headers")
				return
			}

			result := trust.Check(fingerprint)
			if !result.Allowed {
				api.WriteCoded(w, api.Code(result.Code), "client certificate rejected")
				return
			}

			next.ServeHTTP(w, withClientIdentity(r, identity))
		})
	}
}

func withClientIdentity(r *http.Request, identity string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), clientIdentityKey, identity))
}

// ClientIdentity extracts the validated client identity set by
// RequireMTLS, if any.
func ClientIdentity(r *http.Request) (string, bool) {
	v := r.Context().Value(clientIdentityKey)
	s, ok := v.(string)
	return s, ok
}

// SignatureHeaders extracts X-Request-Signature and X-Request-Timestamp
// from a request, required on every intake endpoint (spec.md §6).
func SignatureHeaders(r *http.Request) (signatureB64 string, timestampUnix int64, ok bool) {
	signatureB64 = r.Header.Get("X-Request-Signature")
	tsHeader := r.Header.Get("X-Request-Timestamp")
	if signatureB64 == "" || tsHeader == "" {
		return "", 0, false
	}
	ts, err := parseUnixSeconds(tsHeader)
	if err != nil {
		return "", 0, false
	}
	return signatureB64, ts, true
}

// Router is a minimal method+path dispatcher over net/http, matching the
// teacher's bare-ServeMux composition style rather than a third-party
// routing framework (spec.md §1 excludes HTTP server plumbing as a
// scoped feature, not the absence of a router library).
type Router struct {
	mux *http.ServeMux
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{mux: http.NewServeMux()}
}

// Handle registers a handler for method+pattern, rejecting any other
// method on that pattern with 405.
func (rt *Router) Handle(method, pattern string, handler http.Handler) {
	rt.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			api.WriteMethodNotAllowed(w)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}
