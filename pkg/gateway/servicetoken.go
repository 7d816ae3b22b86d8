package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentrywatch/core/pkg/api"
)

// ServiceClaims are the JWT claims carried by the auxiliary bearer token
// the Gateway forwards alongside mTLS headers on service-to-service
// calls (spec.md §4.1, §6).
type ServiceClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

type serviceClaimsKey struct{}

// ServiceKeyFunc resolves the verification key for a service token,
// typically bound to a rotating signing key set.
type ServiceKeyFunc = jwt.Keyfunc

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// ParseServiceToken validates a bearer token string against keyFunc and
// returns its claims. The subject and tenant_id claims must be present.
func ParseServiceToken(tokenStr string, keyFunc ServiceKeyFunc) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("gateway: service token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("gateway: invalid service token")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("gateway: service token missing subject or tenant binding")
	}
	return claims, nil
}

// RequireServiceToken validates the optional Authorization: Bearer token
// service callers attach alongside mTLS client-certificate headers,
// rejecting requests whose Bearer token is malformed or unverifiable. A
// request without a Bearer token (no Authorization header, or one using
// another scheme) passes through unchanged,
// since the bearer token is an auxiliary identity signal layered on top
// of mTLS, not a replacement for it.
func RequireServiceToken(keyFunc ServiceKeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ParseServiceToken(tokenStr, keyFunc)
			if err != nil {
				api.WriteCoded(w, api.CodeInvalidServiceToken, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), serviceClaimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceIdentity extracts the validated service token claims set by
// RequireServiceToken, if any.
func ServiceIdentity(r *http.Request) (*ServiceClaims, bool) {
	claims, ok := r.Context().Value(serviceClaimsKey{}).(*ServiceClaims)
	return claims, ok
}
