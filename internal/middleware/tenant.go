// Package middleware holds the HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"net/http"
	"regexp"
)

// DefaultTenant is used when a request names no tenant.
const DefaultTenant = "default"

type contextKey string

const tenantIDKey contextKey = "tenant_id"

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// WithTenant adds tenant ID to context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantFromContext returns the request tenant, or DefaultTenant.
func TenantFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok && id != "" {
		return id
	}
	return DefaultTenant
}

// Tenant reads X-Tenant-ID into the request context. Malformed IDs are
// rejected; a missing header selects DefaultTenant. When known is non-nil
// only tenants it accepts are allowed.
func Tenant(known func(tenantID string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := r.Header.Get("X-Tenant-ID")
			if tenantID == "" {
				tenantID = DefaultTenant
			}
			if !tenantPattern.MatchString(tenantID) {
				http.Error(w, "Invalid Tenant ID", http.StatusBadRequest)
				return
			}
			if known != nil && tenantID != DefaultTenant && !known(tenantID) {
				http.Error(w, "Unknown Tenant ID", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}
