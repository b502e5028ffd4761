package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type contextKey string

const tenantKey contextKey = "tenant_id"

// TenantMiddleware resolves the tenant from the X-Tenant-ID header and
// rejects requests without a valid one. Authentication proper is handled
// upstream; the engine only needs the scope.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Tenant-ID")
		if raw == "" {
			respondError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid X-Tenant-ID header")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantFrom returns the tenant id stored by TenantMiddleware.
func tenantFrom(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(tenantKey).(uuid.UUID)
	return id
}

func chiURLParam(r *http.Request, param string) string {
	return chi.URLParam(r, param)
}
