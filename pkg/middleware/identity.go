package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/opsforge/changeflow/modules/changes/domain/actor"
	"github.com/opsforge/changeflow/pkg/composables"
	"github.com/opsforge/changeflow/pkg/httpapi"
)

// Identity headers are stamped by the API gateway after authentication; this
// service trusts them and never sees credentials.
const (
	TenantIDHeader         = "X-Tenant-Id"
	ActorIDHeader          = "X-Actor-Id"
	ActorEmailHeader       = "X-Actor-Email"
	ActorRolesHeader       = "X-Actor-Roles"
	ActorPermissionsHeader = "X-Actor-Permissions"
)

// ProvideTenant resolves the tenant header into the request context. Paths
// passed as exemptions (health probes, metrics scrapes) go through untouched.
func ProvideTenant(exempt ...string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempted(r.URL.Path, exempt) {
				next.ServeHTTP(w, r)
				return
			}
			tenantID, err := uuid.Parse(r.Header.Get(TenantIDHeader))
			if err != nil {
				_ = httpapi.WriteError(w, http.StatusBadRequest, "TENANT_REQUIRED", "missing or invalid tenant header", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(composables.WithTenantID(r.Context(), tenantID)))
		})
	}
}

func ProvideActor(exempt ...string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempted(r.URL.Path, exempt) {
				next.ServeHTTP(w, r)
				return
			}
			actorID, err := uuid.Parse(r.Header.Get(ActorIDHeader))
			if err != nil {
				_ = httpapi.WriteError(w, http.StatusUnauthorized, "ACTOR_REQUIRED", "missing or invalid actor header", nil)
				return
			}
			a := actor.Actor{
				ID:          actorID,
				Email:       r.Header.Get(ActorEmailHeader),
				Roles:       splitHeaderList(r.Header.Get(ActorRolesHeader)),
				Permissions: splitHeaderList(r.Header.Get(ActorPermissionsHeader)),
			}
			next.ServeHTTP(w, r.WithContext(composables.WithActor(r.Context(), a)))
		})
	}
}

func exempted(path string, exempt []string) bool {
	for _, p := range exempt {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func splitHeaderList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
