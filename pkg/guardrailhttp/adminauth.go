package guardrailhttp

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guardrail-labs/guardrail-gateway/pkg/apierr"
)

// AdminAuth gates /admin/* behind either a static X-Admin-Key (matched
// against cfg.AdminUIToken) or a bearer JWT signed with the configured
// admin secret. An unconfigured secret and token both being empty denies
// every request rather than silently opening the admin surface.
func AdminAuth(adminToken, adminSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" && adminSecret == "" {
				apierr.WriteForbidden(w, "admin surface is not configured")
				return
			}

			if key := r.Header.Get("X-Admin-Key"); key != "" && adminToken != "" {
				if key == adminToken {
					next.ServeHTTP(w, r)
					return
				}
				apierr.WriteUnauthorized(w, "invalid admin key")
				return
			}

			if internal := r.Header.Get("X-Internal-Auth"); internal != "" && adminToken != "" {
				if internal == adminToken {
					next.ServeHTTP(w, r)
					return
				}
				apierr.WriteUnauthorized(w, "invalid internal auth token")
				return
			}

			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") && adminSecret != "" {
				raw := strings.TrimPrefix(auth, "Bearer ")
				token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
					return []byte(adminSecret), nil
				}, jwt.WithValidMethods([]string{"HS256"}))
				if err == nil && token.Valid {
					next.ServeHTTP(w, r)
					return
				}
				apierr.WriteUnauthorized(w, "invalid admin bearer token")
				return
			}

			apierr.WriteUnauthorized(w, "admin credentials required")
		})
	}
}
