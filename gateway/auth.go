package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminRole = "admin"

const adminActorKey contextKey = "admin_actor"

// adminActor returns the authenticated operator's subject for audit trails.
func adminActor(ctx context.Context) string {
	actor, _ := ctx.Value(adminActorKey).(string)
	if actor == "" {
		return "admin"
	}
	return actor
}

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// requireAdmin gates /v1/admin behind an HS256 bearer token carrying
// role=admin. A deployment without a configured secret keeps the whole admin
// surface closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminJWTSecret) == 0 {
			s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin API disabled"})
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}

		claims := &adminClaims{}
		parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims,
			func(*jwt.Token) (interface{}, error) { return s.adminJWTSecret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(s.now),
		)
		if err != nil || !parsed.Valid {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
			return
		}
		if claims.Role != adminRole {
			s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
			return
		}

		actor := strings.TrimSpace(claims.Subject)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminActorKey, actor)))
	})
}

// AdminToken mints an HS256 bearer token for the admin API. Operational
// tooling and tests use it; the daemon itself never issues tokens.
func AdminToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := adminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
