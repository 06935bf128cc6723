package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/btcapture/kit"
)

// CookieName is the cookie carrying the session token for browser clients.
const CookieName = "token"

type claimsKey struct{}

// Middleware extracts the token from the "token" cookie or the
// Authorization Bearer header. A valid token puts its Claims, the operator
// name and the role in the request context. Missing or invalid tokens are
// ignored here; RequireOperator enforces.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenStr string
		if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
			tokenStr = c.Value
		}
		if h := r.Header.Get("Authorization"); tokenStr == "" && strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		}
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := g.Verify(tokenStr)
		if err != nil {
			ClearTokenCookie(w)
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims stores claims in ctx, along with the kit operator and role.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, c)
	ctx = kit.WithOperator(ctx, c.Username)
	return kit.WithRole(ctx, c.Role)
}

// ClaimsFrom returns the Claims placed by Middleware, or nil.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireOperator answers 401 with a JSON error unless the request carries
// operator claims.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFrom(r.Context()); c == nil || c.Role != RoleOperator {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "sign-in required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetTokenCookie writes the session token as an HttpOnly cookie.
func SetTokenCookie(w http.ResponseWriter, token string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}

// ClearTokenCookie removes the session cookie.
func ClearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// TTLSeconds is the session lifetime, for cookie MaxAge.
func (g *Gate) TTLSeconds() int {
	return int(g.ttl.Seconds())
}
