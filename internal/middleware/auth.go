package middleware

import (
	"net/http"
	"strings"

	"github.com/binsight/binsight-ai/internal/audit"
	"github.com/binsight/binsight-ai/internal/auth"
	"github.com/binsight/binsight-ai/internal/models"
)

// Authenticator resolves a presented plaintext key. Implemented by
// auth.Keyring.
type Authenticator interface {
	Authenticate(plaintext, remoteIP string) (*auth.Key, error)
}

// Auth validates the API key on every request and attaches the resolved key
// to the context. Keys are read from X-API-Key or an Authorization bearer
// token. When disabled it passes everything through unauthenticated.
type Auth struct {
	keys    Authenticator
	trail   audit.Logger
	enabled bool
}

// NewAuth builds the auth middleware. trail may be nil.
func NewAuth(keys Authenticator, trail audit.Logger, enabled bool) *Auth {
	return &Auth{keys: keys, trail: trail, enabled: enabled}
}

// Middleware performs the authentication check.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		plaintext := extractKey(r)
		if plaintext == "" {
			a.deny(w, r, models.NewError(models.KindAuthentication, "missing api key"))
			return
		}

		key, err := a.keys.Authenticate(plaintext, clientIP(r))
		if err != nil {
			a.deny(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithKey(r.Context(), key)))
	})
}

func (a *Auth) deny(w http.ResponseWriter, r *http.Request, err error) {
	if a.trail != nil {
		_ = a.trail.LogAuthDenied(r.Context(), clientIP(r), err.Error())
	}
	if models.KindOf(err) == models.KindAuthorization {
		writeError(w, r, http.StatusForbidden, "forbidden", "source address not allowed")
		return
	}
	writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
}

// RequireScope rejects authenticated requests whose key lacks the scope.
// When auth is disabled there is no key in the context and everything is
// allowed.
func (a *Auth) RequireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.enabled {
				next.ServeHTTP(w, r)
				return
			}

			key := auth.KeyFromContext(r.Context())
			if key == nil {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if !key.HasScope(scope) {
				writeError(w, r, http.StatusForbidden, "forbidden",
					"api key lacks the "+string(scope)+" scope")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TierFor returns the rate-limit tier of the authenticated key, or the
// fallback when unauthenticated.
func TierFor(r *http.Request, fallback string) (identifier, tier string) {
	if key := auth.KeyFromContext(r.Context()); key != nil {
		return key.ID, key.Tier
	}
	return "ip:" + clientIP(r), fallback
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
