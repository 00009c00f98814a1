package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDHonoursClientHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-Request-ID", "client-supplied-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "client-supplied-1", seen)
}

func TestPerIPLimiterDeniesBeyondBurst(t *testing.T) {
	rl := NewPerIPLimiter(1, 3)
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	statuses := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = "198.51.100.9:4455"
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	assert.Equal(t, []int{200, 200, 200, 429, 429}, statuses)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.RemoteAddr = "198.51.100.9:4455"
	h.ServeHTTP(rec, req)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestPerIPLimiterIsolatesClients(t *testing.T) {
	rl := NewPerIPLimiter(1, 1)
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	for _, addr := range []string{"198.51.100.1:1", "198.51.100.2:1", "198.51.100.3:1"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, addr)
	}
}

func TestPerIPLimiterExemptsLoopback(t *testing.T) {
	rl := NewPerIPLimiter(1, 1)
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func newAuthRing(t *testing.T) (*auth.Keyring, string, *auth.Key) {
	t.Helper()
	ring := auth.NewKeyring("", zap.NewNop())
	plaintext, key, err := ring.Mint("test", []auth.Scope{auth.ScopeSubmit, auth.ScopeRead}, "standard", auth.MintOptions{})
	require.NoError(t, err)
	return ring, plaintext, key
}

func TestAuthMissingKey(t *testing.T) {
	ring, _, _ := newAuthRing(t)
	a := NewAuth(ring, nil, true)
	h := a.Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestAuthHeaderForms(t *testing.T) {
	ring, plaintext, key := newAuthRing(t)
	a := NewAuth(ring, nil, true)

	var got *auth.Key
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.KeyFromContext(r.Context())
	}))

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("X-API-Key", plaintext) },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+plaintext) },
	} {
		got = nil
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = "198.51.100.4:1000"
		set(req)
		h.ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, got)
		assert.Equal(t, key.ID, got.ID)
	}
}

func TestAuthDisabledPassthrough(t *testing.T) {
	a := NewAuth(nil, nil, false)
	h := a.Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScope(t *testing.T) {
	ring, plaintext, _ := newAuthRing(t)
	a := NewAuth(ring, nil, true)

	// The minted key has submit+read but not admin.
	allowed := a.Middleware(a.RequireScope(auth.ScopeRead)(okHandler()))
	denied := a.Middleware(a.RequireScope(auth.ScopeAdmin)(okHandler()))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		r.RemoteAddr = "198.51.100.4:1000"
		r.Header.Set("X-API-Key", plaintext)
		return r
	}

	rec := httptest.NewRecorder()
	allowed.ServeHTTP(rec, req())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	denied.ServeHTTP(rec, req())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin")
}

func TestTierFor(t *testing.T) {
	key := &auth.Key{ID: "key-1", Tier: "premium"}
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req = req.WithContext(auth.WithKey(req.Context(), key))

	id, tier := TierFor(req, "basic")
	assert.Equal(t, "key-1", id)
	assert.Equal(t, "premium", tier)

	anon := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	anon.RemoteAddr = "198.51.100.4:1000"
	id, tier = TierFor(anon, "basic")
	assert.Equal(t, "ip:198.51.100.4", id)
	assert.Equal(t, "basic", tier)
}

func TestBodyLimitRejectsDeclaredOversize(t *testing.T) {
	h := BodyLimit(16)(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("a", 64)))
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBodyLimitAllowsSmallBody(t *testing.T) {
	h := BodyLimit(16)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("tiny")))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://ui.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://ui.example.com",
		rec.Header().Get("Access-Control-Allow-Origin"))

	// A foreign origin gets no allowance.
	req = httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
