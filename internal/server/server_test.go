package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/audit"
	"github.com/binsight/binsight-ai/internal/auth"
	"github.com/binsight/binsight-ai/internal/cache"
	"github.com/binsight/binsight-ai/internal/config"
	"github.com/binsight/binsight-ai/internal/jobs"
	"github.com/binsight/binsight-ai/internal/kvstore"
	"github.com/binsight/binsight-ai/internal/llm/adapter"
	"github.com/binsight/binsight-ai/internal/llm/factory"
	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/middleware"
	"github.com/binsight/binsight-ai/internal/models"
	"github.com/binsight/binsight-ai/internal/ratelimit"
)

// fakeProvider is a minimal healthy adapter.Provider for handler tests.
type fakeProvider struct {
	id   string
	kind models.ProviderKind
}

func (p *fakeProvider) ID() string                { return p.id }
func (p *fakeProvider) Kind() models.ProviderKind { return p.kind }

func (p *fakeProvider) TranslateFunction(context.Context, *types.FunctionRequest) (*models.FunctionTranslation, error) {
	return &models.FunctionTranslation{Description: "ok"}, nil
}

func (p *fakeProvider) ExplainImports(context.Context, *types.ImportsRequest) ([]models.ImportTranslation, error) {
	return nil, nil
}

func (p *fakeProvider) InterpretStrings(context.Context, *types.StringsRequest) ([]models.StringTranslation, error) {
	return nil, nil
}

func (p *fakeProvider) GenerateOverallSummary(context.Context, *types.SummaryRequest) (*models.OverallSummary, error) {
	return nil, nil
}

func (p *fakeProvider) HealthCheck(context.Context) models.ProviderHealth {
	return models.ProviderHealth{IsHealthy: true, WithinRateLimits: true, LastProbeTime: time.Now()}
}

func (p *fakeProvider) CostPerToken() *float64 { return nil }

type stubDecompiler struct{}

func (stubDecompiler) Decompile(ctx context.Context, _ string, _ models.AnalysisConfig) (*models.ArtifactSet, error) {
	return &models.ArtifactSet{
		FileInfo: models.FileInfo{
			FileHash: "sha256:" + strings.Repeat("ab", 32),
			Format:   models.FormatELF,
		},
	}, nil
}

type translatorFunc func(ctx context.Context, set *models.ArtifactSet, cfg models.AnalysisConfig) (*models.DecompilationResult, error)

func (f translatorFunc) Run(ctx context.Context, set *models.ArtifactSet, cfg models.AnalysisConfig) (*models.DecompilationResult, error) {
	return f(ctx, set, cfg)
}

func okTranslator() jobs.Translator {
	return translatorFunc(func(context.Context, *models.ArtifactSet, models.AnalysisConfig) (*models.DecompilationResult, error) {
		return &models.DecompilationResult{Success: true}, nil
	})
}

// newTestServer assembles a Server on miniredis with stubbed decompilation
// and translation. Auth is off unless the test enables it.
func newTestServer(t *testing.T, tr jobs.Translator, authEnabled bool) *Server {
	t.Helper()
	log := zap.NewNop()
	tmp := t.TempDir()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := kvstore.NewFromClient(client)

	limiter, err := ratelimit.New(kv, ratelimit.DefaultPolicy(), log)
	require.NoError(t, err)

	fac, err := factory.NewWithProviders([]adapter.Provider{
		&fakeProvider{id: "openai", kind: models.ProviderOpenAI},
	}, factory.Options{}, log)
	require.NoError(t, err)

	uploads, err := NewUploads(filepath.Join(tmp, "uploads"))
	require.NoError(t, err)

	store, err := jobs.NewStore(filepath.Join(tmp, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if tr == nil {
		tr = okTranslator()
	}
	engine := jobs.NewEngine(store, stubDecompiler{}, tr, uploads, jobs.Options{
		Workers:               2,
		MaxTimeoutSeconds:     3600,
		AllowPrivateCallbacks: true,
	}, log)

	trail, err := audit.NewLogger(&audit.Config{AuditLogPath: filepath.Join(tmp, "audit.log")}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close() })

	keyring := auth.NewKeyring(filepath.Join(tmp, "keys.json"), log)
	require.NoError(t, keyring.Load())

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = authEnabled

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := &Server{
		config:  cfg,
		log:     log,
		kv:      kv,
		limiter: limiter,
		cache:   cache.New(kv, time.Hour, log),
		factory: fac,
		uploads: uploads,
		engine:  engine,
		keyring: keyring,
		trail:   trail,
		alerts:  metrics.NewAlertManager(metrics.DefaultRules(), log),
		authmw:  middleware.NewAuth(keyring, trail, authEnabled),
		ctx:     ctx,
		cancel:  cancel,
	}
	srv.running = true
	srv.startedAt = time.Now()

	require.NoError(t, engine.Start(ctx))
	t.Cleanup(engine.Stop)

	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadBinary(t *testing.T, h http.Handler, payload []byte) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var info UploadInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.True(t, strings.HasPrefix(info.Reference, "upload://"))
	return info.Reference
}

func creationBody(ref string) map[string]any {
	return map[string]any{
		"file_reference":  ref,
		"filename":        "sample.exe",
		"analysis_config": models.DefaultAnalysisConfig(),
	}
}

func TestUploadAndCreateJob(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	ref := uploadBinary(t, h, []byte("\x7fELF binary bytes"))

	rec := doJSON(t, h, http.MethodPost, "/jobs", creationBody(ref))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUploadRejectsEmptyBody(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(nil))
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobRejectsUnknownReference(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodPost, "/jobs", creationBody("upload://nope"))
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestCreateJobRejectsPlainText(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	ref := uploadBinary(t, h, []byte(strings.Repeat("hello, this is a readme file\n", 10)))
	rec := doJSON(t, h, http.MethodPost, "/jobs", creationBody(ref))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "unsupported file format")
}

func TestCreateJobRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"file_reference": 12}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobAndList(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	ref := uploadBinary(t, h, []byte("\x7fELF\x00\x00binary"))
	rec := doJSON(t, h, http.MethodPost, "/jobs", creationBody(ref))
	require.Equal(t, http.StatusOK, rec.Code)
	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/jobs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list jobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodGet, "/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRejectsBadQuery(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodGet, "/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/jobs?limit=10000", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobResultLifecycle(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	ref := uploadBinary(t, h, []byte("\x7fELF\x00\x00binary"))
	rec := doJSON(t, h, http.MethodPost, "/jobs", creationBody(ref))
	require.Equal(t, http.StatusOK, rec.Code)
	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// The stub pipeline completes quickly; poll until the result is ready.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.JobID+"/result", nil)
		if rec.Code == http.StatusOK {
			break
		}
		require.Contains(t, []int{http.StatusConflict, http.StatusOK}, rec.Code, rec.Body.String())
		require.True(t, time.Now().Before(deadline), "job did not complete in time")
		time.Sleep(20 * time.Millisecond)
	}

	var result models.DecompilationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
}

func TestJobActionCancelPending(t *testing.T) {
	slow := translatorFunc(func(ctx context.Context, _ *models.ArtifactSet, _ models.AnalysisConfig) (*models.DecompilationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv := newTestServer(t, slow, false)
	h := srv.routes()

	ref := uploadBinary(t, h, []byte("\x7fELF\x00\x00binary"))
	rec := doJSON(t, h, http.MethodPost, "/jobs", creationBody(ref))
	require.Equal(t, http.StatusOK, rec.Code)
	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodPost, "/jobs/"+created.JobID+"/actions",
		map[string]any{"action": "cancel", "reason": "testing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.JobActionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, models.StatusCancelled, resp.NewStatus)
}

func TestDeleteActiveJobConflicts(t *testing.T) {
	slow := translatorFunc(func(ctx context.Context, _ *models.ArtifactSet, _ models.AnalysisConfig) (*models.DecompilationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv := newTestServer(t, slow, false)
	h := srv.routes()

	ref := uploadBinary(t, h, []byte("\x7fELF\x00\x00binary"))
	rec := doJSON(t, h, http.MethodPost, "/jobs", creationBody(ref))
	require.Equal(t, http.StatusOK, rec.Code)
	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodDelete, "/jobs/"+created.JobID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProviderEndpoints(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodGet, "/llm-providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"openai"`)

	rec = doJSON(t, h, http.MethodGet, "/llm-providers/openai", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// Credentials never appear in provider views.
	assert.NotContains(t, rec.Body.String(), "api_key")

	rec = doJSON(t, h, http.MethodGet, "/llm-providers/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/llm-providers/openai/health-check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_healthy":true`)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCacheInvalidateRequiresOneSelector(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodPost, "/cache/invalidate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/cache/invalidate",
		map[string]any{"file_hash": "abc", "tag": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/cache/invalidate",
		map[string]any{"tag": "release-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"invalidated":0`)
}

func TestAlertsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alerts":[]`)

	rec = doJSON(t, h, http.MethodPost, "/alerts/unknown/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockedEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, false)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodGet, "/rate-limit/blocked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"blocked":[]`)
}

func TestAuthScopesOnRoutes(t *testing.T) {
	srv := newTestServer(t, nil, true)
	h := srv.routes()

	// No key at all.
	rec := doJSON(t, h, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Read-only key cannot submit.
	readKey, _, err := srv.keyring.Mint("reader", []auth.Scope{auth.ScopeRead}, "standard", auth.MintOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-API-Key", readKey)
	req.RemoteAddr = "203.0.113.9:51000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", readKey)
	req.RemoteAddr = "203.0.113.9:51000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Health stays open.
	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadRejectsOversizeBody(t *testing.T) {
	srv := newTestServer(t, nil, false)
	srv.config.Server.MaxUploadBytes = 64
	h := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(make([]byte, 128)))
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestJobSocketStreamsUntilTerminal(t *testing.T) {
	srv := newTestServer(t, nil, false)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	ref := uploadBinary(t, srv.routes(), []byte("\x7fELF\x00\x00binary"))
	rec := doJSON(t, srv.routes(), http.MethodPost, "/jobs", creationBody(ref))
	require.Equal(t, http.StatusOK, rec.Code)
	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + created.JobID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last jobs.ProgressEvent
	for {
		var ev jobs.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		assert.Equal(t, created.JobID, ev.JobID)
		last = ev
		if ev.Terminal {
			break
		}
	}
	assert.True(t, last.Terminal)
	assert.Equal(t, models.StatusCompleted, last.Status)
}

func TestJobSocketUnknownJob(t *testing.T) {
	srv := newTestServer(t, nil, false)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/no-such-job"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
