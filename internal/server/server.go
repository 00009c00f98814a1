// Package server wires the HTTP surface: job admission and control, uploads,
// provider inspection, cache and rate-limit operations, metrics, and the
// websocket progress stream.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/audit"
	"github.com/binsight/binsight-ai/internal/auth"
	"github.com/binsight/binsight-ai/internal/cache"
	"github.com/binsight/binsight-ai/internal/config"
	"github.com/binsight/binsight-ai/internal/decompiler"
	"github.com/binsight/binsight-ai/internal/jobs"
	"github.com/binsight/binsight-ai/internal/kvstore"
	"github.com/binsight/binsight-ai/internal/llm/factory"
	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/middleware"
	"github.com/binsight/binsight-ai/internal/pipeline"
	"github.com/binsight/binsight-ai/internal/prompt"
	"github.com/binsight/binsight-ai/internal/ratelimit"
)

const alertInterval = 30 * time.Second

// Server owns every component and the HTTP listener.
type Server struct {
	config *config.Config
	log    *zap.Logger

	// Core components
	kv        *kvstore.Store
	limiter   *ratelimit.Limiter
	cache     *cache.ResultCache
	factory   *factory.Factory
	pipeline  *pipeline.Pipeline
	decomp    *decompiler.Engine
	uploads   *Uploads
	engine    *jobs.Engine
	keyring   *auth.Keyring
	trail     audit.Logger
	alerts    *metrics.AlertManager
	authmw    *middleware.Auth
	ipLimiter *middleware.PerIPLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates the server and initializes every component. Nothing
// listens until Start.
func NewServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config: cfg,
		log:    log,
		ctx:    runCtx,
		cancel: cancel,
	}

	if err := srv.initializeComponents(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents builds the component graph bottom-up.
func (s *Server) initializeComponents(ctx context.Context) error {
	cfg := s.config

	// 1. Key-value store (cache + tier rate limiting)
	host, portStr, err := net.SplitHostPort(cfg.KV.Addr)
	if err != nil {
		return fmt.Errorf("invalid kv address %q: %w", cfg.KV.Addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	kv, err := kvstore.New(ctx, kvstore.Config{
		Host:        host,
		Port:        port,
		DB:          cfg.KV.DB,
		Password:    cfg.KV.Password,
		DialTimeout: time.Duration(cfg.KV.TimeoutSeconds) * time.Second,
		ReadTimeout: time.Duration(cfg.KV.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connecting to kv store: %w", err)
	}
	s.kv = kv

	s.limiter, err = ratelimit.New(kv, ratelimit.DefaultPolicy(), s.log)
	if err != nil {
		return err
	}
	s.cache = cache.New(kv, time.Duration(cfg.Cache.TTLSeconds)*time.Second, s.log)

	// 2. LLM providers and translation pipeline
	s.factory, err = factory.New(ctx, cfg.Providers(), factory.Options{}, s.log)
	if err != nil {
		return fmt.Errorf("initializing llm providers: %w", err)
	}

	builder, err := prompt.NewBuilder()
	if err != nil {
		return fmt.Errorf("initializing prompt builder: %w", err)
	}
	s.pipeline = pipeline.New(s.factory, builder, s.cache, pipeline.Options{
		Parallelism: cfg.Pipeline.Parallelism,
		Preferences: s.preferences(),
	}, s.log)

	// 3. Decompiler and job engine
	s.decomp, err = decompiler.New(decompiler.Config{
		Command: cfg.Decompiler.Command,
		Args:    cfg.Decompiler.Args,
		Timeout: time.Duration(cfg.Decompiler.TimeoutSeconds) * time.Second,
	}, s.log)
	if err != nil {
		return err
	}

	s.uploads, err = NewUploads(cfg.Server.UploadDir)
	if err != nil {
		return err
	}

	store, err := jobs.NewStore(cfg.Jobs.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	s.engine = jobs.NewEngine(store, s.decomp, s.pipeline, s.uploads, jobs.Options{
		Workers:               cfg.Jobs.Workers,
		MaxTimeoutSeconds:     cfg.Jobs.MaxTimeoutSeconds,
		AllowPrivateCallbacks: cfg.Server.AllowPrivateCallbacks,
		RetentionTTL:          time.Duration(cfg.Jobs.RetentionDays) * 24 * time.Hour,
	}, s.log)

	// 4. Auth, audit, alerts
	s.trail, err = audit.NewLogger(nil, s.log)
	if err != nil {
		return err
	}
	s.keyring = auth.NewKeyring(cfg.Auth.KeysFile, s.log)
	if err := s.keyring.Load(); err != nil {
		return fmt.Errorf("loading api keys: %w", err)
	}
	s.authmw = middleware.NewAuth(s.keyring, s.trail, cfg.Auth.Enabled)
	if cfg.RateLimit.Enabled {
		s.ipLimiter = middleware.NewPerIPLimiter(cfg.RateLimit.PerIPPerSecond, cfg.RateLimit.PerIPBurst)
	}
	s.alerts = metrics.NewAlertManager(metrics.DefaultRules(), s.log)

	return nil
}

// preferences maps the configured selection defaults to factory preferences.
func (s *Server) preferences() factory.Preferences {
	prefs := factory.Preferences{
		PreferredProvider:   s.config.LLM.PreferredProvider,
		CostOptimization:    s.config.LLM.CostOptimization,
		PerformancePriority: s.config.LLM.PerformancePriority,
		Excluded:            s.config.LLM.Excluded,
	}
	if len(s.config.LLM.OperationPreferences) > 0 {
		prefs.OperationPreferences = make(map[types.Operation]string, len(s.config.LLM.OperationPreferences))
		for op, provider := range s.config.LLM.OperationPreferences {
			prefs.OperationPreferences[types.Operation(op)] = provider
		}
	}
	return prefs
}

// Start begins serving and launches the job workers.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.engine.Start(s.ctx); err != nil {
		return fmt.Errorf("starting job engine: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("http server listening", zap.Int("port", s.config.Server.Port))
		var err error
		if s.config.Server.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.config.Server.TLSCertPath, s.config.Server.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go s.alertLoop()

	_ = s.trail.LogServerStarted(s.ctx, s.config.Server.Port)
	return nil
}

// alertLoop periodically evaluates the alert rules over a metrics snapshot.
func (s *Server) alertLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(alertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, err := metrics.Gather(prometheus.DefaultGatherer)
			if err != nil {
				s.log.Warn("metrics gather failed", zap.Error(err))
				continue
			}
			s.alerts.Evaluate(snap)
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop drains the listener, stops the workers, and flushes the audit trail.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	uptime := time.Since(s.startedAt)
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}

	s.engine.Stop()
	if s.ipLimiter != nil {
		s.ipLimiter.Stop()
	}

	s.cancel()
	s.wg.Wait()

	_ = s.trail.LogServerShutdown(context.Background(), uptime)
	_ = s.trail.Close()
	_ = s.kv.Close()

	s.log.Info("server stopped", zap.Duration("uptime", uptime))
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// routes assembles the full route table and middleware chain.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	if s.ipLimiter != nil {
		r.Use(s.ipLimiter.Middleware)
	}
	r.Use(middleware.BodyLimit(s.config.Server.MaxUploadBytes))
	r.Use(s.authmw.Middleware)

	submit := s.authmw.RequireScope(auth.ScopeSubmit)
	read := s.authmw.RequireScope(auth.ScopeRead)
	admin := s.authmw.RequireScope(auth.ScopeAdmin)

	// Job surface
	r.Handle("/upload", submit(s.rateLimited(s.handleUpload))).Methods(http.MethodPost)
	r.Handle("/jobs", submit(s.rateLimited(s.handleCreateJob))).Methods(http.MethodPost)
	r.Handle("/jobs", read(http.HandlerFunc(s.handleListJobs))).Methods(http.MethodGet)
	r.Handle("/jobs/{id}", read(http.HandlerFunc(s.handleGetJob))).Methods(http.MethodGet)
	r.Handle("/jobs/{id}", admin(http.HandlerFunc(s.handleDeleteJob))).Methods(http.MethodDelete)
	r.Handle("/jobs/{id}/actions", submit(http.HandlerFunc(s.handleJobAction))).Methods(http.MethodPost)
	r.Handle("/jobs/{id}/result", read(http.HandlerFunc(s.handleJobResult))).Methods(http.MethodGet)
	r.Handle("/ws/jobs/{id}", read(http.HandlerFunc(s.handleJobSocket))).Methods(http.MethodGet)

	// Provider surface
	r.Handle("/llm-providers", read(http.HandlerFunc(s.handleListProviders))).Methods(http.MethodGet)
	r.Handle("/llm-providers/{id}", read(http.HandlerFunc(s.handleGetProvider))).Methods(http.MethodGet)
	r.Handle("/llm-providers/{id}/health-check", admin(http.HandlerFunc(s.handleProviderHealthCheck))).Methods(http.MethodPost)

	// Operations surface
	r.Handle("/cache/invalidate", admin(http.HandlerFunc(s.handleCacheInvalidate))).Methods(http.MethodPost)
	r.Handle("/rate-limit/blocked", admin(http.HandlerFunc(s.handleBlocked))).Methods(http.MethodGet)
	r.Handle("/alerts", admin(http.HandlerFunc(s.handleAlerts))).Methods(http.MethodGet)
	r.Handle("/alerts/{id}/acknowledge", admin(http.HandlerFunc(s.handleAlertAck))).Methods(http.MethodPost)
	r.Handle("/metrics/dashboard", read(http.HandlerFunc(s.handleDashboard))).Methods(http.MethodGet)

	// Unauthenticated surface
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return middleware.CORS(s.config.Server.AllowedOrigins)(r)
}

// rateLimited applies the KV tier limiter to admission-path handlers, keyed
// by the authenticated key id (or source IP when auth is off).
func (s *Server) rateLimited(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, tier := middleware.TierFor(r, string(ratelimit.TierBasic))
		res, err := s.limiter.Check(r.Context(), id, ratelimit.Tier(tier), 1)
		if err != nil {
			// Fail open: the limiter already logged the KV failure.
			next(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
				Error: errorBody{
					Code:    "rate_limited",
					Message: "request quota exceeded for this key",
				},
				RequestID: middleware.RequestIDFrom(r.Context()),
			})
			return
		}
		next(w, r)
	})
}
