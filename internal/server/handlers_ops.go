package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/binsight/binsight-ai/internal/auth"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
)

// handleHealth reports readiness. It is unauthenticated so orchestrators can
// probe it; it exposes component state but no configuration.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	kvOK := s.kv.Ping(r.Context()) == nil
	running := s.IsRunning()
	providers := len(s.factory.IDs())

	status := "ok"
	code := http.StatusOK
	if !running || !kvOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"engine_running": running,
		"kv_connected":   kvOK,
		"providers":      providers,
		"queue_depth":    s.engine.QueueDepth(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := metrics.Gather(prometheus.DefaultGatherer)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics.BuildDashboard(snap, time.Now().UTC()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	active := s.alerts.Active()
	if active == nil {
		active = []models.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": active, "total": len(active)})
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	by := "operator"
	if key := auth.KeyFromContext(r.Context()); key != nil {
		by = key.Name
	}
	if err := s.alerts.Acknowledge(mux.Vars(r)["id"], by); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	FileHash string `json:"file_hash,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// handleCacheInvalidate purges cached results by file hash or tag. Exactly
// one selector must be given.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if (req.FileHash == "") == (req.Tag == "") {
		s.writeErr(w, r, models.ValidationError("file_hash", "exactly one of file_hash or tag is required"))
		return
	}

	var removed int
	var err error
	var pattern string
	if req.FileHash != "" {
		pattern = "file:" + req.FileHash
		removed, err = s.cache.InvalidateByFile(r.Context(), req.FileHash)
	} else {
		pattern = "tag:" + req.Tag
		removed, err = s.cache.InvalidateByTag(r.Context(), req.Tag)
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	_ = s.trail.LogCacheInvalidated(r.Context(), pattern, removed)

	writeJSON(w, http.StatusOK, map[string]any{"invalidated": removed})
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.limiter.BlockedIdentifiers(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if blocked == nil {
		blocked = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": blocked, "total": len(blocked)})
}
