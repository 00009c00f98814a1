package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/jobs"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleJobSocket upgrades to a websocket and streams progress events for one
// job until it reaches a terminal state or the client disconnects. The first
// frame is always a snapshot of the job's current state.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	// Subscribe before the snapshot so no event falls between them.
	events, cancel := s.engine.Subscribe(job.ID)
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	// Reader goroutine: its only job is to detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := jobs.ProgressEvent{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Step:     job.CurrentStep,
		Terminal: job.Status.IsTerminal(),
	}
	if job.ErrorMessage != nil {
		snapshot.Error = *job.ErrorMessage
	}
	if err := s.writeEvent(conn, snapshot); err != nil {
		return
	}
	if snapshot.Terminal {
		s.closeSocket(conn)
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.closeSocket(conn)
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Terminal {
				s.closeSocket(conn)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-s.ctx.Done():
			s.closeSocket(conn)
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev jobs.ProgressEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		s.log.Debug("websocket write failed", zap.String("job_id", ev.JobID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) closeSocket(conn *websocket.Conn) {
	deadline := time.Now().Add(wsWriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// checkWSOrigin applies the configured CORS origins to websocket upgrades.
// Browser clients send Origin; non-browser clients usually omit it.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
