package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/binsight/binsight-ai/internal/jobs"
	"github.com/binsight/binsight-ai/internal/models"
)

// handleUpload accepts one binary as a multipart "file" part (or a raw body)
// and returns its upload:// reference.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var src = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			s.writeErr(w, r, models.ValidationError("file", "multipart part \"file\" is required"))
			return
		}
		defer file.Close()
		src = file
	}

	info, err := s.uploads.Save(src)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type jobCreatedResponse struct {
	JobID               string           `json:"job_id"`
	Status              models.JobStatus `json:"status"`
	PositionInQueue     int              `json:"position_in_queue"`
	EstimatedCompletion *time.Time       `json:"estimated_completion,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobCreationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	// Reject obvious non-binaries before the job consumes a queue slot.
	if req.FileReference != "" {
		if _, err := s.uploads.Sniff(req.FileReference); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}

	job, position, err := s.engine.Create(r.Context(), &req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	_ = s.trail.LogJobSubmitted(r.Context(), job.ID, job.Filename)

	writeJSON(w, http.StatusOK, jobCreatedResponse{
		JobID:               job.ID,
		Status:              job.Status,
		PositionInQueue:     position,
		EstimatedCompletion: job.EstimatedDone,
	})
}

type jobListResponse struct {
	Jobs   []*models.Job `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := jobs.ListQuery{
		Status:   models.JobStatus(r.URL.Query().Get("status")),
		Priority: models.JobPriority(r.URL.Query().Get("priority")),
		SortDesc: r.URL.Query().Get("sort") != "asc",
	}
	if q.Status != "" && !q.Status.IsValid() {
		s.writeErr(w, r, models.ValidationError("status", "unknown job status"))
		return
	}
	if q.Priority != "" && !q.Priority.IsValid() {
		s.writeErr(w, r, models.ValidationError("priority", "unknown job priority"))
		return
	}

	q.Limit = queryInt(r, "limit", 50)
	q.Offset = queryInt(r, "offset", 0)
	if q.Limit < 1 || q.Limit > 500 {
		s.writeErr(w, r, models.ValidationError("limit", "limit must be between 1 and 500"))
		return
	}
	if q.Offset < 0 {
		s.writeErr(w, r, models.ValidationError("offset", "offset cannot be negative"))
		return
	}

	list, total, err := s.engine.List(r.Context(), q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: list, Total: total, Limit: q.Limit, Offset: q.Offset})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Delete(r.Context(), id); err != nil {
		if models.KindOf(err) == models.KindConflict {
			s.writeErr(w, r, models.NewError(models.KindConflict, "job is still active; cancel it first"))
			return
		}
		s.writeErr(w, r, err)
		return
	}
	_ = s.trail.LogJobDeleted(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.JobActionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	resp, err := s.engine.Do(r.Context(), id, &req)
	_ = s.trail.LogJobAction(r.Context(), id, string(req.Action), req.Reason, err == nil)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobResult streams the stored result document. Non-completed jobs get
// a conflict carrying the current status so callers can poll.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, data, err := s.engine.Result(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if job != nil && models.KindOf(err) == models.KindConflict {
			s.writeErr(w, r, models.NewError(models.KindConflict,
				"job is not completed (status: "+string(job.Status)+")"))
			return
		}
		s.writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
