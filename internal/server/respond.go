package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/middleware"
	"github.com/binsight/binsight-ai/internal/models"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps an error to the HTTP surface. Internal causes never reach the
// client; they are logged with the request id instead.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)

	if retry := models.RetryAfterOf(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
	}

	body := errorBody{Code: string(kind), Message: "internal error"}
	var appErr *models.Error
	if errors.As(err, &appErr) && status < http.StatusInternalServerError {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	writeJSON(w, status, errorEnvelope{
		Error:     body,
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindAuthentication:
		return http.StatusUnauthorized
	case models.KindAuthorization:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindUnprocessable, models.KindContentFiltered:
		return http.StatusUnprocessableEntity
	case models.KindRateLimited, models.KindProviderRateLimit:
		return http.StatusTooManyRequests
	case models.KindProviderTransient, models.KindKVUnavailable:
		return http.StatusServiceUnavailable
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst with unknown fields rejected.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return models.WrapError(models.KindValidation, "malformed request body", err)
	}
	return nil
}
