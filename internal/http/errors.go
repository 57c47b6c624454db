package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/ride-tracking/internal/apperr"
)

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation, apperr.KindConflict:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"status":"error","message":...}. Errors without
// a kind are logged and reported as a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("route", routeTemplate(r)),
			slog.String("request_id", requestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "Internal server error."})
		return
	}
	body := make(map[string]any, len(ae.Details)+3)
	for k, v := range ae.Details {
		body[k] = v
	}
	body["status"] = "error"
	body["message"] = ae.Message
	if ae.AttemptsRemaining != nil {
		body["attempts_remaining"] = *ae.AttemptsRemaining
	}
	writeJSON(w, statusFor(ae.Kind), body)
}
