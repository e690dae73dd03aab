package http

import (
	"encoding/json"
	"net/http"
	"time"

	"quiz-attempt-service/internal/domain"
)

type errorBody struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindUnavailable {
		// store internals stay out of the response
		msg = "service temporarily unavailable"
	}
	writeJSON(w, statusFor(kind), errorBody{Success: false, Kind: kind, Message: msg})
}

func statusFor(kind string) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindAttemptLimitExceeded, domain.KindAlreadyOpen, domain.KindAlreadyCompleted:
		return http.StatusConflict
	case domain.KindDeadlineElapsed, domain.KindSubmissionWindowClosed:
		return http.StatusGone
	case domain.KindOutsideAvailabilityWindow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func millis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
