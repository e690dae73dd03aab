package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/logger"
)

// LearnerHeader carries the learner identity resolved by the upstream auth layer.
const LearnerHeader = "X-Learner-ID"

// AttemptHandler exposes the attempt state machine over REST.
type AttemptHandler struct {
	service *app.AttemptService
	log     *logger.Logger
}

func NewAttemptHandler(service *app.AttemptService, log *logger.Logger) *AttemptHandler {
	return &AttemptHandler{service: service, log: logger.OrNop(log).With("component", "AttemptHandler")}
}

type startRequest struct {
	AssessmentID string `json:"assessmentId"`
}

type startResponse struct {
	AttemptID     string     `json:"attemptId"`
	AttemptNumber int        `json:"attemptNumber"`
	StartedAt     time.Time  `json:"startedAt"`
	Deadline      *time.Time `json:"deadline"`
	RemainingMs   *int64     `json:"remainingMs"`
	Resumed       bool       `json:"resumed"`
}

type progressRequest struct {
	Answers   domain.Answers   `json:"answers"`
	Files     []domain.FileRef `json:"files"`
	ClientNow *time.Time       `json:"clientNow"`
}

type progressResponse struct {
	Accepted    bool           `json:"accepted"`
	RemainingMs *int64         `json:"remainingMs"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	TimeUp      bool           `json:"timeUp,omitempty"`
	Result      *domain.Result `json:"result,omitempty"`
}

type submitRequest struct {
	Answers domain.Answers      `json:"answers"`
	Files   []domain.FileRef    `json:"files"`
	Reason  domain.SubmitReason `json:"reason"`
}

type submitResponse struct {
	domain.Result
	AlreadyFinalized bool `json:"alreadyFinalized"`
}

type statusResponse struct {
	domain.Status
	RemainingMs *int64 `json:"remainingMs"`
}

// Start handles POST /v1/attempts.
func (h *AttemptHandler) Start(w http.ResponseWriter, r *http.Request) {
	learnerID := learnerFrom(r)
	var req startRequest
	if err := decode(r, &req); err != nil || req.AssessmentID == "" || learnerID == "" {
		writeError(w, domain.ErrInvalidAnswer)
		return
	}

	res, err := h.service.Start(r.Context(), req.AssessmentID, learnerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, startResponse{
		AttemptID:     res.Attempt.ID,
		AttemptNumber: res.Attempt.AttemptNumber,
		StartedAt:     res.Attempt.StartedAt,
		Deadline:      res.Deadline,
		RemainingMs:   millis(res.Remaining),
		Resumed:       res.Resumed,
	})
}

// SaveProgress handles PUT /v1/attempts/{attemptID}/progress.
func (h *AttemptHandler) SaveProgress(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decode(r, &req); err != nil {
		writeError(w, domain.ErrInvalidAnswer)
		return
	}

	res, err := h.service.SaveProgress(r.Context(), attemptID, app.Progress{
		Answers:   req.Answers,
		Files:     req.Files,
		ClientNow: req.ClientNow,
	})
	var elapsed *domain.DeadlineElapsedError
	if errors.As(err, &elapsed) {
		// time ran out: the attempt was finalized with this delta, report the result
		writeJSON(w, http.StatusOK, progressResponse{
			Accepted:    false,
			RemainingMs: millis(res.Remaining),
			Deadline:    res.Deadline,
			TimeUp:      true,
			Result:      &elapsed.Result,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Accepted:    res.Accepted,
		RemainingMs: millis(res.Remaining),
		Deadline:    res.Deadline,
	})
}

// Submit handles POST /v1/attempts/{attemptID}/submit.
func (h *AttemptHandler) Submit(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, domain.ErrInvalidAnswer)
		return
	}

	res, err := h.service.Submit(r.Context(), attemptID, app.Submission{
		Answers: req.Answers,
		Files:   req.Files,
		Reason:  req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Result: res.Result, AlreadyFinalized: res.AlreadyFinalized})
}

// Status handles GET /v1/attempts/{attemptID}.
func (h *AttemptHandler) Status(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	st, err := h.service.GetStatus(r.Context(), attemptID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: st, RemainingMs: millis(st.Remaining)})
}

func (h *AttemptHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	attemptID := chi.URLParam(r, "attemptID")
	if err := h.service.Authorize(r.Context(), attemptID, learnerFrom(r)); err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return attemptID, true
}

func (h *AttemptHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if domain.KindOf(err) == domain.KindUnavailable {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

// learnerFrom reads the learner from the header, falling back to the query
// string for browser websocket clients that cannot set headers.
func learnerFrom(r *http.Request) string {
	if id := r.Header.Get(LearnerHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("learnerId")
}

// decode accepts an empty body as the zero value.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
