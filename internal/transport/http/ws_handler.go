package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/autosave"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/logger"
)

// LiveHandler runs a websocket session for one open attempt: it pushes the
// server-computed countdown, buffers answer edits in an autosave scheduler and
// pushes the final result however the attempt was closed.
type LiveHandler struct {
	service          *app.AttemptService
	feed             *app.Feed
	upgrader         websocket.Upgrader
	autosaveInterval time.Duration
	tickInterval     time.Duration
	log              *logger.Logger
}

func NewLiveHandler(service *app.AttemptService, feed *app.Feed, autosaveInterval, tickInterval time.Duration, log *logger.Logger) *LiveHandler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &LiveHandler{
		service: service,
		feed:    feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		autosaveInterval: autosaveInterval,
		tickInterval:     tickInterval,
		log:              logger.OrNop(log).With("component", "LiveHandler"),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID string `json:"questionId"`
	Value      any    `json:"value"`
}

type filePayload struct {
	File domain.FileRef `json:"file"`
}

type submitPayload struct {
	Reason domain.SubmitReason `json:"reason"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`

	final bool
}

type tickPayload struct {
	RemainingMs *int64     `json:"remainingMs"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

type savedPayload struct {
	RemainingMs *int64 `json:"remainingMs"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// session owns the outbound queue of one connection.
type session struct {
	send     chan outboundMessage
	closing  chan struct{}
	complete sync.Once
}

func (s *session) emit(typ string, payload any) {
	select {
	case s.send <- outboundMessage{Type: typ, Payload: payload}:
	case <-s.closing:
	}
}

// finish pushes the result once and asks the writer to close the connection.
func (s *session) finish(res domain.Result) {
	s.complete.Do(func() {
		select {
		case s.send <- outboundMessage{Type: "completed", Payload: submitResponse{Result: res}, final: true}:
		case <-s.closing:
		}
	})
}

func (s *session) fail(err error) {
	s.emit("error", errorPayload{Kind: domain.KindOf(err), Message: err.Error()})
}

// ServeWS handles GET /v1/attempts/{attemptID}/live.
func (h *LiveHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	if err := h.service.Authorize(r.Context(), attemptID, learnerFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	st, err := h.service.GetStatus(r.Context(), attemptID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "attempt_id", attemptID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &session{send: make(chan outboundMessage, 16), closing: make(chan struct{})}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range s.send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write error", "attempt_id", attemptID, "error", err)
				return
			}
			if msg.final {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "attempt completed"),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			}
		}
	}()

	s.emit("status", statusResponse{Status: st, RemainingMs: millis(st.Remaining)})
	if st.Result != nil {
		s.finish(*st.Result)
	}

	events, unsubscribe := h.feed.Subscribe(attemptID)
	defer unsubscribe()

	sched := autosave.New(h.service, attemptID,
		autosave.WithInterval(h.autosaveInterval),
		autosave.WithLogger(h.log),
		autosave.WithStatus(func(as autosave.Status) {
			switch as.State {
			case autosave.StateSaved:
				s.emit("saved", savedPayload{RemainingMs: millis(as.Remaining)})
			case autosave.StateRetrying:
				s.emit("saveFailed", errorPayload{Kind: domain.KindOf(as.Err), Message: "progress not saved yet, retrying"})
			case autosave.StateStopped:
				var elapsed *domain.DeadlineElapsedError
				if errors.As(as.Err, &elapsed) {
					s.finish(elapsed.Result)
				}
			}
		}))
	sched.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.relayEvents(ctx, s, events)
	}()
	go func() {
		defer wg.Done()
		h.tick(ctx, s, attemptID)
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.handleInbound(ctx, s, sched, attemptID, inbound)
	}

	cancel()
	close(s.closing)
	sched.Stop()

	// a dropped connection must not lose buffered edits
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := sched.Flush(flushCtx); err != nil && !domain.Terminal(err) {
		h.log.Warn("final flush failed", "attempt_id", attemptID, "error", err)
	}
	flushCancel()

	wg.Wait()
	close(s.send)
	<-writerDone
}

func (h *LiveHandler) handleInbound(ctx context.Context, s *session, sched *autosave.Scheduler, attemptID string, inbound inboundMessage) {
	switch inbound.Type {
	case "answer":
		var p answerPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil || p.QuestionID == "" {
			s.fail(domain.ErrInvalidAnswer)
			return
		}
		if !sched.Record(p.QuestionID, p.Value) {
			s.fail(domain.ErrAlreadyCompleted)
		}
	case "file":
		var p filePayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil || p.File.Filename == "" {
			s.fail(domain.ErrInvalidAnswer)
			return
		}
		if !sched.AttachFile(p.File) {
			s.fail(domain.ErrAlreadyCompleted)
		}
	case "flush":
		_ = sched.Flush(ctx)
	case "submit":
		var p submitPayload
		if len(inbound.Payload) > 0 {
			if err := json.Unmarshal(inbound.Payload, &p); err != nil {
				s.fail(domain.ErrInvalidAnswer)
				return
			}
		}
		if err := sched.Flush(ctx); err != nil && !domain.Terminal(err) {
			s.fail(err)
			return
		}
		res, err := h.service.Submit(ctx, attemptID, app.Submission{Answers: sched.Pending(), Reason: p.Reason})
		if err != nil {
			s.fail(err)
			return
		}
		s.finish(res.Result)
	default:
		s.emit("error", errorPayload{Kind: domain.KindInvalidRequest, Message: "unsupported message type"})
	}
}

func (h *LiveHandler) relayEvents(ctx context.Context, s *session, events <-chan domain.AttemptEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == domain.EventCompleted && ev.Result != nil {
				s.finish(*ev.Result)
			}
		}
	}
}

// tick pushes the server-computed remaining time. Reading the status also
// finalizes the attempt once its deadline passes.
func (h *LiveHandler) tick(ctx context.Context, s *session, attemptID string) {
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			st, err := h.service.GetStatus(ctx, attemptID)
			if err != nil {
				if ctx.Err() == nil {
					h.log.Warn("status tick failed", "attempt_id", attemptID, "error", err)
				}
				continue
			}
			if st.Result != nil {
				s.finish(*st.Result)
				return
			}
			s.emit("tick", tickPayload{RemainingMs: millis(st.Remaining), Deadline: st.Deadline})
		}
	}
}
