package autosave

import (
	"context"
	"sync"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/logger"
)

// Saver persists an answer delta. *app.AttemptService satisfies it.
type Saver interface {
	SaveProgress(ctx context.Context, attemptID string, p app.Progress) (app.SaveResult, error)
}

// State is reported after every flush that had something to send.
type State string

const (
	StateSaved    State = "saved"
	StateRetrying State = "retrying"
	StateStopped  State = "stopped"
)

// Status describes the outcome of a flush.
type Status struct {
	State     State
	Remaining *time.Duration
	Err       error
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStatus registers a callback invoked after each flush. It must not block.
func WithStatus(fn func(Status)) Option {
	return func(s *Scheduler) { s.onStatus = fn }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.log = logger.OrNop(l) }
}

// Scheduler buffers local edits for one attempt and flushes them on a fixed
// cadence. A delta is cleared only after the save that carried it succeeded;
// a key edited again while that save was in flight stays pending.
type Scheduler struct {
	saver     Saver
	attemptID string
	interval  time.Duration
	onStatus  func(Status)
	log       *logger.Logger

	mu       sync.Mutex
	pending  domain.Answers
	versions map[string]uint64
	files    []domain.FileRef
	seq      uint64
	stopped  bool

	flushMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(saver Saver, attemptID string, opts ...Option) *Scheduler {
	s := &Scheduler{
		saver:     saver,
		attemptID: attemptID,
		interval:  30 * time.Second,
		log:       logger.Nop(),
		pending:   domain.Answers{},
		versions:  make(map[string]uint64),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "Autosave", "attempt_id", attemptID)
	return s
}

// Record buffers an answer edit. It reports false once the scheduler stopped.
func (s *Scheduler) Record(questionID string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.seq++
	s.pending[questionID] = value
	s.versions[questionID] = s.seq
	return true
}

// AttachFile buffers a file reference for the next flush.
func (s *Scheduler) AttachFile(ref domain.FileRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.files = append(s.files, ref)
	return true
}

// Pending returns a copy of the unsaved answers.
func (s *Scheduler) Pending() domain.Answers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Clone()
}

func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Flush sends the buffered delta now. A rejection meaning the attempt is
// closed stops the scheduler; any other error keeps the delta for a retry.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if len(s.pending) == 0 && len(s.files) == 0 {
		s.mu.Unlock()
		return nil
	}
	delta := s.pending.Clone()
	sent := make(map[string]uint64, len(s.versions))
	for k, v := range s.versions {
		sent[k] = v
	}
	files := append([]domain.FileRef(nil), s.files...)
	s.mu.Unlock()

	res, err := s.saver.SaveProgress(ctx, s.attemptID, app.Progress{Answers: delta, Files: files})
	if err != nil {
		if domain.Terminal(err) {
			s.halt()
			s.log.Info("autosave stopped", "reason", domain.KindOf(err))
			s.report(Status{State: StateStopped, Err: err})
			return err
		}
		s.log.Warn("autosave failed, retrying next tick", "keys", len(delta), "error", err)
		s.report(Status{State: StateRetrying, Err: err})
		return err
	}

	s.mu.Lock()
	for k, v := range sent {
		if s.versions[k] == v {
			delete(s.pending, k)
			delete(s.versions, k)
		}
	}
	s.files = s.files[len(files):]
	s.mu.Unlock()

	s.report(Status{State: StateSaved, Remaining: res.Remaining})
	return nil
}

// Start runs the ticker loop in the background until Stop, ctx cancellation
// or a terminal rejection.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Flush(ctx)
			if s.Stopped() {
				return
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit. Buffered edits are kept;
// callers that need them persisted call Flush first.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// Done is closed when the background loop exits.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) halt() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Scheduler) report(st Status) {
	if s.onStatus != nil {
		s.onStatus(st)
	}
}
