package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"quiz-attempt-service/internal/deadline"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/grading"
	"quiz-attempt-service/internal/logger"
)

// AttemptStore is the durable source of truth for attempts (in-memory, Redis, Postgres).
type AttemptStore interface {
	Get(ctx context.Context, attemptID string) (domain.Attempt, error)
	// GetOpen returns the non-completed attempt for the pair or ErrAttemptNotFound.
	GetOpen(ctx context.Context, assessmentID, learnerID string) (domain.Attempt, error)
	// Create atomically assigns the next attempt number and inserts the attempt.
	// It fails with ErrAlreadyOpen or ErrAttemptLimitExceeded.
	Create(ctx context.Context, in domain.NewAttempt) (domain.Attempt, error)
	// WriteAnswers merges delta into the stored answers; ErrAlreadyCompleted once finalized.
	WriteAnswers(ctx context.Context, attemptID string, delta domain.Answers, files []domain.FileRef) (domain.Attempt, error)
	// Finalize performs the single conditional terminal write. build runs
	// against the record as stored inside the atomic section. When the attempt
	// was already finalized it returns the stored record with won=false.
	Finalize(ctx context.Context, attemptID string, build domain.FinalizeFunc) (attempt domain.Attempt, won bool, err error)
	ListOpen(ctx context.Context) ([]domain.Attempt, error)
}

// AssessmentRepository loads assessment content (from cache/backing store).
type AssessmentRepository interface {
	GetAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error)
}

// EventPublisher fans attempt changes out to live sessions.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.AttemptEvent) error
}

// ServiceOption customizes an AttemptService.
type ServiceOption func(*AttemptService)

// WithClock is mostly for deterministic tests.
func WithClock(now deadline.Clock) ServiceOption {
	return func(s *AttemptService) { s.now = now }
}

func WithLogger(l *logger.Logger) ServiceOption {
	return func(s *AttemptService) { s.log = logger.OrNop(l) }
}

func WithEvents(p EventPublisher) ServiceOption {
	return func(s *AttemptService) { s.events = p }
}

func WithGrader(g *grading.Grader) ServiceOption {
	return func(s *AttemptService) { s.grader = g }
}

// WithLateWriteGrace bounds how long after the deadline a discovered delta is
// still scored by the forced submission.
func WithLateWriteGrace(d time.Duration) ServiceOption {
	return func(s *AttemptService) { s.lateGrace = d }
}

func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *AttemptService) { s.newID = fn }
}

// AttemptService is the authoritative attempt state machine:
// NotStarted -> InProgress -> Completed.
type AttemptService struct {
	store       AttemptStore
	assessments AssessmentRepository
	events      EventPublisher
	grader      *grading.Grader
	now         deadline.Clock
	lateGrace   time.Duration
	newID       func() string
	log         *logger.Logger
}

func NewAttemptService(store AttemptStore, assessments AssessmentRepository, opts ...ServiceOption) *AttemptService {
	s := &AttemptService{
		store:       store,
		assessments: assessments,
		grader:      grading.NewGrader(),
		now:         deadline.System,
		lateGrace:   time.Minute,
		newID:       uuid.NewString,
		log:         logger.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "AttemptService")
	return s
}

// StartResult is returned by Start.
type StartResult struct {
	Attempt   domain.Attempt
	Deadline  *time.Time
	Remaining *time.Duration
	Resumed   bool
}

// Progress is an answer delta sent by the presenter or the autosave scheduler.
type Progress struct {
	Answers   domain.Answers
	Files     []domain.FileRef
	ClientNow *time.Time // diagnostics only
}

// SaveResult is returned by SaveProgress.
type SaveResult struct {
	Accepted  bool
	Remaining *time.Duration
	Deadline  *time.Time
}

// Submission is the payload of a manual or automatic submit.
type Submission struct {
	Answers domain.Answers
	Files   []domain.FileRef
	Reason  domain.SubmitReason
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Result           domain.Result
	AlreadyFinalized bool
}

// Start opens a new attempt, or resumes the learner's open one.
func (s *AttemptService) Start(ctx context.Context, assessmentID, learnerID string) (StartResult, error) {
	asm, err := s.assessments.GetAssessment(ctx, assessmentID)
	if err != nil {
		return StartResult{}, err
	}
	now := s.now()
	if !available(asm.Settings, now) {
		return StartResult{}, domain.ErrOutsideAvailabilityWindow
	}
	if asm.IsAssignment() && now.After(asm.Assignment.ClosesAt()) {
		return StartResult{}, domain.ErrSubmissionWindowClosed
	}

	// A lost Create race loops back to resume the winner.
	for i := 0; i < 3; i++ {
		open, err := s.store.GetOpen(ctx, assessmentID, learnerID)
		switch {
		case err == nil:
			if !s.expired(asm, open, now) {
				s.log.Info("attempt resumed", "attempt_id", open.ID, "assessment_id", assessmentID)
				return StartResult{
					Attempt:   open,
					Deadline:  s.deadlineFor(asm, open),
					Remaining: s.remaining(asm, open, now),
					Resumed:   true,
				}, nil
			}
			if _, err := s.finalize(ctx, asm, open.ID, nil, nil, domain.ReasonAutoTimeout, now); err != nil {
				return StartResult{}, err
			}
		case !errors.Is(err, domain.ErrAttemptNotFound):
			return StartResult{}, err
		}

		created, err := s.store.Create(ctx, domain.NewAttempt{
			ID:           s.newID(),
			AssessmentID: assessmentID,
			LearnerID:    learnerID,
			AttemptLimit: asm.Settings.MaxAttempts(),
			StartedAt:    now,
		})
		if err == nil {
			s.log.Info("attempt started",
				"attempt_id", created.ID,
				"assessment_id", assessmentID,
				"attempt_number", created.AttemptNumber)
			return StartResult{
				Attempt:   created,
				Deadline:  s.deadlineFor(asm, created),
				Remaining: s.remaining(asm, created, now),
			}, nil
		}
		if !errors.Is(err, domain.ErrAlreadyOpen) {
			return StartResult{}, err
		}
	}
	return StartResult{}, domain.ErrConcurrentUpdate
}

// SaveProgress merges an answer delta into an open attempt. A save that finds
// the deadline elapsed finalizes the attempt with the delta and returns a
// *domain.DeadlineElapsedError carrying the final result.
func (s *AttemptService) SaveProgress(ctx context.Context, attemptID string, p Progress) (SaveResult, error) {
	a, err := s.store.Get(ctx, attemptID)
	if err != nil {
		return SaveResult{}, err
	}
	if a.Completed() {
		return SaveResult{}, domain.ErrAlreadyCompleted
	}
	asm, err := s.assessments.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return SaveResult{}, err
	}

	now := s.now()
	if p.ClientNow != nil {
		s.log.Debug("client clock skew", "attempt_id", attemptID, "skew_ms", p.ClientNow.Sub(now).Milliseconds())
	}

	if s.expired(asm, a, now) {
		delta, files := p.Answers, p.Files
		if !s.withinGrace(asm, a, now) {
			if len(delta) > 0 {
				s.log.Warn("late delta dropped", "attempt_id", attemptID, "keys", len(delta))
			}
			delta, files = nil, nil
		}
		res, err := s.finalize(ctx, asm, attemptID, delta, files, domain.ReasonAutoTimeout, now)
		if err != nil {
			return SaveResult{}, err
		}
		zero := time.Duration(0)
		return SaveResult{Remaining: &zero, Deadline: s.deadlineFor(asm, a)}, &domain.DeadlineElapsedError{Result: res.Result}
	}

	updated, err := s.store.WriteAnswers(ctx, attemptID, p.Answers, p.Files)
	if err != nil {
		return SaveResult{}, err
	}
	s.log.Debug("progress saved", "attempt_id", attemptID, "keys", len(p.Answers))
	s.publish(ctx, domain.AttemptEvent{Type: domain.EventSaved, AttemptID: attemptID, At: now})
	return SaveResult{
		Accepted:  true,
		Remaining: s.remaining(asm, updated, now),
		Deadline:  s.deadlineFor(asm, updated),
	}, nil
}

// Submit finalizes an attempt. Repeated submits return the first result.
func (s *AttemptService) Submit(ctx context.Context, attemptID string, sub Submission) (SubmitResult, error) {
	reason := sub.Reason
	if reason == "" {
		reason = domain.ReasonManual
	}
	if !reason.Valid() {
		return SubmitResult{}, domain.ErrInvalidAnswer
	}

	a, err := s.store.Get(ctx, attemptID)
	if err != nil {
		return SubmitResult{}, err
	}
	asm, err := s.assessments.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return SubmitResult{}, err
	}

	now := s.now()
	windowClosed := asm.IsAssignment() && reason == domain.ReasonManual && s.expired(asm, a, now)
	if res, done := a.Result(); done {
		// a retried late manual submit must see the same rejection as the first try
		if windowClosed && res.Reason == domain.ReasonAutoTimeout {
			return SubmitResult{}, domain.ErrSubmissionWindowClosed
		}
		return SubmitResult{Result: res, AlreadyFinalized: true}, nil
	}

	delta, files := sub.Answers, sub.Files
	if s.expired(asm, a, now) {
		if windowClosed {
			// Close the attempt on stored work only, then reject the late payload.
			if _, err := s.finalize(ctx, asm, attemptID, nil, nil, domain.ReasonAutoTimeout, now); err != nil {
				return SubmitResult{}, err
			}
			return SubmitResult{}, domain.ErrSubmissionWindowClosed
		}
		if !s.withinGrace(asm, a, now) {
			delta, files = nil, nil
		}
		reason = domain.ReasonAutoTimeout
	}
	return s.finalize(ctx, asm, attemptID, delta, files, reason, now)
}

// GetStatus reports the attempt's state, finalizing it first when its
// deadline has passed.
func (s *AttemptService) GetStatus(ctx context.Context, attemptID string) (domain.Status, error) {
	a, err := s.store.Get(ctx, attemptID)
	if err != nil {
		return domain.Status{}, err
	}
	asm, err := s.assessments.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return domain.Status{}, err
	}

	now := s.now()
	if !a.Completed() && s.expired(asm, a, now) {
		res, err := s.finalize(ctx, asm, attemptID, nil, nil, domain.ReasonAutoTimeout, now)
		if err != nil {
			return domain.Status{}, err
		}
		if a, err = s.store.Get(ctx, attemptID); err != nil {
			return domain.Status{}, err
		}
		s.log.Info("expired attempt finalized on read", "attempt_id", attemptID, "score", res.Result.Score)
	}

	st := domain.Status{
		AttemptID: a.ID,
		State:     a.State(),
		Deadline:  s.deadlineFor(asm, a),
		Answers:   a.Answers.Clone(),
		Files:     a.Files,
		Remaining: s.remaining(asm, a, now),
	}
	if res, done := a.Result(); done {
		st.Result = &res
		if asm.Settings.ShowCorrectAnswers && asm.Settings.AllowReview {
			st.CorrectAnswers = grading.CorrectAnswers(asm)
		}
	}
	return st, nil
}

// Expire finalizes a when its deadline has passed. a may be a stale listing:
// the answers graded are the ones stored at the moment of the terminal write.
// It reports whether this call performed the terminal write.
func (s *AttemptService) Expire(ctx context.Context, a domain.Attempt) (bool, error) {
	if a.Completed() {
		return false, nil
	}
	asm, err := s.assessments.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return false, err
	}
	now := s.now()
	if !s.expired(asm, a, now) {
		return false, nil
	}
	res, err := s.finalize(ctx, asm, a.ID, nil, nil, domain.ReasonAutoTimeout, now)
	if err != nil {
		return false, err
	}
	return !res.AlreadyFinalized, nil
}

// Authorize checks that learnerID owns the attempt.
func (s *AttemptService) Authorize(ctx context.Context, attemptID, learnerID string) error {
	a, err := s.store.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if learnerID == "" || a.LearnerID != learnerID {
		return domain.ErrForbidden
	}
	return nil
}

// OpenAttempts lists every non-completed attempt.
func (s *AttemptService) OpenAttempts(ctx context.Context) ([]domain.Attempt, error) {
	return s.store.ListOpen(ctx)
}

// finalize merges delta into whatever the store holds when the terminal write
// happens and grades that, so progress saved after the caller's read is kept.
func (s *AttemptService) finalize(ctx context.Context, asm domain.Assessment, attemptID string, delta domain.Answers, files []domain.FileRef, reason domain.SubmitReason, now time.Time) (SubmitResult, error) {
	done, won, err := s.store.Finalize(ctx, attemptID, func(current domain.Attempt) domain.Finalization {
		return s.grade(asm, current.Answers.Merge(delta), domain.MergeFiles(current.Files, files), reason, now)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	res, _ := done.Result()
	if !won {
		s.log.Debug("finalize race lost", "attempt_id", attemptID, "reason", reason)
		return SubmitResult{Result: res, AlreadyFinalized: true}, nil
	}

	s.log.Info("attempt finalized",
		"attempt_id", attemptID,
		"reason", reason,
		"score", res.Score,
		"max_score", res.MaxScore,
		"passed", res.Passed,
		"late", res.LateApplied)
	s.publish(ctx, domain.AttemptEvent{Type: domain.EventCompleted, AttemptID: attemptID, Result: &res, At: now})
	return SubmitResult{Result: res}, nil
}

func (s *AttemptService) grade(asm domain.Assessment, answers domain.Answers, files []domain.FileRef, reason domain.SubmitReason, now time.Time) domain.Finalization {
	outcome := s.grader.Score(asm, answers)
	score := outcome.Score
	late := false
	if asm.IsAssignment() {
		as := asm.Assignment
		if deadline.Classify(as.DueDate, as.ClosesAt(), now) != deadline.OnTime {
			score = grading.ApplyLatePenalty(score, as.LateSubmissionPenalty)
			late = true
		}
	}
	return domain.Finalization{
		Answers:     answers,
		Files:       files,
		Score:       score,
		MaxScore:    outcome.MaxScore,
		Passed:      grading.Passed(score, outcome.MaxScore, asm.Settings.PassingScore),
		CompletedAt: now,
		Reason:      reason,
		LateApplied: late,
		NeedsManual: outcome.NeedsManual,
	}
}

func (s *AttemptService) publish(ctx context.Context, ev domain.AttemptEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish attempt event failed", "attempt_id", ev.AttemptID, "type", ev.Type, "error", err)
	}
}

// deadlineFor derives the closing instant: startedAt+timeLimit for quizzes,
// the late deadline (or due date) for assignments. Nil means unlimited.
func (s *AttemptService) deadlineFor(asm domain.Assessment, a domain.Attempt) *time.Time {
	if asm.IsAssignment() {
		end := asm.Assignment.ClosesAt()
		return &end
	}
	end, ok := deadline.Deadline(a.StartedAt, asm.Settings.TimeLimit())
	if !ok {
		return nil
	}
	return &end
}

func (s *AttemptService) remaining(asm domain.Assessment, a domain.Attempt, now time.Time) *time.Duration {
	if asm.IsAssignment() {
		left := deadline.Until(asm.Assignment.ClosesAt(), now)
		if a.Completed() {
			left = 0
		}
		return &left
	}
	left, ok := deadline.Remaining(a.StartedAt, asm.Settings.TimeLimit(), now)
	if !ok {
		return nil
	}
	if a.Completed() {
		left = 0
	}
	return &left
}

func (s *AttemptService) expired(asm domain.Assessment, a domain.Attempt, now time.Time) bool {
	if asm.IsAssignment() {
		as := asm.Assignment
		return deadline.Classify(as.DueDate, as.ClosesAt(), now) == deadline.Closed
	}
	return deadline.IsExpired(a.StartedAt, asm.Settings.TimeLimit(), now)
}

func (s *AttemptService) withinGrace(asm domain.Assessment, a domain.Attempt, now time.Time) bool {
	end := s.deadlineFor(asm, a)
	if end == nil {
		return true
	}
	return now.Sub(*end) <= s.lateGrace
}

func available(st domain.Settings, now time.Time) bool {
	if st.AvailableFrom != nil && now.Before(*st.AvailableFrom) {
		return false
	}
	if st.AvailableUntil != nil && now.After(*st.AvailableUntil) {
		return false
	}
	return true
}
