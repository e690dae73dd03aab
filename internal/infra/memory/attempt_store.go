package memory

import (
	"context"
	"sync"

	"quiz-attempt-service/internal/domain"
)

type pairKey struct {
	assessmentID string
	learnerID    string
}

// AttemptStore is an in-memory implementation of app.AttemptStore. A single
// mutex makes check-and-create and finalize atomic.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]domain.Attempt
	open     map[pairKey]string
	counts   map[pairKey]int
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string]domain.Attempt),
		open:     make(map[pairKey]string),
		counts:   make(map[pairKey]int),
	}
}

func (s *AttemptStore) Get(_ context.Context, attemptID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return clone(a), nil
}

func (s *AttemptStore) GetOpen(_ context.Context, assessmentID, learnerID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[pairKey{assessmentID, learnerID}]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return clone(s.attempts[id]), nil
}

func (s *AttemptStore) Create(_ context.Context, in domain.NewAttempt) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{in.AssessmentID, in.LearnerID}
	if _, ok := s.open[key]; ok {
		return domain.Attempt{}, domain.ErrAlreadyOpen
	}
	next := s.counts[key] + 1
	if next > in.AttemptLimit {
		return domain.Attempt{}, domain.ErrAttemptLimitExceeded
	}

	a := domain.Attempt{
		ID:            in.ID,
		AssessmentID:  in.AssessmentID,
		LearnerID:     in.LearnerID,
		AttemptNumber: next,
		StartedAt:     in.StartedAt,
		Answers:       domain.Answers{},
	}
	s.attempts[a.ID] = a
	s.open[key] = a.ID
	s.counts[key] = next
	return clone(a), nil
}

func (s *AttemptStore) WriteAnswers(_ context.Context, attemptID string, delta domain.Answers, files []domain.FileRef) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if a.Completed() {
		return domain.Attempt{}, domain.ErrAlreadyCompleted
	}
	a.Answers = a.Answers.Merge(delta)
	a.Files = domain.MergeFiles(a.Files, files)
	s.attempts[attemptID] = a
	return clone(a), nil
}

func (s *AttemptStore) Finalize(_ context.Context, attemptID string, build domain.FinalizeFunc) (domain.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, false, domain.ErrAttemptNotFound
	}
	if a.Completed() {
		return clone(a), false, nil
	}
	a = build(clone(a)).Apply(a)
	s.attempts[attemptID] = a
	delete(s.open, pairKey{a.AssessmentID, a.LearnerID})
	return clone(a), true, nil
}

func (s *AttemptStore) ListOpen(_ context.Context) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Attempt, 0, len(s.open))
	for _, id := range s.open {
		out = append(out, clone(s.attempts[id]))
	}
	return out, nil
}

func clone(a domain.Attempt) domain.Attempt {
	a.Answers = a.Answers.Clone()
	if a.Files != nil {
		a.Files = append([]domain.FileRef(nil), a.Files...)
	}
	return a
}
