package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"quiz-attempt-service/internal/domain"
)

const (
	openSetKey = "attempts:open"
	maxRetries = 8
)

// AttemptStore keeps attempts in Redis so several service instances can share
// them. Layout:
//
//	attempt:{id}                              JSON-encoded domain.Attempt
//	attempt:open:{assessmentID}:{learnerID}   ID of the open attempt
//	attempt:count:{assessmentID}:{learnerID}  attempts created so far
//	attempts:open                             SET of open attempt IDs
//
// Every read-modify-write runs under WATCH so a conflicting writer aborts the
// transaction and the operation retries against fresh state.
type AttemptStore struct {
	client *redis.Client
}

func NewAttemptStore(client *redis.Client) *AttemptStore {
	return &AttemptStore{client: client}
}

func (s *AttemptStore) Get(ctx context.Context, attemptID string) (domain.Attempt, error) {
	return load(ctx, s.client, attemptID)
}

func (s *AttemptStore) GetOpen(ctx context.Context, assessmentID, learnerID string) (domain.Attempt, error) {
	id, err := s.client.Get(ctx, openKey(assessmentID, learnerID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	return load(ctx, s.client, id)
}

func (s *AttemptStore) Create(ctx context.Context, in domain.NewAttempt) (domain.Attempt, error) {
	open, count := openKey(in.AssessmentID, in.LearnerID), countKey(in.AssessmentID, in.LearnerID)

	var created domain.Attempt
	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, open).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrAlreadyOpen
		}
		used, err := tx.Get(ctx, count).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if used+1 > in.AttemptLimit {
			return domain.ErrAttemptLimitExceeded
		}

		a := domain.Attempt{
			ID:            in.ID,
			AssessmentID:  in.AssessmentID,
			LearnerID:     in.LearnerID,
			AttemptNumber: used + 1,
			StartedAt:     in.StartedAt,
			Answers:       domain.Answers{},
		}
		payload, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, attemptKey(a.ID), payload, 0)
			pipe.Set(ctx, open, a.ID, 0)
			pipe.Set(ctx, count, a.AttemptNumber, 0)
			pipe.SAdd(ctx, openSetKey, a.ID)
			return nil
		})
		if err == nil {
			created = a
		}
		return err
	}, open, count)
	return created, err
}

func (s *AttemptStore) WriteAnswers(ctx context.Context, attemptID string, delta domain.Answers, files []domain.FileRef) (domain.Attempt, error) {
	key := attemptKey(attemptID)

	var updated domain.Attempt
	err := s.watch(ctx, func(tx *redis.Tx) error {
		a, err := load(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if a.Completed() {
			return domain.ErrAlreadyCompleted
		}
		a.Answers = a.Answers.Merge(delta)
		a.Files = domain.MergeFiles(a.Files, files)
		payload, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			updated = a
		}
		return err
	}, key)
	return updated, err
}

// Finalize builds the terminal payload from the record read under WATCH, so
// a concurrent WriteAnswers aborts the transaction and the payload is rebuilt.
func (s *AttemptStore) Finalize(ctx context.Context, attemptID string, build domain.FinalizeFunc) (domain.Attempt, bool, error) {
	key := attemptKey(attemptID)

	var (
		final domain.Attempt
		won   bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		a, err := load(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if a.Completed() {
			final, won = a, false
			return nil
		}
		a = build(a).Apply(a)
		payload, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Del(ctx, openKey(a.AssessmentID, a.LearnerID))
			pipe.SRem(ctx, openSetKey, a.ID)
			return nil
		})
		if err == nil {
			final, won = a, true
		}
		return err
	}, key)
	return final, won, err
}

func (s *AttemptStore) ListOpen(ctx context.Context) ([]domain.Attempt, error) {
	ids, err := s.client.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = attemptKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Attempt, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a domain.Attempt
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		if !a.Completed() {
			out = append(out, a)
		}
	}
	return out, nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it.
func (s *AttemptStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return domain.ErrConcurrentUpdate
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, attemptID string) (domain.Attempt, error) {
	raw, err := c.Get(ctx, attemptKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	var a domain.Attempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Attempt{}, fmt.Errorf("decode attempt %s: %w", attemptID, err)
	}
	if a.Answers == nil {
		a.Answers = domain.Answers{}
	}
	return a, nil
}

func attemptKey(id string) string {
	return "attempt:" + id
}

func openKey(assessmentID, learnerID string) string {
	return "attempt:open:" + assessmentID + ":" + learnerID
}

func countKey(assessmentID, learnerID string) string {
	return "attempt:count:" + assessmentID + ":" + learnerID
}
