package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quiz-attempt-service/internal/domain"
)

// AssessmentLoader fetches assessment content from a backing store (Postgres, YAML file).
type AssessmentLoader interface {
	LoadAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error)
}

// AssessmentRepository caches whole assessments in Redis and falls back to a
// loader on miss. Stored as: SET assessment:{id} <json> EX ttl.
type AssessmentRepository struct {
	client *redis.Client
	loader AssessmentLoader
	ttl    time.Duration
	sf     singleflight.Group
	rndMu  sync.Mutex
	rnd    *rand.Rand
}

func NewAssessmentRepository(client *redis.Client, loader AssessmentLoader, ttl time.Duration) *AssessmentRepository {
	return &AssessmentRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *AssessmentRepository) GetAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error) {
	if a, ok := r.cached(ctx, assessmentID); ok {
		return a, nil
	}

	result, err, _ := r.sf.Do(assessmentID, func() (interface{}, error) {
		// Re-check cache in case another caller filled it.
		if a, ok := r.cached(ctx, assessmentID); ok {
			return a, nil
		}

		a, err := r.loader.LoadAssessment(ctx, assessmentID)
		if err != nil {
			return domain.Assessment{}, err
		}
		if payload, err := json.Marshal(a); err == nil {
			// best effort: a failed fill only costs another load
			_ = r.client.Set(ctx, r.key(assessmentID), payload, r.ttlWithJitter()).Err()
		}
		return a, nil
	})
	if err != nil {
		return domain.Assessment{}, err
	}
	return result.(domain.Assessment), nil
}

// Invalidate drops the cached copy so the next read reloads it.
func (r *AssessmentRepository) Invalidate(ctx context.Context, assessmentID string) error {
	return r.client.Del(ctx, r.key(assessmentID)).Err()
}

func (r *AssessmentRepository) cached(ctx context.Context, assessmentID string) (domain.Assessment, bool) {
	raw, err := r.client.Get(ctx, r.key(assessmentID)).Bytes()
	if err != nil {
		return domain.Assessment{}, false
	}
	var a domain.Assessment
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Assessment{}, false
	}
	return a, true
}

func (r *AssessmentRepository) key(assessmentID string) string {
	return "assessment:" + assessmentID
}

func (r *AssessmentRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
