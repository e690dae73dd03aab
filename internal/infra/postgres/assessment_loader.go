package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-attempt-service/internal/domain"
)

// AssessmentLoader loads assessment JSONB from Postgres.
type AssessmentLoader struct {
	pool *pgxpool.Pool
}

func NewAssessmentLoader(pool *pgxpool.Pool) *AssessmentLoader {
	return &AssessmentLoader{pool: pool}
}

func (l *AssessmentLoader) LoadAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM assessments WHERE id=$1`, assessmentID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Assessment{}, domain.ErrAssessmentNotFound
	}
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("load assessment: %w", err)
	}
	var a domain.Assessment
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Assessment{}, fmt.Errorf("unmarshal assessment: %w", err)
	}
	return a, nil
}

// SaveAssessment upserts the assessment document.
func (l *AssessmentLoader) SaveAssessment(ctx context.Context, a domain.Assessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO assessments (id, data, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		a.ID, string(data))
	if err != nil {
		return fmt.Errorf("save assessment: %w", err)
	}
	return nil
}
