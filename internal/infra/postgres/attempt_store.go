package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"quiz-attempt-service/internal/domain"
)

const uniqueViolation = "23505"

type attemptRow struct {
	bun.BaseModel `bun:"table:attempts,alias:a"`

	ID            string           `bun:"id,pk"`
	AssessmentID  string           `bun:"assessment_id,notnull"`
	LearnerID     string           `bun:"learner_id,notnull"`
	AttemptNumber int              `bun:"attempt_number,notnull"`
	StartedAt     time.Time        `bun:"started_at,notnull"`
	CompletedAt   *time.Time       `bun:"completed_at"`
	Answers       domain.Answers   `bun:"answers,type:jsonb,notnull"`
	Files         []domain.FileRef `bun:"files,type:jsonb"`
	Score         *float64         `bun:"score"`
	MaxScore      float64          `bun:"max_score,notnull"`
	Passed        *bool            `bun:"passed"`
	Reason        string           `bun:"reason,nullzero"`
	LateApplied   bool             `bun:"late_applied,notnull"`
	NeedsManual   bool             `bun:"needs_manual,notnull"`
}

func (r attemptRow) toDomain() domain.Attempt {
	answers := r.Answers
	if answers == nil {
		answers = domain.Answers{}
	}
	return domain.Attempt{
		ID:            r.ID,
		AssessmentID:  r.AssessmentID,
		LearnerID:     r.LearnerID,
		AttemptNumber: r.AttemptNumber,
		StartedAt:     r.StartedAt.UTC(),
		CompletedAt:   utcPtr(r.CompletedAt),
		Answers:       answers,
		Files:         r.Files,
		Score:         r.Score,
		MaxScore:      r.MaxScore,
		Passed:        r.Passed,
		Reason:        domain.SubmitReason(r.Reason),
		LateApplied:   r.LateApplied,
		NeedsManual:   r.NeedsManual,
	}
}

func rowFromDomain(a domain.Attempt) *attemptRow {
	return &attemptRow{
		ID:            a.ID,
		AssessmentID:  a.AssessmentID,
		LearnerID:     a.LearnerID,
		AttemptNumber: a.AttemptNumber,
		StartedAt:     a.StartedAt,
		CompletedAt:   a.CompletedAt,
		Answers:       a.Answers,
		Files:         a.Files,
		Score:         a.Score,
		MaxScore:      a.MaxScore,
		Passed:        a.Passed,
		Reason:        string(a.Reason),
		LateApplied:   a.LateApplied,
		NeedsManual:   a.NeedsManual,
	}
}

// AttemptStore persists attempts in Postgres through bun. Check-and-create is
// serialized per (assessment, learner) with a transaction-scoped advisory lock;
// writes to an existing attempt take a row lock.
type AttemptStore struct {
	db *bun.DB
}

func NewAttemptStore(db *bun.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

func (s *AttemptStore) Get(ctx context.Context, attemptID string) (domain.Attempt, error) {
	row := new(attemptRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", attemptID).Scan(ctx)
	if err != nil {
		return domain.Attempt{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *AttemptStore) GetOpen(ctx context.Context, assessmentID, learnerID string) (domain.Attempt, error) {
	row := new(attemptRow)
	err := s.db.NewSelect().Model(row).
		Where("assessment_id = ?", assessmentID).
		Where("learner_id = ?", learnerID).
		Where("completed_at IS NULL").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Attempt{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *AttemptStore) Create(ctx context.Context, in domain.NewAttempt) (domain.Attempt, error) {
	var created *attemptRow
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", in.AssessmentID+"/"+in.LearnerID); err != nil {
			return err
		}

		open, err := tx.NewSelect().Model((*attemptRow)(nil)).
			Where("assessment_id = ?", in.AssessmentID).
			Where("learner_id = ?", in.LearnerID).
			Where("completed_at IS NULL").
			Exists(ctx)
		if err != nil {
			return err
		}
		if open {
			return domain.ErrAlreadyOpen
		}

		used, err := tx.NewSelect().Model((*attemptRow)(nil)).
			Where("assessment_id = ?", in.AssessmentID).
			Where("learner_id = ?", in.LearnerID).
			Count(ctx)
		if err != nil {
			return err
		}
		if used+1 > in.AttemptLimit {
			return domain.ErrAttemptLimitExceeded
		}

		row := &attemptRow{
			ID:            in.ID,
			AssessmentID:  in.AssessmentID,
			LearnerID:     in.LearnerID,
			AttemptNumber: used + 1,
			StartedAt:     in.StartedAt,
			Answers:       domain.Answers{},
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return err
		}
		created = row
		return nil
	})
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.Field('C') == uniqueViolation {
			return domain.Attempt{}, domain.ErrAlreadyOpen
		}
		return domain.Attempt{}, err
	}
	return created.toDomain(), nil
}

func (s *AttemptStore) WriteAnswers(ctx context.Context, attemptID string, delta domain.Answers, files []domain.FileRef) (domain.Attempt, error) {
	var updated domain.Attempt
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row, err := lockRow(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if row.CompletedAt != nil {
			return domain.ErrAlreadyCompleted
		}
		row.Answers = row.Answers.Merge(delta)
		row.Files = domain.MergeFiles(row.Files, files)
		if _, err := tx.NewUpdate().Model(row).Column("answers", "files").WherePK().Exec(ctx); err != nil {
			return err
		}
		updated = row.toDomain()
		return nil
	})
	return updated, err
}

// Finalize builds the terminal payload from the row while holding its lock.
func (s *AttemptStore) Finalize(ctx context.Context, attemptID string, build domain.FinalizeFunc) (domain.Attempt, bool, error) {
	var (
		final domain.Attempt
		won   bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row, err := lockRow(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if row.CompletedAt != nil {
			final = row.toDomain()
			return nil
		}
		current := row.toDomain()
		next := rowFromDomain(build(current).Apply(current))
		_, err = tx.NewUpdate().Model(next).
			Column("completed_at", "answers", "files", "score", "max_score", "passed", "reason", "late_applied", "needs_manual").
			WherePK().
			Where("completed_at IS NULL").
			Exec(ctx)
		if err != nil {
			return err
		}
		final, won = next.toDomain(), true
		return nil
	})
	return final, won, err
}

func (s *AttemptStore) ListOpen(ctx context.Context) ([]domain.Attempt, error) {
	var rows []attemptRow
	err := s.db.NewSelect().Model(&rows).
		Where("completed_at IS NULL").
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Attempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func lockRow(ctx context.Context, tx bun.Tx, attemptID string) (*attemptRow, error) {
	row := new(attemptRow)
	err := tx.NewSelect().Model(row).Where("id = ?", attemptID).For("UPDATE").Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return row, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAttemptNotFound
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
