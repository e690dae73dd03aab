package postgres

import (
	"testing"
	"time"

	"quiz-attempt-service/internal/domain"
)

func TestAttemptRowConversion(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, loc)
	completed := started.Add(9 * time.Minute)
	score, passed := 2.5, true

	row := rowFromDomain(domain.Attempt{
		ID:            "a1",
		AssessmentID:  "quiz-1",
		LearnerID:     "u1",
		AttemptNumber: 2,
		StartedAt:     started,
		CompletedAt:   &completed,
		Answers:       domain.Answers{"q1": "o2"},
		Files:         []domain.FileRef{{Filename: "f1", Size: 10}},
		Score:         &score,
		MaxScore:      3,
		Passed:        &passed,
		Reason:        domain.ReasonAutoTimeout,
		LateApplied:   true,
	})
	if row.Reason != "auto-timeout" || row.AttemptNumber != 2 {
		t.Fatalf("unexpected row %+v", row)
	}

	a := row.toDomain()
	if a.StartedAt.Location() != time.UTC || a.CompletedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps, got %v / %v", a.StartedAt, a.CompletedAt)
	}
	res, done := a.Result()
	if !done || res.Score != 2.5 || !res.Passed || res.Reason != domain.ReasonAutoTimeout || !res.LateApplied {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAttemptRowNilAnswers(t *testing.T) {
	a := attemptRow{ID: "a1"}.toDomain()
	if a.Answers == nil {
		t.Fatalf("expected empty answers map")
	}
	if a.Completed() || a.State() != domain.StateInProgress {
		t.Fatalf("expected open attempt, got %+v", a)
	}
}
