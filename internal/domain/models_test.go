package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAnswersMergeLeavesOriginalUntouched(t *testing.T) {
	base := Answers{"q1": "a", "q2": "b"}
	merged := base.Merge(Answers{"q2": "c", "q3": true})

	if base["q2"] != "b" {
		t.Fatalf("merge mutated receiver: %+v", base)
	}
	if merged["q1"] != "a" || merged["q2"] != "c" || merged["q3"] != true {
		t.Fatalf("unexpected merge result %+v", merged)
	}
}

func TestMergeFilesReplacesByFilename(t *testing.T) {
	current := []FileRef{{Filename: "a.pdf", Size: 1}, {Filename: "b.pdf", Size: 2}}
	out := MergeFiles(current, []FileRef{{Filename: "b.pdf", Size: 20}, {Filename: "c.pdf", Size: 3}})

	if len(out) != 3 {
		t.Fatalf("expected 3 files, got %d", len(out))
	}
	if out[1].Size != 20 || out[2].Filename != "c.pdf" {
		t.Fatalf("unexpected files %+v", out)
	}
}

func TestAssignmentClosesAt(t *testing.T) {
	due := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	late := due.Add(7 * 24 * time.Hour)

	if got := (AssignmentSettings{DueDate: due}).ClosesAt(); !got.Equal(due) {
		t.Fatalf("expected due date without late window, got %v", got)
	}
	if got := (AssignmentSettings{DueDate: due, LateSubmissionDeadline: &late}).ClosesAt(); !got.Equal(late) {
		t.Fatalf("expected late deadline, got %v", got)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrAttemptLimitExceeded, KindAttemptLimitExceeded},
		{fmt.Errorf("wrap: %w", ErrAlreadyCompleted), KindAlreadyCompleted},
		{&DeadlineElapsedError{Result: Result{AttemptID: "a1"}}, KindDeadlineElapsed},
		{ErrAssessmentNotFound, KindNotFound},
		{errors.New("connection refused"), KindUnavailable},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestFinalizationApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := Attempt{ID: "a1", Answers: Answers{}}
	done := Finalization{Answers: Answers{"q1": "x"}, Score: 2, MaxScore: 4, Passed: false, CompletedAt: now, Reason: ReasonManual}.Apply(a)

	res, ok := done.Result()
	if !ok {
		t.Fatalf("expected completed attempt")
	}
	if res.Score != 2 || res.MaxScore != 4 || res.Passed || !res.CompletedAt.Equal(now) {
		t.Fatalf("unexpected result %+v", res)
	}
	if a.Completed() {
		t.Fatalf("apply must not mutate the input attempt")
	}
}
