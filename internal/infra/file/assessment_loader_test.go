package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quiz-attempt-service/internal/domain"
)

const seed = `
assessments:
  - id: quiz-1
    title: Arithmetic
    settings:
      timeLimit: 10
      attemptLimit: 2
      passingScore: 60
      showCorrectAnswers: true
      allowReview: true
    questions:
      - id: q1
        type: multiple_choice
        prompt: What is 2 + 2?
        points: 2
        options:
          - {id: o1, text: "3"}
          - {id: o2, text: "4", correct: true}
      - id: q2
        type: short_answer
        prompt: Capital of France?
        accepted: [paris]
  - id: essay-1
    kind: assignment
    assignment:
      dueDate: 2024-06-01T12:00:00Z
      lateSubmissionDeadline: 2024-06-08T12:00:00Z
      lateSubmissionPenalty: 10
    questions:
      - id: q1
        type: essay
`

func TestParseSeed(t *testing.T) {
	l, err := Parse([]byte(seed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	quiz, err := l.LoadAssessment(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("load quiz: %v", err)
	}
	if quiz.Kind != domain.KindQuiz || quiz.Settings.TimeLimit() != 10*time.Minute || quiz.Settings.MaxAttempts() != 2 {
		t.Fatalf("unexpected quiz %+v", quiz)
	}
	if !quiz.Questions[0].Options[1].Correct || quiz.Questions[1].Accepted[0] != "paris" {
		t.Fatalf("questions not decoded: %+v", quiz.Questions)
	}

	essay, _ := l.LoadAssessment(context.Background(), "essay-1")
	if !essay.IsAssignment() || essay.Assignment.LateSubmissionPenalty != 10 {
		t.Fatalf("unexpected assignment %+v", essay)
	}
	if want := time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC); !essay.Assignment.ClosesAt().Equal(want) {
		t.Fatalf("expected closes at %v, got %v", want, essay.Assignment.ClosesAt())
	}

	all := l.All()
	if len(all) != 2 || all[0].ID != "essay-1" {
		t.Fatalf("expected sorted assessments, got %d", len(all))
	}
	if _, err := l.LoadAssessment(context.Background(), "missing"); !errors.Is(err, domain.ErrAssessmentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing id":     "assessments:\n  - title: x\n",
		"duplicate":      "assessments:\n  - id: a\n  - id: a\n",
		"unknown kind":   "assessments:\n  - id: a\n    kind: exam\n",
		"no due date":    "assessments:\n  - id: a\n    kind: assignment\n",
		"duplicate qid":  "assessments:\n  - id: a\n    questions:\n      - id: q1\n      - id: q1\n",
		"malformed yaml": "assessments: [",
		"zero limit":     "assessments:\n  - id: a\n    settings:\n      timeLimit: 0\n",
		"negative limit": "assessments:\n  - id: a\n    settings:\n      timeLimit: -5\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assessments.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("assessments:\n  - title: x\n"), 0o600)
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "bad.yaml") {
		t.Fatalf("expected error naming the file, got %v", err)
	}
}
