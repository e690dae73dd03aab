package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testServer struct {
	*httptest.Server
	clock *testClock
	feed  *app.Feed
}

func newTestServer(t *testing.T, tick time.Duration) *testServer {
	t.Helper()
	clock := &testClock{now: t0}
	feed := app.NewFeed()
	repo := memory.NewAssessmentRepository(memory.NewStaticAssessmentLoader(sampleAssessments()), time.Minute)
	service := app.NewAttemptService(memory.NewAttemptStore(), repo,
		app.WithClock(clock.Now),
		app.WithEvents(feed),
		app.WithLateWriteGrace(time.Minute))

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Service:          service,
		Feed:             feed,
		AutosaveInterval: time.Hour,
		TickInterval:     tick,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, clock: clock, feed: feed}
}

func (s *testServer) do(t *testing.T, method, path, learner string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if learner != "" {
		req.Header.Set(LearnerHeader, learner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *testServer) start(t *testing.T, learner string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/v1/attempts", learner, map[string]any{"assessmentId": "quiz-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %v", resp.StatusCode, body)
	}
	return body["attemptId"].(string)
}

func TestAttemptLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, time.Hour)

	resp, body := srv.do(t, http.MethodPost, "/v1/attempts", "u1", map[string]any{"assessmentId": "quiz-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %v", resp.StatusCode, body)
	}
	id := body["attemptId"].(string)
	if body["attemptNumber"].(float64) != 1 || body["remainingMs"].(float64) != float64(10*time.Minute/time.Millisecond) {
		t.Fatalf("unexpected start body %v", body)
	}

	resp, body = srv.do(t, http.MethodPost, "/v1/attempts", "u1", map[string]any{"assessmentId": "quiz-1"})
	if resp.StatusCode != http.StatusOK || body["resumed"] != true || body["attemptId"] != id {
		t.Fatalf("expected resume, got %d %v", resp.StatusCode, body)
	}

	srv.clock.Set(t0.Add(2 * time.Minute))
	resp, body = srv.do(t, http.MethodPut, "/v1/attempts/"+id+"/progress", "u1", map[string]any{
		"answers":   map[string]any{"q1": "o2"},
		"clientNow": t0.Add(3 * time.Minute),
	})
	if resp.StatusCode != http.StatusOK || body["accepted"] != true || body["remainingMs"].(float64) != float64(8*time.Minute/time.Millisecond) {
		t.Fatalf("unexpected progress response %d %v", resp.StatusCode, body)
	}

	resp, body = srv.do(t, http.MethodGet, "/v1/attempts/"+id, "u1", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != string(domain.StateInProgress) {
		t.Fatalf("unexpected status %d %v", resp.StatusCode, body)
	}
	if body["answers"].(map[string]any)["q1"] != "o2" {
		t.Fatalf("expected saved answer in status, got %v", body["answers"])
	}

	resp, body = srv.do(t, http.MethodPost, "/v1/attempts/"+id+"/submit", "u1", map[string]any{"reason": "manual"})
	if resp.StatusCode != http.StatusOK || body["score"].(float64) != 1 || body["passed"] != true || body["alreadyFinalized"] != false {
		t.Fatalf("unexpected submit %d %v", resp.StatusCode, body)
	}

	resp, body = srv.do(t, http.MethodPost, "/v1/attempts/"+id+"/submit", "u1", nil)
	if resp.StatusCode != http.StatusOK || body["alreadyFinalized"] != true || body["score"].(float64) != 1 {
		t.Fatalf("expected idempotent submit, got %d %v", resp.StatusCode, body)
	}

	resp, body = srv.do(t, http.MethodPut, "/v1/attempts/"+id+"/progress", "u1", map[string]any{"answers": map[string]any{"q1": "o1"}})
	if resp.StatusCode != http.StatusConflict || body["kind"] != domain.KindAlreadyCompleted || body["success"] != false {
		t.Fatalf("expected AlreadyCompleted, got %d %v", resp.StatusCode, body)
	}

	resp, body = srv.do(t, http.MethodGet, "/v1/attempts/"+id, "u1", nil)
	if body["state"] != string(domain.StateCompleted) || body["remainingMs"].(float64) != 0 {
		t.Fatalf("unexpected final status %v", body)
	}
	if body["correctAnswers"].(map[string]any)["q1"].([]any)[0] != "o2" {
		t.Fatalf("expected review answers, got %v", body["correctAnswers"])
	}

	resp, body = srv.do(t, http.MethodPost, "/v1/attempts", "u1", map[string]any{"assessmentId": "quiz-1"})
	if resp.StatusCode != http.StatusConflict || body["kind"] != domain.KindAttemptLimitExceeded {
		t.Fatalf("expected attempt limit, got %d %v", resp.StatusCode, body)
	}
}

func TestProgressAfterDeadlineReportsTimeUp(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	id := srv.start(t, "u1")

	srv.clock.Set(t0.Add(10*time.Minute + 10*time.Second))
	resp, body := srv.do(t, http.MethodPut, "/v1/attempts/"+id+"/progress", "u1", map[string]any{"answers": map[string]any{"q1": "o2"}})
	if resp.StatusCode != http.StatusOK || body["timeUp"] != true || body["accepted"] != false || body["remainingMs"].(float64) != 0 {
		t.Fatalf("unexpected time-up response %d %v", resp.StatusCode, body)
	}
	result := body["result"].(map[string]any)
	if result["reason"] != string(domain.ReasonAutoTimeout) || result["score"].(float64) != 1 {
		t.Fatalf("unexpected forced result %v", result)
	}
}

func TestOwnershipAndErrors(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	id := srv.start(t, "u1")

	cases := []struct {
		name    string
		method  string
		path    string
		learner string
		body    any
		status  int
		kind    string
	}{
		{"other learner", http.MethodGet, "/v1/attempts/" + id, "u2", nil, http.StatusForbidden, domain.KindForbidden},
		{"no learner", http.MethodPost, "/v1/attempts/" + id + "/submit", "", nil, http.StatusForbidden, domain.KindForbidden},
		{"unknown attempt", http.MethodGet, "/v1/attempts/missing", "u1", nil, http.StatusNotFound, domain.KindNotFound},
		{"unknown assessment", http.MethodPost, "/v1/attempts", "u1", map[string]any{"assessmentId": "nope"}, http.StatusNotFound, domain.KindNotFound},
		{"missing assessment id", http.MethodPost, "/v1/attempts", "u1", map[string]any{}, http.StatusBadRequest, domain.KindInvalidRequest},
		{"bad reason", http.MethodPost, "/v1/attempts/" + id + "/submit", "u1", map[string]any{"reason": "bored"}, http.StatusBadRequest, domain.KindInvalidRequest},
		{"closed window", http.MethodPost, "/v1/attempts", "u1", map[string]any{"assessmentId": "closed"}, http.StatusUnprocessableEntity, domain.KindOutsideAvailabilityWindow},
	}
	for _, tc := range cases {
		resp, body := srv.do(t, tc.method, tc.path, tc.learner, tc.body)
		if resp.StatusCode != tc.status || body["kind"] != tc.kind {
			t.Fatalf("%s: expected %d %s, got %d %v", tc.name, tc.status, tc.kind, resp.StatusCode, body)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func sampleAssessments() map[string]domain.Assessment {
	limit := 10
	quiz := domain.Assessment{
		ID:   "quiz-1",
		Kind: domain.KindQuiz,
		Questions: []domain.Question{
			{
				ID:     "q1",
				Type:   domain.QuestionMultipleChoice,
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "o1", Text: "3", Correct: false},
					{ID: "o2", Text: "4", Correct: true},
					{ID: "o3", Text: "5", Correct: false},
				},
				Points: 1,
			},
		},
		Settings: domain.Settings{
			TimeLimitMinutes:   &limit,
			AttemptLimit:       1,
			PassingScore:       100,
			ShowCorrectAnswers: true,
			AllowReview:        true,
		},
	}
	closed := quiz
	closed.ID = "closed"
	until := t0.Add(-time.Hour)
	closed.Settings.AvailableUntil = &until
	return map[string]domain.Assessment{quiz.ID: quiz, closed.ID: closed}
}
