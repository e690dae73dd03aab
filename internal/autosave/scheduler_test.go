package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
)

type fakeSaver struct {
	mu      sync.Mutex
	calls   []app.Progress
	fail    []error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSaver) SaveProgress(_ context.Context, _ string, p app.Progress) (app.SaveResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		if err != nil {
			return app.SaveResult{}, err
		}
	}
	left := 5 * time.Minute
	return app.SaveResult{Accepted: true, Remaining: &left}, nil
}

func (f *fakeSaver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestFlushCollapsesEdits(t *testing.T) {
	saver := &fakeSaver{}
	s := New(saver, "a1")

	s.Record("q1", "o1")
	s.Record("q1", "o2")
	s.Record("q2", "true")
	s.AttachFile(domain.FileRef{Filename: "f1"})

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if saver.callCount() != 1 {
		t.Fatalf("expected one save, got %d", saver.callCount())
	}
	sent := saver.calls[0]
	if sent.Answers["q1"] != "o2" || sent.Answers["q2"] != "true" || len(sent.Files) != 1 {
		t.Fatalf("unexpected delta %+v", sent)
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("expected delta cleared after success, got %+v", s.Pending())
	}

	// nothing pending: no request
	_ = s.Flush(context.Background())
	if saver.callCount() != 1 {
		t.Fatalf("expected empty flush to skip the save")
	}
}

func TestFlushRetainsDeltaOnFailure(t *testing.T) {
	saver := &fakeSaver{fail: []error{errors.New("store unavailable")}}
	var states []State
	s := New(saver, "a1", WithStatus(func(st Status) { states = append(states, st.State) }))

	s.Record("q1", "o2")
	if err := s.Flush(context.Background()); err == nil {
		t.Fatalf("expected transient error")
	}
	if s.Pending()["q1"] != "o2" || s.Stopped() {
		t.Fatalf("expected delta retained and scheduler running")
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if len(s.Pending()) != 0 || saver.callCount() != 2 {
		t.Fatalf("expected retry to deliver delta, calls=%d pending=%v", saver.callCount(), s.Pending())
	}
	if len(states) != 2 || states[0] != StateRetrying || states[1] != StateSaved {
		t.Fatalf("unexpected status sequence %v", states)
	}
}

func TestEditDuringSaveStaysPending(t *testing.T) {
	saver := &fakeSaver{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(saver, "a1")
	s.Record("q1", "o1")
	s.Record("q2", "x")

	done := make(chan error, 1)
	go func() { done <- s.Flush(context.Background()) }()

	<-saver.entered
	s.Record("q1", "o2")
	close(saver.release)
	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}

	pending := s.Pending()
	if len(pending) != 1 || pending["q1"] != "o2" {
		t.Fatalf("expected only the newer edit pending, got %+v", pending)
	}
}

func TestTerminalRejectionStopsScheduler(t *testing.T) {
	saver := &fakeSaver{fail: []error{&domain.DeadlineElapsedError{Result: domain.Result{AttemptID: "a1"}}}}
	var last Status
	s := New(saver, "a1", WithInterval(5*time.Millisecond), WithStatus(func(st Status) { last = st }))
	s.Record("q1", "o2")

	s.Start(context.Background())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop after terminal rejection")
	}

	if !s.Stopped() || last.State != StateStopped || !errors.Is(last.Err, domain.ErrDeadlineElapsed) {
		t.Fatalf("unexpected final status %+v", last)
	}
	if s.Record("q2", "late") {
		t.Fatalf("record must be refused after stop")
	}
	if saver.callCount() != 1 {
		t.Fatalf("expected no saves after stop, got %d", saver.callCount())
	}
}

func TestTickerFlushesAndStop(t *testing.T) {
	saver := &fakeSaver{}
	s := New(saver, "a1", WithInterval(5*time.Millisecond))
	s.Start(context.Background())
	s.Record("q1", "o2")

	deadline := time.Now().Add(2 * time.Second)
	for saver.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ticker never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected loop to have exited")
	}
	s.Stop()
}
