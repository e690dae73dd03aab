package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestLiveSessionAnswerFlushSubmit(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	id := srv.start(t, "u1")

	conn := dialLive(t, srv, id, "u1")
	defer conn.Close()

	_, status := readUntil(t, conn, "status")
	if status["state"] != "in_progress" || status["remainingMs"].(float64) != float64(10*time.Minute/time.Millisecond) {
		t.Fatalf("unexpected initial status %v", status)
	}

	send(t, conn, map[string]any{"type": "answer", "payload": map[string]any{"questionId": "q1", "value": "o2"}})
	send(t, conn, map[string]any{"type": "flush"})
	readUntil(t, conn, "saved")

	send(t, conn, map[string]any{"type": "submit", "payload": map[string]any{"reason": "manual"}})
	_, result := readUntil(t, conn, "completed")
	if result["score"].(float64) != 1 || result["passed"] != true || result["reason"] != "manual" {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestLiveSessionPushesTicksAndAutoSubmit(t *testing.T) {
	srv := newTestServer(t, 10*time.Millisecond)
	id := srv.start(t, "u1")

	conn := dialLive(t, srv, id, "u1")
	defer conn.Close()

	readUntil(t, conn, "status")
	_, tick := readUntil(t, conn, "tick")
	if tick["remainingMs"].(float64) != float64(10*time.Minute/time.Millisecond) {
		t.Fatalf("unexpected tick %v", tick)
	}

	srv.clock.Set(t0.Add(11 * time.Minute))
	_, result := readUntil(t, conn, "completed")
	if result["reason"] != "auto-timeout" || result["passed"] != false {
		t.Fatalf("expected auto-timeout result, got %v", result)
	}
}

func TestLiveSessionRelaysSubmitFromElsewhere(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	id := srv.start(t, "u1")

	conn := dialLive(t, srv, id, "u1")
	defer conn.Close()
	readUntil(t, conn, "status")

	resp, _ := srv.do(t, http.MethodPost, "/v1/attempts/"+id+"/submit", "u1", map[string]any{"answers": map[string]any{"q1": "o2"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d", resp.StatusCode)
	}
	_, result := readUntil(t, conn, "completed")
	if result["score"].(float64) != 1 {
		t.Fatalf("unexpected relayed result %v", result)
	}
}

func TestLiveSessionRejectsOtherLearner(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	id := srv.start(t, "u1")

	u := "ws" + srv.URL[len("http"):] + "/v1/attempts/" + id + "/live?learnerId=u2"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func dialLive(t *testing.T, srv *testServer, attemptID, learner string) *websocket.Conn {
	t.Helper()
	u := "ws" + srv.URL[len("http"):] + "/v1/attempts/" + attemptID + "/live?learnerId=" + learner
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %v: %v", msg["type"], err)
	}
}

// readUntil skips messages until one of type expect arrives.
func readUntil(t *testing.T, conn *websocket.Conn, expect string) (string, map[string]any) {
	t.Helper()
	for {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json waiting for %s: %v", expect, err)
		}
		if msg.Type == "error" {
			t.Fatalf("unexpected error message %v", msg.Payload)
		}
		if msg.Type == expect {
			return msg.Type, msg.Payload
		}
	}
}
