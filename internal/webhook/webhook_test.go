package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harrison/planrunner/internal/runner"
)

func TestNewDispatcherRejectsNonLoopbackURL(t *testing.T) {
	_, err := NewDispatcher([]string{"http://example.com/webhook"}, nil)
	if err == nil {
		t.Fatal("expected error for non-loopback subscriber URL")
	}
}

func TestNewDispatcherAcceptsLoopbackVariants(t *testing.T) {
	for _, u := range []string{
		"http://127.0.0.1:9000/events",
		"http://localhost:9000/events",
		"http://[::1]:9000/events",
	} {
		if _, err := NewDispatcher([]string{u}, nil); err != nil {
			t.Errorf("NewDispatcher(%q) = %v, want accepted", u, err)
		}
	}
}

func TestNewDispatcherRejectsBadScheme(t *testing.T) {
	if _, err := NewDispatcher([]string{"ftp://127.0.0.1/events"}, nil); err == nil {
		t.Error("expected error for non-http(s) scheme")
	}
}

func TestDispatchNodeTransitionPostsEnvelope(t *testing.T) {
	var mu sync.Mutex
	var received Envelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// httptest uses 127.0.0.1 by default, which passes loopback validation.
	d, err := NewDispatcher([]string{srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	d.DispatchNodeTransition(runner.TransitionEvent{
		PlanID:    "plan-1",
		NodeID:    "node-a",
		From:      runner.StatusRunning,
		To:        runner.StatusSucceeded,
		Timestamp: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := received.Event
		mu.Unlock()
		if got != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Event != "nodeTransition" {
		t.Fatalf("expected nodeTransition event, got %q", received.Event)
	}
	if received.Job == nil || received.Job.ID != "node-a" {
		t.Errorf("expected job.id = node-a, got %+v", received.Job)
	}
	if received.Job.Progress != 100 {
		t.Errorf("expected progress 100 for succeeded node, got %d", received.Job.Progress)
	}
}

func TestProgressForStatus(t *testing.T) {
	cases := []struct {
		status runner.NodeStatus
		want   int
	}{
		{runner.StatusSucceeded, 100},
		{runner.StatusRunning, 70},
		{runner.StatusFailed, -1},
		{runner.StatusCanceled, -1},
		{runner.StatusPending, 0},
	}
	for _, c := range cases {
		if got := progressForStatus(c.status); got != c.want {
			t.Errorf("progressForStatus(%v) = %d, want %d", c.status, got, c.want)
		}
	}
}

func TestDispatcherWithNoSubscribersIsNoOp(t *testing.T) {
	d, err := NewDispatcher(nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	d.DispatchNodeTransition(runner.TransitionEvent{NodeID: "x", To: runner.StatusRunning})
	d.DispatchPlanStatus("plan-1", "demo", "succeeded", 100)
}
