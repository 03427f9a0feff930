package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/operations"
)

// readSSE collects (event, data) pairs until the stream ends.
func readSSE(t *testing.T, resp *http.Response) [][2]string {
	t.Helper()
	var (
		out   [][2]string
		event string
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			out = append(out, [2]string{event, strings.TrimPrefix(line, "data: ")})
		}
	}
	return out
}

func TestStreamEventsTerminalOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	op, err := env.srv.ops.Create(ctx, operations.CreateRequest{TargetID: "m", Kind: "DEPLOY"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	env.store.Transition(ctx, op.ID, model.Transition{
		From: model.StatusAccepted, To: model.StatusFailed,
		Result: model.ErrorResult("boom", model.ReasonWorkFailed),
	})

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/operations/" + op.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readSSE(t, resp)
	if len(events) != 2 {
		t.Fatalf("got %d events, want status + done: %v", len(events), events)
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(events[0][1]), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if events[0][0] != "status" || ev.Status != model.StatusFailed {
		t.Errorf("first event = %v, want FAILED status", events[0])
	}
	if events[1][0] != "done" {
		t.Errorf("last event = %q, want done", events[1][0])
	}
}

func TestStreamEventsLiveTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	op, err := env.srv.ops.Create(ctx, operations.CreateRequest{TargetID: "m", Kind: "DEPLOY"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/operations/" + op.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Publish once the handler has subscribed; the snapshot arrives first.
	go func() {
		time.Sleep(50 * time.Millisecond)
		now := time.Now().UTC()
		env.broker.Publish(model.Event{OperationID: op.ID, Status: model.StatusRunning, Source: "tracker", At: now})
		env.broker.Publish(model.Event{OperationID: op.ID, Status: model.StatusCompleted, Source: "tracker", At: now})
	}()

	events := readSSE(t, resp)
	var statuses []string
	for _, e := range events {
		if e[0] != "status" {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(e[1]), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		statuses = append(statuses, string(ev.Status))
	}
	want := "ACCEPTED,RUNNING,COMPLETED"
	if got := strings.Join(statuses, ","); got != want {
		t.Errorf("statuses = %s, want %s", got, want)
	}
	if last := events[len(events)-1]; last[0] != "done" {
		t.Errorf("last event = %q, want done", last[0])
	}
}

func TestStreamEventsUnknownOperation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/operations/" + model.NewID() + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if n := srv.broker.Topics(); n != 0 {
		t.Errorf("unknown operation left %d event topic(s) behind", n)
	}
}

func TestStreamEventsReleasesTopic(t *testing.T) {
	env := newTestEnv(t)
	op, err := env.srv.ops.Create(context.Background(), operations.CreateRequest{TargetID: "m", Kind: "DEPLOY"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/operations/"+op.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	// The snapshot has been written, so the handler is subscribed.
	if line, err := bufio.NewReader(resp.Body).ReadString('\n'); err != nil || line != "event: status\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if n := env.broker.Topics(); n != 1 {
		t.Errorf("topics while streaming = %d, want 1", n)
	}

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.broker.Topics() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("topic still held after the client went away")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
