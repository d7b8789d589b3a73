package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orionhq/orion/internal/memory"
	"github.com/orionhq/orion/internal/orchestrator"
	"github.com/orionhq/orion/internal/queue"
)

type fakeDispatcher struct {
	lastSub orchestrator.Submission
	out     *orchestrator.Outcome
	err     error
}

func (d *fakeDispatcher) Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error) {
	d.lastSub = sub
	return d.out, d.err
}

type fakeMemory struct {
	history []memory.Message
	cleared int64
	lastKey [2]string
}

func (m *fakeMemory) History(ctx context.Context, userID, channel string, limit int) ([]memory.Message, error) {
	m.lastKey = [2]string{userID, channel}
	return m.history, nil
}

func (m *fakeMemory) Clear(ctx context.Context, userID, channel string) (int64, error) {
	m.lastKey = [2]string{userID, channel}
	return m.cleared, nil
}

type fakeQueues struct {
	status *queue.BotStatus
	stats  *queue.Stats
}

func (q *fakeQueues) Status(ctx context.Context) (*queue.BotStatus, error) { return q.status, nil }
func (q *fakeQueues) QueueStats(ctx context.Context) (*queue.Stats, error) { return q.stats, nil }

func newTestServer(t *testing.T, d *fakeDispatcher, m *fakeMemory, q *fakeQueues) *httptest.Server {
	t.Helper()
	if d == nil {
		d = &fakeDispatcher{out: &orchestrator.Outcome{Status: orchestrator.OutcomeCompleted}}
	}
	if m == nil {
		m = &fakeMemory{}
	}
	if q == nil {
		q = &fakeQueues{status: &queue.BotStatus{Status: queue.BotOnline, LastCheck: time.Now()}, stats: &queue.Stats{}}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("", 0, d, m, q, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestTaskSubmit(t *testing.T) {
	disp := &fakeDispatcher{out: &orchestrator.Outcome{
		Status: orchestrator.OutcomeCompleted,
		Answer: "Paris is the capital of **France**.",
		Result: &orchestrator.Result{CriteriaMet: true, Rounds: 1},
	}}
	ts := newTestServer(t, disp, nil, nil)

	body := `{"user_id": "alice", "message": "capital of France?", "success_criteria": "names the city"}`
	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var tr TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Status != orchestrator.OutcomeCompleted || !tr.CriteriaMet {
		t.Errorf("unexpected response: %+v", tr)
	}
	if !strings.Contains(tr.HTML, "<strong>France</strong>") {
		t.Errorf("markdown not rendered: %q", tr.HTML)
	}

	if disp.lastSub.UserID != "alice" || disp.lastSub.Channel != "web" {
		t.Errorf("submission = %+v", disp.lastSub)
	}
	if disp.lastSub.SuccessCriteria != "names the city" {
		t.Errorf("criteria = %q", disp.lastSub.SuccessCriteria)
	}
}

func TestTaskSubmitValidation(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)

	for _, body := range []string{``, `{}`, `{"message": ""}`, `not json`} {
		resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestHealthz(t *testing.T) {
	q := &fakeQueues{
		status: &queue.BotStatus{Status: queue.BotOffline, LastCheck: time.Now(), ErrorMessage: "connection refused"},
		stats:  &queue.Stats{RetryPending: 2, PendingWaiting: 3},
	}
	ts := newTestServer(t, nil, nil, q)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Queue  struct {
			RetryPending   int `json:"retry_pending"`
			PendingWaiting int `json:"pending_waiting"`
		} `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != queue.BotOffline || body.Error != "connection refused" {
		t.Errorf("unexpected health body: %+v", body)
	}
	if body.Queue.RetryPending != 2 || body.Queue.PendingWaiting != 3 {
		t.Errorf("queue depths = %+v", body.Queue)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	mem := &fakeMemory{
		history: []memory.Message{
			{Role: "user", Content: "hi", Timestamp: time.Now()},
			{Role: "assistant", Content: "hello", Timestamp: time.Now()},
		},
		cleared: 2,
	}
	ts := newTestServer(t, nil, mem, nil)

	resp, err := http.Get(ts.URL + "/v1/history?user=bob&channel=telegram")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var got struct {
		UserID   string           `json:"user_id"`
		Messages []HistoryMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if got.UserID != "bob" || len(got.Messages) != 2 {
		t.Errorf("unexpected history: %+v", got)
	}
	if mem.lastKey != [2]string{"bob", "telegram"} {
		t.Errorf("history key = %v", mem.lastKey)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/history?user=bob", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	var cleared struct {
		Cleared int64 `json:"cleared"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cleared); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if cleared.Cleared != 2 {
		t.Errorf("cleared = %d, want 2", cleared.Cleared)
	}
	if mem.lastKey != [2]string{"bob", "web"} {
		t.Errorf("clear key = %v", mem.lastKey)
	}
}

func TestQueueStats(t *testing.T) {
	q := &fakeQueues{
		status: &queue.BotStatus{Status: queue.BotOnline, LastCheck: time.Now()},
		stats:  &queue.Stats{RetryPending: 1, RetryFailed: 4, PendingWaiting: 2},
	}
	ts := newTestServer(t, nil, nil, q)

	resp, err := http.Get(ts.URL + "/v1/queue/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["retry_pending"] != 1 || got["retry_failed"] != 4 || got["pending_waiting"] != 2 {
		t.Errorf("stats = %v", got)
	}
}

func TestChatWS(t *testing.T) {
	disp := &fakeDispatcher{out: &orchestrator.Outcome{
		Status: orchestrator.OutcomeCompleted,
		Answer: "done",
		Result: &orchestrator.Result{CriteriaMet: true},
	}}
	ts := newTestServer(t, disp, nil, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?user=carol"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"message": "do the thing"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got TaskResponse
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Answer != "done" || !got.CriteriaMet {
		t.Errorf("unexpected reply: %+v", got)
	}
	if disp.lastSub.UserID != "carol" || disp.lastSub.Message != "do the thing" {
		t.Errorf("submission = %+v", disp.lastSub)
	}
}
