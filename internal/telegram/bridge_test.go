package telegram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orionhq/orion/internal/memory"
	"github.com/orionhq/orion/internal/orchestrator"
	"github.com/orionhq/orion/internal/queue"
)

// botServer fakes the Bot API: it serves one batch of updates, then
// empty batches, and records every sendMessage.
type botServer struct {
	mu      sync.Mutex
	updates []Update
	served  bool
	sent    []string
	chats   []string
}

func (b *botServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/botTOKEN/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		var batch []Update
		if !b.served {
			batch = b.updates
			b.served = true
		}
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": batch})
	})
	mux.HandleFunc("/botTOKEN/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		b.mu.Lock()
		b.sent = append(b.sent, r.FormValue("text"))
		b.chats = append(b.chats, r.FormValue("chat_id"))
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("/botTOKEN/sendChatAction", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	return mux
}

func (b *botServer) sentMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	subs []orchestrator.Submission
	out  *orchestrator.Outcome
}

func (d *fakeDispatcher) Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, sub)
	return d.out, nil
}

func (d *fakeDispatcher) submissions() []orchestrator.Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]orchestrator.Submission(nil), d.subs...)
}

type fakeMemory struct {
	clearedKey [2]string
	userCtx    *memory.UserContext
}

func (m *fakeMemory) Clear(ctx context.Context, userID, channel string) (int64, error) {
	m.clearedKey = [2]string{userID, channel}
	return 1, nil
}

func (m *fakeMemory) UserContext(ctx context.Context, userID string) (*memory.UserContext, error) {
	return m.userCtx, nil
}

type fakeQueues struct {
	status *queue.BotStatus
	stats  *queue.Stats
}

func (q *fakeQueues) Status(ctx context.Context) (*queue.BotStatus, error) { return q.status, nil }
func (q *fakeQueues) QueueStats(ctx context.Context) (*queue.Stats, error) { return q.stats, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, bot *botServer, cfg BridgeConfig) *Bridge {
	t.Helper()
	ts := httptest.NewServer(bot.handler())
	t.Cleanup(ts.Close)

	client := NewClient("TOKEN", ts.Client())
	client.baseURL = ts.URL

	cfg.Client = client
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Memory == nil {
		cfg.Memory = &fakeMemory{}
	}
	if cfg.Queues == nil {
		cfg.Queues = &fakeQueues{
			status: &queue.BotStatus{Status: queue.BotOnline, LastCheck: time.Now()},
			stats:  &queue.Stats{},
		}
	}
	return NewBridge(cfg)
}

func textUpdate(id, chatID int64, text string) Update {
	return Update{
		UpdateID: id,
		Message: &Message{
			From: &User{ID: chatID},
			Chat: Chat{ID: chatID, Type: "private"},
			Text: text,
		},
	}
}

func TestBridgeSubmitsMessage(t *testing.T) {
	bot := &botServer{updates: []Update{textUpdate(1, 42, "what's the weather?")}}
	disp := &fakeDispatcher{out: &orchestrator.Outcome{
		Status: orchestrator.OutcomeCompleted,
		Answer: "Sunny, 22C.",
	}}
	b := newTestBridge(t, bot, BridgeConfig{Dispatcher: disp})

	for _, u := range bot.updates {
		b.handleUpdate(context.Background(), u)
	}

	subs := disp.submissions()
	if len(subs) != 1 {
		t.Fatalf("got %d submissions, want 1", len(subs))
	}
	if subs[0].UserID != "42" || subs[0].Channel != "telegram" {
		t.Errorf("submission = %+v", subs[0])
	}
	sent := bot.sentMessages()
	if len(sent) != 1 || sent[0] != "Sunny, 22C." {
		t.Errorf("replies = %v", sent)
	}
}

func TestBridgeCommands(t *testing.T) {
	bot := &botServer{}
	disp := &fakeDispatcher{out: &orchestrator.Outcome{Status: orchestrator.OutcomeCompleted}}
	mem := &fakeMemory{userCtx: &memory.UserContext{UserID: "42", TotalMessages: 7}}
	queues := &fakeQueues{
		status: &queue.BotStatus{Status: queue.BotOnline, LastCheck: time.Now()},
		stats:  &queue.Stats{PendingWaiting: 1, RetryPending: 2},
	}
	b := newTestBridge(t, bot, BridgeConfig{Dispatcher: disp, Memory: mem, Queues: queues})

	ctx := context.Background()
	b.handleUpdate(ctx, textUpdate(1, 42, "/start"))
	b.handleUpdate(ctx, textUpdate(2, 42, "/status"))
	b.handleUpdate(ctx, textUpdate(3, 42, "/clear"))
	b.handleUpdate(ctx, textUpdate(4, 42, "/bogus"))

	if len(disp.submissions()) != 0 {
		t.Errorf("commands must not reach the dispatcher: %+v", disp.submissions())
	}

	sent := bot.sentMessages()
	if len(sent) != 4 {
		t.Fatalf("got %d replies, want 4: %v", len(sent), sent)
	}
	for i, want := range []string{"personal assistant", "Your messages: 7", "history cleared", "Unknown command: /bogus"} {
		if !containsFold(sent[i], want) {
			t.Errorf("reply %d = %q, want substring %q", i, sent[i], want)
		}
	}
	if mem.clearedKey != [2]string{"42", "telegram"} {
		t.Errorf("clear key = %v", mem.clearedKey)
	}
}

func TestBridgeRejectsUnauthorized(t *testing.T) {
	bot := &botServer{}
	disp := &fakeDispatcher{out: &orchestrator.Outcome{Status: orchestrator.OutcomeCompleted}}
	b := newTestBridge(t, bot, BridgeConfig{Dispatcher: disp, AllowedIDs: []int64{99}})

	b.handleUpdate(context.Background(), textUpdate(1, 42, "let me in"))

	if len(disp.submissions()) != 0 {
		t.Error("unauthorized message reached the dispatcher")
	}
	if len(bot.sentMessages()) != 0 {
		t.Error("unauthorized sender got a reply")
	}
}

func TestBridgeRateLimitsSender(t *testing.T) {
	bot := &botServer{}
	disp := &fakeDispatcher{out: &orchestrator.Outcome{Status: orchestrator.OutcomeCompleted, Answer: "ok"}}
	b := newTestBridge(t, bot, BridgeConfig{Dispatcher: disp, RateLimit: 2})

	ctx := context.Background()
	for i := range 3 {
		b.handleUpdate(ctx, textUpdate(int64(i+1), 42, "spam"))
	}

	if got := len(disp.submissions()); got != 2 {
		t.Errorf("got %d submissions, want 2", got)
	}
	sent := bot.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("got %d replies, want 3", len(sent))
	}
	if !containsFold(sent[2], "too quickly") {
		t.Errorf("third reply = %q, want rate-limit notice", sent[2])
	}
}

// gateDispatcher blocks "slow" submissions until the gate closes.
type gateDispatcher struct {
	mu   sync.Mutex
	subs []orchestrator.Submission
	gate chan struct{}
}

func (d *gateDispatcher) Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error) {
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
	if sub.Message == "slow" {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &orchestrator.Outcome{Status: orchestrator.OutcomeCompleted, Answer: "done: " + sub.Message}, nil
}

func TestBridgeRun_SlowTaskDoesNotStallOtherChats(t *testing.T) {
	bot := &botServer{updates: []Update{
		textUpdate(1, 1, "slow"),
		textUpdate(2, 2, "fast"),
	}}
	disp := &gateDispatcher{gate: make(chan struct{})}
	b := newTestBridge(t, bot, BridgeConfig{Dispatcher: disp})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	// The fast chat gets its answer while the slow one is still held.
	waitFor(t, func() bool {
		for _, s := range bot.sentMessages() {
			if s == "done: fast" {
				return true
			}
		}
		return false
	}, "fast reply while slow task in flight")

	close(disp.gate)
	waitFor(t, func() bool {
		for _, s := range bot.sentMessages() {
			if s == "done: slow" {
				return true
			}
		}
		return false
	}, "slow reply after gate release")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAllowSenderWindowExpiry(t *testing.T) {
	b := NewBridge(BridgeConfig{Logger: discardLogger(), RateLimit: 1})

	if !b.allowSender("u") {
		t.Fatal("first message blocked")
	}
	if b.allowSender("u") {
		t.Fatal("second message within window allowed")
	}

	// Age the recorded timestamp past the window.
	b.mu.Lock()
	b.senderTimes["u"] = []time.Time{time.Now().Add(-2 * rateWindow)}
	b.mu.Unlock()

	if !b.allowSender("u") {
		t.Error("message after window expiry blocked")
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
