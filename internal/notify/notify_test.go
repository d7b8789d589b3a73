package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeNotifier succeeds or fails on demand and records deliveries.
type fakeNotifier struct {
	name      string
	err       error
	delivered []string
}

func (n *fakeNotifier) Name() string { return n.name }

func (n *fakeNotifier) Notify(ctx context.Context, userID, message string) error {
	if n.err != nil {
		return n.err
	}
	n.delivered = append(n.delivered, message)
	return nil
}

func TestFanout_AllSucceed(t *testing.T) {
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	f := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)), a, b)

	if err := f.Notify(context.Background(), "alice", "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(a.delivered) != 1 || len(b.delivered) != 1 {
		t.Errorf("deliveries a=%v b=%v", a.delivered, b.delivered)
	}
}

func TestFanout_PartialSuccessIsSuccess(t *testing.T) {
	broken := &fakeNotifier{name: "broken", err: errors.New("connection refused")}
	ok := &fakeNotifier{name: "ok"}
	f := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)), broken, ok)

	if err := f.Notify(context.Background(), "alice", "hello"); err != nil {
		t.Fatalf("Notify with one working channel: %v", err)
	}
	if len(ok.delivered) != 1 {
		t.Errorf("working channel not reached: %v", ok.delivered)
	}
}

func TestFanout_AllFail(t *testing.T) {
	a := &fakeNotifier{name: "a", err: errors.New("down")}
	b := &fakeNotifier{name: "b", err: errors.New("also down")}
	f := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)), a, b)

	err := f.Notify(context.Background(), "alice", "hello")
	if err == nil {
		t.Fatal("expected error when every channel fails")
	}
	for _, want := range []string{"a:", "b:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestFanout_NoChannels(t *testing.T) {
	f := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := f.Notify(context.Background(), "alice", "hello"); err == nil {
		t.Error("expected error with no channels configured")
	}
}

func TestTelegramNotify(t *testing.T) {
	var gotPath, gotChatID, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotChatID = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", srv.Client())
	tg.baseURL = srv.URL

	if err := tg.Notify(context.Background(), "12345", "task complete"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotPath != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotChatID != "12345" || gotText != "task complete" {
		t.Errorf("form = chat_id %q text %q", gotChatID, gotText)
	}
}

func TestTelegramNotify_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":false,"description":"chat not found"}`)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", srv.Client())
	tg.baseURL = srv.URL

	err := tg.Notify(context.Background(), "0", "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("Notify = %v, want chat not found", err)
	}
}

func TestComposeMessage(t *testing.T) {
	msg, err := composeMessage("Orion <orion@example.com>", "pat@example.com", "Update", "all done")
	if err != nil {
		t.Fatalf("composeMessage: %v", err)
	}
	s := string(msg)
	for _, want := range []string{
		"From: \"Orion\" <orion@example.com>",
		"To: <pat@example.com>",
		"Subject: Update",
		"all done",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("message missing %q:\n%s", want, s)
		}
	}
}

// failingResolver never finds an address.
type failingResolver struct{}

func (failingResolver) EmailAddress(ctx context.Context, userID string) (string, error) {
	return "", errors.New("unknown user")
}

func TestEmailNotify_UnresolvableUser(t *testing.T) {
	e := NewEmail(SMTPConfig{Host: "localhost", Port: 1, From: "o@example.com"}, failingResolver{})
	if err := e.Notify(context.Background(), "alice", "hi"); err == nil {
		t.Error("expected error for unresolvable user ID")
	}
}
