package capability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInvoke_UnknownCapability(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Invoke(context.Background(), "no_such_thing", "{}")
	var unknown *ErrUnknown
	if !errors.As(err, &unknown) {
		t.Fatalf("Invoke = %v, want *ErrUnknown", err)
	}
	if unknown.Name != "no_such_thing" {
		t.Errorf("ErrUnknown.Name = %q", unknown.Name)
	}
}

func TestInvoke_InvalidArguments(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Invoke(context.Background(), "current_time", "{not json")
	if err == nil || !strings.Contains(err.Error(), "invalid arguments") {
		t.Errorf("Invoke = %v, want invalid arguments error", err)
	}
}

func TestInvoke_PassesArgs(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&Capability{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			v, _ := args["text"].(string)
			return v, nil
		},
	})

	got, err := r.Invoke(context.Background(), "echo", `{"text":"hello"}`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "hello" {
		t.Errorf("Invoke = %q, want hello", got)
	}
}

func TestInvoke_PanickingHandlerBecomesError(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&Capability{
		Name:        "explode",
		Description: "always panics",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("nil map write")
		},
	})

	_, err := r.Invoke(context.Background(), "explode", "{}")
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
	if !strings.Contains(err.Error(), "explode panicked") || !strings.Contains(err.Error(), "nil map write") {
		t.Errorf("error = %v, want panic converted to error", err)
	}
}

func TestInvoke_TimeoutApplied(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Register(&Capability{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "done", nil
			}
		},
	})

	_, err := r.Invoke(context.Background(), "slow", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Invoke = %v, want deadline exceeded", err)
	}
}

func TestSpecs_WireFormat(t *testing.T) {
	r := newTestRegistry(t)

	specs := r.Specs()
	if len(specs) == 0 {
		t.Fatal("Specs returned no entries")
	}
	first := specs[0]
	if first["type"] != "function" {
		t.Errorf(`spec type = %v, want "function"`, first["type"])
	}
	fn, ok := first["function"].(map[string]any)
	if !ok {
		t.Fatalf("spec function block missing: %+v", first)
	}
	if fn["name"] == "" || fn["description"] == "" {
		t.Errorf("spec function incomplete: %+v", fn)
	}
}

func TestFetchWebpage_ExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, `<html><head><title>t</title><script>var x=1;</script></head>
			<body><h1>Welcome</h1><p>Hello there.</p><style>p{}</style></body></html>`)
	}))
	defer srv.Close()

	r := newTestRegistry(t)
	r.SetWebTools(srv.Client())

	got, err := r.Invoke(context.Background(), "fetch_webpage", `{"url":"`+srv.URL+`"}`)
	if err != nil {
		t.Fatalf("fetch_webpage: %v", err)
	}
	if !strings.Contains(got, "Welcome") || !strings.Contains(got, "Hello there.") {
		t.Errorf("extracted text = %q, want body content", got)
	}
	if strings.Contains(got, "var x=1") {
		t.Errorf("extracted text includes script content: %q", got)
	}
}

func TestFetchWebpage_RejectsBadURL(t *testing.T) {
	r := newTestRegistry(t)
	r.SetWebTools(http.DefaultClient)

	if _, err := r.Invoke(context.Background(), "fetch_webpage", `{"url":"ftp://example.com"}`); err == nil {
		t.Error("expected error for non-http scheme")
	}
	if _, err := r.Invoke(context.Background(), "fetch_webpage", `{}`); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestDefineWord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasSuffix(req.URL.Path, "/ephemeral") {
			http.NotFound(w, req)
			return
		}
		io.WriteString(w, `[{"word":"ephemeral","meanings":[{"partOfSpeech":"adjective",
			"definitions":[{"definition":"lasting a very short time","example":"ephemeral pleasures"}]}]}]`)
	}))
	defer srv.Close()

	// Point the handler at the test server by rewriting the request host.
	client := &http.Client{Transport: rewriteHost(srv.URL)}

	r := newTestRegistry(t)
	r.SetWebTools(client)

	got, err := r.Invoke(context.Background(), "define_word", `{"word":"Ephemeral"}`)
	if err != nil {
		t.Fatalf("define_word: %v", err)
	}
	if !strings.Contains(got, "lasting a very short time") {
		t.Errorf("definition = %q", got)
	}

	got, err = r.Invoke(context.Background(), "define_word", `{"word":"zzzznotaword"}`)
	if err != nil {
		t.Fatalf("define_word unknown: %v", err)
	}
	if !strings.Contains(got, "No definition found") {
		t.Errorf("unknown word result = %q", got)
	}
}

// rewriteHost redirects every request to the test server, keeping the path.
type rewriteHost string

func (h rewriteHost) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(string(h), "http://")
	return http.DefaultTransport.RoundTrip(req)
}

func TestGenerateQRCode(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t)
	r.SetQRTools(dir)

	got, err := r.Invoke(context.Background(), "generate_qr_code", `{"content":"https://example.com"}`)
	if err != nil {
		t.Fatalf("generate_qr_code: %v", err)
	}
	if !strings.Contains(got, dir) {
		t.Errorf("result = %q, want path under %s", got, dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "qr-*.png"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one PNG in %s, got %v (%v)", dir, files, err)
	}
	if fi, err := os.Stat(files[0]); err != nil || fi.Size() == 0 {
		t.Errorf("PNG file empty or unreadable: %v", err)
	}
}

// fakeMailer records sends.
type fakeMailer struct {
	to, subject, body string
	err               error
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.to, m.subject, m.body = to, subject, body
	return m.err
}

func TestSendEmail(t *testing.T) {
	mailer := &fakeMailer{}
	r := newTestRegistry(t)
	r.SetMailer(mailer)

	got, err := r.Invoke(context.Background(), "send_email",
		`{"to":"pat@example.com","subject":"hi","body":"hello"}`)
	if err != nil {
		t.Fatalf("send_email: %v", err)
	}
	if !strings.Contains(got, "pat@example.com") {
		t.Errorf("result = %q", got)
	}
	if mailer.to != "pat@example.com" || mailer.subject != "hi" || mailer.body != "hello" {
		t.Errorf("mailer got %q/%q/%q", mailer.to, mailer.subject, mailer.body)
	}

	if _, err := r.Invoke(context.Background(), "send_email",
		`{"to":"not-an-address","subject":"hi","body":"x"}`); err == nil {
		t.Error("expected error for invalid recipient")
	}
}

// fakeScheduler implements Scheduler for handler tests.
type fakeScheduler struct {
	tasks    []ScheduledTask
	nextID   string
	cancelID string
}

func (s *fakeScheduler) Schedule(ctx context.Context, name string, when time.Time, prompt string) (string, error) {
	s.tasks = append(s.tasks, ScheduledTask{ID: s.nextID, Name: name, When: when, Prompt: prompt})
	return s.nextID, nil
}

func (s *fakeScheduler) List(ctx context.Context) ([]ScheduledTask, error) {
	return s.tasks, nil
}

func (s *fakeScheduler) Cancel(ctx context.Context, id string) error {
	s.cancelID = id
	return nil
}

func TestScheduleCapabilities(t *testing.T) {
	sched := &fakeScheduler{nextID: "task-1"}
	r := newTestRegistry(t)
	r.SetScheduler(sched)

	got, err := r.Invoke(context.Background(), "schedule_task",
		`{"name":"water plants","when":"20m","prompt":"remind me to water the plants"}`)
	if err != nil {
		t.Fatalf("schedule_task: %v", err)
	}
	if !strings.Contains(got, "task-1") {
		t.Errorf("result = %q, want id", got)
	}
	if len(sched.tasks) != 1 || sched.tasks[0].Name != "water plants" {
		t.Fatalf("scheduler tasks = %+v", sched.tasks)
	}
	if until := time.Until(sched.tasks[0].When); until < 19*time.Minute || until > 21*time.Minute {
		t.Errorf("fire time %v from now, want ~20m", until)
	}

	got, err = r.Invoke(context.Background(), "list_scheduled_tasks", "")
	if err != nil {
		t.Fatalf("list_scheduled_tasks: %v", err)
	}
	if !strings.Contains(got, "water plants") {
		t.Errorf("list = %q", got)
	}

	if _, err := r.Invoke(context.Background(), "cancel_scheduled_task", `{"id":"task-1"}`); err != nil {
		t.Fatalf("cancel_scheduled_task: %v", err)
	}
	if sched.cancelID != "task-1" {
		t.Errorf("cancelled id = %q", sched.cancelID)
	}

	if _, err := r.Invoke(context.Background(), "schedule_task",
		`{"name":"x","when":"2001-01-01","prompt":"y"}`); err == nil {
		t.Error("expected error for past time")
	}
}

func TestParseWhen(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"30m", false},
		{"2h", false},
		{"-5m", true},
		{"2001-01-01", true},
		{"garbage", true},
	}
	for _, tt := range tests {
		_, err := parseWhen(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWhen(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
