package emailin

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/orionhq/orion/internal/orchestrator"
)

type fakeDispatcher struct {
	subs []orchestrator.Submission
	out  *orchestrator.Outcome
}

func (d *fakeDispatcher) Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error) {
	d.subs = append(d.subs, sub)
	return d.out, nil
}

type fakeReplier struct {
	to      []string
	subject []string
	body    []string
}

func (r *fakeReplier) Send(ctx context.Context, to, subject, body string) error {
	r.to = append(r.to, to)
	r.subject = append(r.subject, subject)
	r.body = append(r.body, body)
	return nil
}

func newTestPoller(trusted []string, d *fakeDispatcher, r *fakeReplier) *Poller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPoller(Config{TrustedSenders: trusted}, d, r, logger)
}

func TestHandleTrustedSender(t *testing.T) {
	disp := &fakeDispatcher{out: &orchestrator.Outcome{
		Status: orchestrator.OutcomeCompleted,
		Answer: "Here's your summary.",
	}}
	replier := &fakeReplier{}
	p := newTestPoller([]string{"Boss@Example.com"}, disp, replier)

	p.handle(context.Background(), inbound{
		uid:     imap.UID(7),
		from:    "boss@example.com",
		subject: "Summarize the report",
		body:    "The Q3 report, please.",
	})

	if len(disp.subs) != 1 {
		t.Fatalf("got %d submissions, want 1", len(disp.subs))
	}
	sub := disp.subs[0]
	if sub.Channel != "email" || sub.UserID != "boss@example.com" {
		t.Errorf("submission = %+v", sub)
	}
	if !strings.Contains(sub.Message, "Summarize the report") || !strings.Contains(sub.Message, "Q3 report") {
		t.Errorf("prompt missing subject or body: %q", sub.Message)
	}

	if len(replier.to) != 1 || replier.to[0] != "boss@example.com" {
		t.Fatalf("reply recipients = %v", replier.to)
	}
	if replier.subject[0] != "Re: Summarize the report" {
		t.Errorf("reply subject = %q", replier.subject[0])
	}
	if replier.body[0] != "Here's your summary." {
		t.Errorf("reply body = %q", replier.body[0])
	}
}

func TestHandleUntrustedSenderDropped(t *testing.T) {
	disp := &fakeDispatcher{out: &orchestrator.Outcome{Status: orchestrator.OutcomeCompleted}}
	replier := &fakeReplier{}
	p := newTestPoller([]string{"boss@example.com"}, disp, replier)

	p.handle(context.Background(), inbound{
		from:    "stranger@evil.example",
		subject: "rm -rf everything",
	})

	if len(disp.subs) != 0 {
		t.Error("untrusted message reached the dispatcher")
	}
	if len(replier.to) != 0 {
		t.Error("untrusted sender got a reply")
	}
}

func TestHandleEmptyTrustListDropsEverything(t *testing.T) {
	disp := &fakeDispatcher{out: &orchestrator.Outcome{Status: orchestrator.OutcomeCompleted}}
	p := newTestPoller(nil, disp, &fakeReplier{})

	p.handle(context.Background(), inbound{from: "anyone@example.com", subject: "hello"})

	if len(disp.subs) != 0 {
		t.Error("message processed with empty trust list")
	}
}

func TestExtractTextPlainMessage(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: test\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Just the body.\r\n"

	got := extractText([]byte(raw))
	if strings.TrimSpace(got) != "Just the body." {
		t.Errorf("extractText = %q", got)
	}
}

func TestExtractTextMultipart(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Subject: test\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html version</p>\r\n" +
		"--BOUND--\r\n"

	got := extractText([]byte(raw))
	if strings.TrimSpace(got) != "plain version" {
		t.Errorf("extractText = %q", got)
	}
}

func TestExtractTextGarbage(t *testing.T) {
	if got := extractText([]byte("not an email at all")); got != "" {
		t.Errorf("extractText on garbage = %q, want empty", got)
	}
}
