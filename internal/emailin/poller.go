// Package emailin is the email channel adapter: it polls an IMAP
// inbox for unseen messages from trusted senders, runs each one as a
// task, and replies with the outcome over SMTP.
package emailin

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/orionhq/orion/internal/orchestrator"
)

// maxBodySize bounds how much of a message body is read.
const maxBodySize = 64 * 1024

// handleTimeout bounds processing of a single inbound message.
const handleTimeout = 5 * time.Minute

// Config holds the IMAP account and polling behavior.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string

	// TrustedSenders lists addresses allowed to submit tasks. Empty
	// means nobody: an open inbox that executes arbitrary email is
	// not a sensible default.
	TrustedSenders []string

	Interval time.Duration
}

// Dispatcher submits inbound messages as tasks. Implemented by
// orchestrator.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error)
}

// Replier sends the outcome back to the sender. Implemented by
// notify.Email.
type Replier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// inbound is one parsed unseen message.
type inbound struct {
	uid     imap.UID
	from    string
	subject string
	body    string
}

// Poller drives the email channel.
type Poller struct {
	cfg        Config
	dispatcher Dispatcher
	replier    Replier
	logger     *slog.Logger
	trusted    map[string]bool
}

// NewPoller creates an email channel poller.
func NewPoller(cfg Config, dispatcher Dispatcher, replier Replier, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	trusted := make(map[string]bool, len(cfg.TrustedSenders))
	for _, s := range cfg.TrustedSenders {
		trusted[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Poller{
		cfg:        cfg,
		dispatcher: dispatcher,
		replier:    replier,
		logger:     logger,
		trusted:    trusted,
	}
}

// Run polls on the configured interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("email poller started", "host", p.cfg.Host, "interval", p.cfg.Interval)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil {
			p.logger.Warn("email poll failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.logger.Info("email poller stopped")
			return ctx.Err()
		}
	}
}

// Poll runs one sweep: fetch unseen messages, process the trusted
// ones, and mark everything seen so the next sweep starts clean.
func (p *Poller) Poll(ctx context.Context) error {
	client, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	messages, err := fetchUnseen(client)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	var processed imap.UIDSet
	for _, m := range messages {
		processed.AddNum(m.uid)
		p.handle(ctx, m)
	}
	return markSeen(client, processed)
}

func (p *Poller) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(p.cfg.Host, fmt.Sprintf("%d", p.cfg.Port))

	var opts imapclient.Options
	var client *imapclient.Client
	var err error
	if p.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: p.cfg.Host}
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(p.cfg.Username, p.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("login as %s: %w", p.cfg.Username, err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select INBOX: %w", err)
	}
	return client, nil
}

// handle runs one trusted message as a task and replies with the
// outcome. Untrusted senders are logged and dropped.
func (p *Poller) handle(ctx context.Context, m inbound) {
	if !p.trusted[strings.ToLower(m.from)] {
		p.logger.Warn("ignoring email from untrusted sender", "from", m.from, "subject", m.subject)
		return
	}

	prompt := m.subject
	if body := strings.TrimSpace(m.body); body != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += body
	}
	if prompt == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	out, err := p.dispatcher.Submit(ctx, orchestrator.Submission{
		UserID:  strings.ToLower(m.from),
		Channel: "email",
		Message: prompt,
	})
	if err != nil {
		p.logger.Error("email task failed", "from", m.from, "error", err)
		return
	}

	subject := "Re: " + m.subject
	if m.subject == "" {
		subject = "Your request"
	}
	if err := p.replier.Send(ctx, m.from, subject, out.Answer); err != nil {
		p.logger.Error("email reply failed", "to", m.from, "error", err)
	}
}

// fetchUnseen searches the selected mailbox for unseen messages and
// fetches their envelopes and bodies.
func fetchUnseen(client *imapclient.Client) ([]inbound, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true}, // seen is set explicitly after processing
		},
	}
	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var results []inbound
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var m inbound
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				m.uid = data.UID
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					m.subject = data.Envelope.Subject
					if len(data.Envelope.From) > 0 {
						a := data.Envelope.From[0]
						m.from = a.Mailbox + "@" + a.Host
					}
				}
			case imapclient.FetchItemDataBodySection:
				// Literals stream from the connection; read now or
				// lose them when Next advances.
				if data.Literal == nil {
					continue
				}
				raw, err := io.ReadAll(io.LimitReader(data.Literal, maxBodySize))
				_, _ = io.Copy(io.Discard, data.Literal)
				if err == nil {
					m.body = extractText(raw)
				}
			}
		}
		results = append(results, m)
	}
	return results, nil
}

// extractText pulls the first text/plain part out of a raw RFC 5322
// message. Charset problems are tolerated: go-message can return both
// a usable reader and an error for unknown charsets.
func extractText(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	if mr == nil {
		return ""
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return ""
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return ""
		}
		if part == nil {
			continue
		}
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if ct == "text/plain" || ct == "" {
				body, err := io.ReadAll(io.LimitReader(part.Body, maxBodySize))
				if err != nil {
					return ""
				}
				return string(body)
			}
		}
	}
}

func markSeen(client *imapclient.Client, uids imap.UIDSet) error {
	storeCmd := client.Store(uids, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}
