package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orionhq/orion/internal/memory"
	"github.com/orionhq/orion/internal/orchestrator"
	"github.com/orionhq/orion/internal/queue"
)

// handleTimeout bounds how long a single inbound message may be
// processed (worker loop + response send).
const handleTimeout = 5 * time.Minute

// pollTimeout is the server-side long-poll wait.
const pollTimeout = 50 * time.Second

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// Dispatcher submits inbound messages as tasks. Implemented by
// orchestrator.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error)
}

// Memory is the conversation-store surface the bot commands need.
type Memory interface {
	Clear(ctx context.Context, userID, channel string) (int64, error)
	UserContext(ctx context.Context, userID string) (*memory.UserContext, error)
}

// Queues is the queue-store surface the /status command needs.
type Queues interface {
	Status(ctx context.Context) (*queue.BotStatus, error)
	QueueStats(ctx context.Context) (*queue.Stats, error)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client     *Client
	Dispatcher Dispatcher
	Memory     Memory
	Queues     Queues
	Logger     *slog.Logger
	AllowedIDs []int64 // empty allows everyone
	RateLimit  int     // per sender per minute; 0 = unlimited
}

// Bridge long-polls the Bot API, routes messages through the
// dispatcher, and sends outcomes back to the chat.
type Bridge struct {
	client     *Client
	dispatcher Dispatcher
	mem        Memory
	queues     Queues
	logger     *slog.Logger
	allowed    map[int64]bool
	rateLimit  int

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time

	wg sync.WaitGroup
}

// NewBridge creates a Telegram message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[int64]bool
	if len(cfg.AllowedIDs) > 0 {
		allowed = make(map[int64]bool, len(cfg.AllowedIDs))
		for _, id := range cfg.AllowedIDs {
			allowed[id] = true
		}
	}
	return &Bridge{
		client:      cfg.Client,
		dispatcher:  cfg.Dispatcher,
		mem:         cfg.Memory,
		queues:      cfg.Queues,
		logger:      logger,
		allowed:     allowed,
		rateLimit:   cfg.RateLimit,
		senderTimes: make(map[string][]time.Time),
	}
}

// Run long-polls until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("telegram bridge started")
	var offset int64

	for {
		updates, err := b.client.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.wg.Wait()
				b.logger.Info("telegram bridge stopped")
				return ctx.Err()
			}
			b.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				b.wg.Wait()
				return ctx.Err()
			}
			continue
		}

		// Handle each update on its own goroutine: one long-running
		// task must not stall other chats or the poll offset.
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.wg.Add(1)
			go func(u Update) {
				defer b.wg.Done()
				b.handleUpdate(ctx, u)
			}(u)
		}
	}
}

func (b *Bridge) handleUpdate(ctx context.Context, u Update) {
	if u.Message == nil || u.Message.Text == "" {
		return
	}
	msg := u.Message
	chatID := msg.Chat.ID
	userID := strconv.FormatInt(chatID, 10)

	if b.allowed != nil && (msg.From == nil || !b.allowed[msg.From.ID]) {
		var from int64
		if msg.From != nil {
			from = msg.From.ID
		}
		b.logger.Warn("rejected message from unauthorized user", "user", from, "chat", chatID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if strings.HasPrefix(msg.Text, "/") {
		b.handleCommand(ctx, chatID, userID, msg.Text)
		return
	}

	if !b.allowSender(userID) {
		b.reply(ctx, chatID, "You're sending messages too quickly. Give me a moment to catch up.")
		return
	}

	if err := b.client.SendTyping(ctx, chatID); err != nil {
		b.logger.Debug("typing action failed", "chat", chatID, "error", err)
	}

	out, err := b.dispatcher.Submit(ctx, orchestrator.Submission{
		UserID:  userID,
		Channel: "telegram",
		Message: msg.Text,
	})
	if err != nil {
		b.logger.Error("task submit failed", "user", userID, "error", err)
		b.reply(ctx, chatID, "Something went wrong handling that request.")
		return
	}
	b.reply(ctx, chatID, out.Answer)
}

func (b *Bridge) handleCommand(ctx context.Context, chatID int64, userID, text string) {
	command, _, _ := strings.Cut(text, " ")
	switch command {
	case "/start", "/help":
		b.reply(ctx, chatID, welcomeText)
	case "/status":
		b.reply(ctx, chatID, b.statusText(ctx, userID))
	case "/clear":
		if _, err := b.mem.Clear(ctx, userID, "telegram"); err != nil {
			b.logger.Error("clear history failed", "user", userID, "error", err)
			b.reply(ctx, chatID, "Couldn't clear your history, sorry.")
			return
		}
		b.reply(ctx, chatID, "Conversation history cleared.")
	default:
		b.reply(ctx, chatID, fmt.Sprintf("Unknown command: %s", command))
	}
}

const welcomeText = `Hi, I'm Orion, your personal assistant.

Send me a request in plain language and I'll work on it: research,
reminders, calendar, email, and more. If I'm temporarily offline your
request is queued and answered as soon as I'm back.

Commands:
/status - bot and queue status
/clear - clear your conversation memory
/help - this message`

// statusText builds the /status reply from the availability row, queue
// depths, and the user's own stats.
func (b *Bridge) statusText(ctx context.Context, userID string) string {
	var sb strings.Builder
	sb.WriteString("Orion status\n\n")

	status, err := b.queues.Status(ctx)
	if err != nil {
		return "Status is unavailable right now."
	}
	sb.WriteString("Bot: " + status.Status + "\n")
	if status.ErrorMessage != "" {
		sb.WriteString("Last error: " + status.ErrorMessage + "\n")
	}

	if stats, err := b.queues.QueueStats(ctx); err == nil {
		fmt.Fprintf(&sb, "Queued requests: %d\nPending retries: %d\n",
			stats.PendingWaiting, stats.RetryPending)
	}

	if uc, err := b.mem.UserContext(ctx, userID); err == nil && uc != nil {
		fmt.Fprintf(&sb, "\nYour messages: %d\n", uc.TotalMessages)
	}

	return sb.String()
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := b.client.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Error("send reply failed", "chat", chatID, "error", err)
	}
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
