// Package sweeper runs the background maintenance loop: probing
// backend availability, replaying due retries, draining the pending
// queue once the backend is back, and expiring old records.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/orionhq/orion/internal/orchestrator"
	"github.com/orionhq/orion/internal/queue"
)

// batchSize bounds how many queue rows one pass claims.
const batchSize = 10

// staleClaim is how long a row may sit in_progress before a later pass
// assumes its claimant died and releases it.
const staleClaim = 15 * time.Minute

// Dispatcher submits replayed requests. Implemented by
// orchestrator.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error)
}

// Queues is the queue-store surface the sweeper needs.
type Queues interface {
	Status(ctx context.Context) (*queue.BotStatus, error)
	SetStatus(ctx context.Context, status, errMsg string) error
	DueRetries(ctx context.Context, limit int) ([]queue.RetryRequest, error)
	RecordAttempt(ctx context.Context, id int64, success bool, errMsg string) (bool, error)
	DuePending(ctx context.Context, limit int) ([]queue.PendingRequest, error)
	MarkProcessed(ctx context.Context, id int64, response string) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	ReleasePending(ctx context.Context, id int64) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	ClearOld(ctx context.Context, retention time.Duration) (int64, error)
}

// Notifier delivers outcomes to users. Implemented by notify.Fanout.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// Config holds the sweeper's dependencies and tuning.
type Config struct {
	Dispatcher Dispatcher
	Queues     Queues
	Notifier   Notifier
	Ping       func(ctx context.Context) error // backend health probe

	Interval  time.Duration // time between passes
	Pause     time.Duration // delay between processed records
	Retention time.Duration // terminal record retention
	Logger    *slog.Logger
}

// Sweeper is the background maintenance loop.
type Sweeper struct {
	dispatcher Dispatcher
	queues     Queues
	notifier   Notifier
	ping       func(ctx context.Context) error
	interval   time.Duration
	pause      time.Duration
	retention  time.Duration
	logger     *slog.Logger
}

// New creates a sweeper.
func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	pause := cfg.Pause
	if pause <= 0 {
		pause = 2 * time.Second
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		dispatcher: cfg.Dispatcher,
		queues:     cfg.Queues,
		notifier:   cfg.Notifier,
		ping:       cfg.Ping,
		interval:   interval,
		pause:      pause,
		retention:  retention,
		logger:     logger,
	}
}

// Run executes passes on the configured interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.probe(ctx)

	if n, err := s.queues.ReclaimStale(ctx, staleClaim); err != nil {
		s.logger.Warn("reclaim stale claims failed", "error", err)
	} else if n > 0 {
		s.logger.Info("reclaimed orphaned queue rows", "count", n)
	}

	s.processRetries(ctx)
	s.drainPending(ctx)

	if n, err := s.queues.ClearOld(ctx, s.retention); err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("expired old queue records", "removed", n)
	}
}

// probe checks backend health and records the availability transition.
func (s *Sweeper) probe(ctx context.Context) {
	if s.ping == nil {
		return
	}
	prev, err := s.queues.Status(ctx)
	if err != nil {
		s.logger.Warn("read availability failed", "error", err)
		return
	}

	if err := s.ping(ctx); err != nil {
		if prev.Status != queue.BotOffline {
			s.logger.Warn("backend went offline", "error", err)
		}
		if serr := s.queues.SetStatus(ctx, queue.BotOffline, err.Error()); serr != nil {
			s.logger.Warn("set status failed", "error", serr)
		}
		return
	}

	if prev.Status != queue.BotOnline {
		s.logger.Info("backend is online")
	}
	if serr := s.queues.SetStatus(ctx, queue.BotOnline, ""); serr != nil {
		s.logger.Warn("set status failed", "error", serr)
	}
}

// processRetries replays due retry requests and records each attempt.
// The user hears about successes and about permanent exhaustion, not
// about intermediate failures.
func (s *Sweeper) processRetries(ctx context.Context) {
	due, err := s.queues.DueRetries(ctx, batchSize)
	if err != nil {
		s.logger.Error("claim due retries failed", "error", err)
		return
	}

	for i, r := range due {
		if i > 0 && !sleepCtx(ctx, s.pause) {
			return
		}

		out, err := s.dispatcher.Submit(ctx, orchestrator.Submission{
			UserID:  r.UserID,
			Channel: r.Channel,
			Message: r.Message,
			Replay:  true,
		})
		if err != nil {
			s.logger.Error("retry submit failed", "retry_id", r.ID, "error", err)
			if _, rerr := s.queues.RecordAttempt(ctx, r.ID, false, err.Error()); rerr != nil {
				s.logger.Error("record attempt failed", "retry_id", r.ID, "error", rerr)
			}
			continue
		}

		success := out.Status == orchestrator.OutcomeCompleted
		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
		}
		final, err := s.queues.RecordAttempt(ctx, r.ID, success, errMsg)
		if err != nil {
			s.logger.Error("record attempt failed", "retry_id", r.ID, "error", err)
			continue
		}

		switch {
		case success:
			s.logger.Info("retry succeeded", "retry_id", r.ID, "attempts", r.RetryCount+1)
			s.notify(ctx, r.UserID, out.Answer)
		case final:
			s.logger.Warn("retry exhausted", "retry_id", r.ID, "error", errMsg)
			s.notify(ctx, r.UserID,
				"I'm sorry, I still couldn't complete your earlier request: "+r.Message)
		default:
			s.logger.Info("retry rescheduled", "retry_id", r.ID, "error", errMsg)
		}
	}
}

// drainPending replays requests held while offline, oldest and highest
// priority first. Stops at the first sign the backend is gone again.
func (s *Sweeper) drainPending(ctx context.Context) {
	status, err := s.queues.Status(ctx)
	if err != nil || status.Status != queue.BotOnline {
		return
	}

	due, err := s.queues.DuePending(ctx, batchSize)
	if err != nil {
		s.logger.Error("claim due pending failed", "error", err)
		return
	}

	for i, p := range due {
		if i > 0 && !sleepCtx(ctx, s.pause) {
			return
		}

		out, err := s.dispatcher.Submit(ctx, orchestrator.Submission{
			UserID:  p.UserID,
			Channel: p.Channel,
			Message: p.Message,
			Replay:  true,
		})
		if err != nil {
			s.logger.Error("pending submit failed", "pending_id", p.ID, "error", err)
			if rerr := s.queues.ReleasePending(ctx, p.ID); rerr != nil {
				s.logger.Error("release pending failed", "pending_id", p.ID, "error", rerr)
			}
			continue
		}

		switch out.Status {
		case orchestrator.OutcomeCompleted:
			if err := s.queues.MarkProcessed(ctx, p.ID, out.Answer); err != nil {
				s.logger.Error("mark processed failed", "pending_id", p.ID, "error", err)
			}
			s.notify(ctx, p.UserID, out.Answer)
		case orchestrator.OutcomeRetryQueued:
			// Backend dropped again mid-drain. Put the request back and
			// let a later pass pick it up.
			if err := s.queues.ReleasePending(ctx, p.ID); err != nil {
				s.logger.Error("release pending failed", "pending_id", p.ID, "error", err)
			}
			return
		default:
			if err := s.queues.MarkFailed(ctx, p.ID, out.Answer); err != nil {
				s.logger.Error("mark failed failed", "pending_id", p.ID, "error", err)
			}
			s.notify(ctx, p.UserID, out.Answer)
		}
	}
}

func (s *Sweeper) notify(ctx context.Context, userID, message string) {
	if s.notifier == nil || message == "" {
		return
	}
	if err := s.notifier.Notify(ctx, userID, message); err != nil {
		s.logger.Warn("notify failed", "user_id", userID, "error", err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
