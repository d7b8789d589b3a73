// Package notify delivers task outcomes to the user over whatever
// channels are configured. Channels are independent: one failing
// channel never blocks the others, and delivery counts as success if
// any channel got the message through.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Notifier delivers one message to one user over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, userID, message string) error
}

// Fanout broadcasts to every registered notifier.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFanout creates a fanout over the given notifiers.
func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{notifiers: notifiers, logger: logger}
}

// Add registers another notifier.
func (f *Fanout) Add(n Notifier) {
	f.notifiers = append(f.notifiers, n)
}

// Notify sends the message on every channel. Failures are logged per
// channel; the call returns nil if at least one channel succeeded, and
// the joined errors only when every channel failed.
func (f *Fanout) Notify(ctx context.Context, userID, message string) error {
	if len(f.notifiers) == 0 {
		return errors.New("no notification channels configured")
	}

	var errs []error
	delivered := 0
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, userID, message); err != nil {
			f.logger.Warn("notification channel failed",
				"channel", n.Name(),
				"user_id", userID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
