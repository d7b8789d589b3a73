package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/orionhq/orion/internal/backend"
	"github.com/orionhq/orion/internal/queue"
)

// Outcome statuses returned by Submit.
const (
	OutcomeCompleted   = "completed"
	OutcomeQueued      = "queued"       // held while the backend is offline
	OutcomeRetryQueued = "retry_queued" // transient failure, parked for retry
	OutcomeFailed      = "failed"
)

// User-facing acknowledgements. Raw internal errors never reach the
// user.
const (
	queuedAck = "I'm temporarily offline, but I've saved your request and will answer as soon as I'm back."
	retryAck  = "I hit a temporary problem handling that. I've queued your request and will retry shortly."
	failedMsg = "Sorry, I wasn't able to complete that request."
)

// Submission is one inbound request from any channel.
type Submission struct {
	UserID          string
	Channel         string
	Message         string
	SuccessCriteria string
	Priority        int

	// Replay marks a submission that came out of a queue. Replays skip
	// the availability gate and are not re-enqueued on failure; the
	// queue that produced them owns rescheduling.
	Replay bool
}

// Outcome is the dispatcher's answer to a submission.
type Outcome struct {
	Status string
	Answer string
	Result *Result // set when Status is completed
	Err    error   // the underlying failure, for queue bookkeeping
}

// Runner runs a task. Implemented by Engine.
type Runner interface {
	Run(ctx context.Context, task *Task) (*Result, error)
}

// QueueStore is the queue surface the dispatcher needs.
type QueueStore interface {
	Status(ctx context.Context) (*queue.BotStatus, error)
	SetStatus(ctx context.Context, status, errMsg string) error
	EnqueuePending(ctx context.Context, userID, channel, message string, priority int) (int64, error)
	EnqueueRetry(ctx context.Context, userID, channel, message, errMsg string) (int64, error)
}

// Dispatcher is the single submission path shared by the channel
// adapters, the sweeper, and the pending replayer.
type Dispatcher struct {
	runner Runner
	queues QueueStore
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(runner Runner, queues QueueStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{runner: runner, queues: queues, logger: logger}
}

// Submit routes one request. While the backend is marked offline, new
// requests go straight to the pending queue. Otherwise the engine
// runs; success flips availability online, a transient failure parks
// the request for retry and flips availability offline, and a
// permanent failure produces a user-facing failure message.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	if !sub.Replay {
		if status, err := d.queues.Status(ctx); err != nil {
			d.logger.Warn("availability check failed", "error", err)
		} else if status.Status == queue.BotOffline && !status.LastCheck.IsZero() {
			id, err := d.queues.EnqueuePending(ctx, sub.UserID, sub.Channel, sub.Message, sub.Priority)
			if err != nil {
				return nil, err
			}
			d.logger.Info("request held while offline",
				"pending_id", id, "user_id", sub.UserID, "channel", sub.Channel)
			return &Outcome{Status: OutcomeQueued, Answer: queuedAck}, nil
		}
	}

	task := &Task{
		ID:              NewTaskID(),
		UserID:          sub.UserID,
		Channel:         sub.Channel,
		Message:         sub.Message,
		SuccessCriteria: sub.SuccessCriteria,
		SubmittedAt:     time.Now(),
	}

	result, err := d.runner.Run(ctx, task)
	if err == nil {
		if serr := d.queues.SetStatus(ctx, queue.BotOnline, ""); serr != nil {
			d.logger.Warn("set status online failed", "error", serr)
		}
		return &Outcome{Status: OutcomeCompleted, Answer: result.Answer, Result: result}, nil
	}

	if backend.IsTransient(err) {
		d.logger.Warn("task hit transient failure",
			"task_id", task.ID, "channel", sub.Channel, "error", err)
		if serr := d.queues.SetStatus(ctx, queue.BotOffline, err.Error()); serr != nil {
			d.logger.Warn("set status offline failed", "error", serr)
		}
		if !sub.Replay {
			if _, qerr := d.queues.EnqueueRetry(ctx, sub.UserID, sub.Channel, sub.Message, err.Error()); qerr != nil {
				d.logger.Error("retry enqueue failed", "task_id", task.ID, "error", qerr)
			}
		}
		return &Outcome{Status: OutcomeRetryQueued, Answer: retryAck, Err: err}, nil
	}

	d.logger.Error("task failed permanently",
		"task_id", task.ID, "channel", sub.Channel, "error", err)
	return &Outcome{Status: OutcomeFailed, Answer: failedMsg, Err: err}, nil
}
