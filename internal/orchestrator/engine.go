// Package orchestrator runs tasks through the worker/evaluator loop
// and routes submissions from every channel through one dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orionhq/orion/internal/backend"
	"github.com/orionhq/orion/internal/capability"
	"github.com/orionhq/orion/internal/memory"
)

// DefaultCriteria is applied when a submission carries no explicit
// success criteria.
const DefaultCriteria = "The answer should be clear and accurate"

// Task is one unit of work for the engine.
type Task struct {
	ID              string
	UserID          string
	Channel         string
	Message         string
	SuccessCriteria string
	SubmittedAt     time.Time
}

// Result is the engine's terminal output for a task.
type Result struct {
	Answer         string
	CriteriaMet    bool
	NeedsUserInput bool
	Rounds         int
}

// Backend is the decision backend surface the engine needs.
type Backend interface {
	Propose(ctx context.Context, transcript []backend.Message, criteria, feedback string, tools []map[string]any) (*backend.Proposal, error)
	Evaluate(ctx context.Context, transcript []backend.Message, criteria, priorFeedback string) (*backend.Verdict, error)
}

// Invoker executes capabilities by name.
type Invoker interface {
	Invoke(ctx context.Context, name, argsJSON string) (string, error)
	Specs() []map[string]any
}

// Governor gates backend calls.
type Governor interface {
	Acquire(ctx context.Context) error
}

// Memory is the conversation store surface the engine needs.
type Memory interface {
	Append(ctx context.Context, userID, channel, role, content string) error
	History(ctx context.Context, userID, channel string, limit int) ([]memory.Message, error)
}

// EngineConfig holds the engine's dependencies.
type EngineConfig struct {
	Backend   Backend
	Caps      Invoker
	Governor  Governor
	Memory    Memory
	MaxRounds int
	Logger    *slog.Logger
}

// Engine drives the worker/evaluator state machine.
type Engine struct {
	backend   Backend
	caps      Invoker
	governor  Governor
	memory    Memory
	maxRounds int
	logger    *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:   cfg.Backend,
		caps:      cfg.Caps,
		governor:  cfg.Governor,
		memory:    cfg.Memory,
		maxRounds: maxRounds,
		logger:    logger,
	}
}

// NewTaskID returns a time-ordered unique task ID.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Run executes one task to completion. The loop alternates worker
// proposals and capability execution until the worker produces a text
// answer, then the evaluator decides: criteria met or user input
// needed ends the run; rejection feeds the evaluator's feedback back
// into the next worker round. Hitting the round cap ends the run as
// needing user input. Backend errors abort the run for the dispatcher
// to classify.
func (e *Engine) Run(ctx context.Context, task *Task) (*Result, error) {
	criteria := task.SuccessCriteria
	if criteria == "" {
		criteria = DefaultCriteria
	}

	transcript, err := e.priorTurns(ctx, task)
	if err != nil {
		e.logger.Warn("history unavailable, starting fresh",
			"task_id", task.ID, "error", err)
	}
	transcript = append(transcript, backend.Message{Role: "user", Content: task.Message})

	var (
		feedback string
		answer   string
	)
	result := &Result{}

	for result.Rounds < e.maxRounds {
		result.Rounds++

		if err := e.governor.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire for worker: %w", err)
		}
		proposal, err := e.backend.Propose(ctx, transcript, criteria, feedback, e.caps.Specs())
		if err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
		transcript = append(transcript, proposal.Message)

		if len(proposal.Invocations) > 0 {
			transcript = append(transcript, e.execute(ctx, task, proposal.Invocations)...)
			continue
		}

		answer = proposal.Text

		if err := e.governor.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire for evaluator: %w", err)
		}
		verdict, err := e.backend.Evaluate(ctx, transcript, criteria, feedback)
		if err != nil {
			return nil, fmt.Errorf("evaluator: %w", err)
		}

		transcript = append(transcript, backend.Message{
			Role:    "assistant",
			Content: "Evaluator Feedback on this answer: " + verdict.Feedback,
		})
		feedback = verdict.Feedback

		if verdict.SuccessCriteriaMet || verdict.UserInputNeeded {
			result.Answer = answer
			result.CriteriaMet = verdict.SuccessCriteriaMet
			result.NeedsUserInput = verdict.UserInputNeeded
			e.persist(ctx, task, result.Answer)
			return result, nil
		}

		e.logger.Debug("answer rejected, continuing",
			"task_id", task.ID,
			"round", result.Rounds,
			"feedback", feedback,
		)
	}

	// Round budget exhausted. Surface what we have and ask the user to
	// steer rather than burn more backend calls.
	result.NeedsUserInput = true
	if answer != "" {
		result.Answer = fmt.Sprintf("I wasn't able to fully satisfy the assignment after %d rounds. My best answer so far:\n\n%s", result.Rounds, answer)
	} else {
		result.Answer = fmt.Sprintf("I wasn't able to complete this after %d rounds. Could you clarify or simplify the request?", result.Rounds)
	}
	e.persist(ctx, task, result.Answer)
	return result, nil
}

// execute runs one batch of capability invocations, producing one
// result turn per invocation. Failures become result text for the
// worker to react to rather than aborting the run.
func (e *Engine) execute(ctx context.Context, task *Task, invocations []backend.ToolCall) []backend.Message {
	ctx = capability.WithUser(ctx, task.UserID)
	turns := make([]backend.Message, 0, len(invocations))
	for _, inv := range invocations {
		output, err := e.caps.Invoke(ctx, inv.Function.Name, inv.Function.Arguments)
		switch {
		case err == nil:
			// keep output as-is
		default:
			var unknown *capability.ErrUnknown
			if errors.As(err, &unknown) {
				output = fmt.Sprintf("Error: capability %q does not exist. Use only the listed tools.", inv.Function.Name)
			} else {
				output = "Error: " + err.Error()
			}
			e.logger.Warn("capability failed",
				"task_id", task.ID,
				"capability", inv.Function.Name,
				"error", err,
			)
		}
		turns = append(turns, backend.Message{
			Role:       "tool",
			Content:    output,
			ToolCallID: inv.ID,
		})
	}
	return turns
}

// priorTurns loads the recent conversation window as transcript turns.
func (e *Engine) priorTurns(ctx context.Context, task *Task) ([]backend.Message, error) {
	if e.memory == nil {
		return nil, nil
	}
	history, err := e.memory.History(ctx, task.UserID, task.Channel, 0)
	if err != nil {
		return nil, err
	}
	turns := make([]backend.Message, 0, len(history))
	for _, m := range history {
		turns = append(turns, backend.Message{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// persist stores the user/assistant pair. The working transcript
// (tool turns, evaluator feedback) is deliberately not persisted.
func (e *Engine) persist(ctx context.Context, task *Task, answer string) {
	if e.memory == nil {
		return
	}
	if err := e.memory.Append(ctx, task.UserID, task.Channel, "user", task.Message); err != nil {
		e.logger.Warn("persist user turn failed", "task_id", task.ID, "error", err)
		return
	}
	if err := e.memory.Append(ctx, task.UserID, task.Channel, "assistant", answer); err != nil {
		e.logger.Warn("persist assistant turn failed", "task_id", task.ID, "error", err)
	}
}
