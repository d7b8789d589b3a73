package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orionhq/orion/internal/capability"
	"github.com/orionhq/orion/internal/orchestrator"
)

// fireTimeout bounds one scheduled run end to end.
const fireTimeout = 5 * time.Minute

// DefaultUser owns tasks created without an explicit user, such as
// recurring jobs from config.
const DefaultUser = "scheduler"

// Dispatcher submits fired prompts. Implemented by
// orchestrator.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error)
}

// Notifier delivers run results back to the task owner. Optional.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// Service arms a timer per enabled task and submits each fired
// command through the dispatcher on the "schedule" channel.
type Service struct {
	logger     *slog.Logger
	store      *Store
	dispatcher Dispatcher
	notifier   Notifier

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a schedule service. notifier may be nil.
func New(logger *slog.Logger, store *Store, dispatcher Dispatcher, notifier Notifier) *Service {
	return &Service{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		timers:     make(map[string]*time.Timer),
	}
}

// Start loads enabled tasks, catches up runs missed while down, and
// arms a timer for each.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	missed, err := s.store.Due(ctx)
	if err != nil {
		return fmt.Errorf("load missed tasks: %w", err)
	}
	for _, t := range missed {
		s.logger.Info("catching up missed task", "id", t.ID, "name", t.Name, "due", t.NextRun)
		s.runTask(t)
	}

	tasks, err := s.store.List(ctx, true)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		s.armTimer(t)
	}

	s.logger.Info("schedule service started", "tasks", len(tasks), "caught_up", len(missed))
	return nil
}

// Stop cancels all timers and waits for in-flight runs.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("schedule service stopped")
}

// Add persists a task and arms its timer. Used for recurring jobs
// defined in config.
func (s *Service) Add(ctx context.Context, t *Task) error {
	if t.UserID == "" {
		t.UserID = DefaultUser
	}
	t.Enabled = true
	if err := s.store.Create(ctx, t); err != nil {
		return err
	}
	s.armTimer(t)
	s.logger.Info("task added", "id", t.ID, "name", t.Name, "frequency", t.Frequency, "next", t.NextRun)
	return nil
}

// Schedule creates a one-shot task firing at when. Implements the
// schedule_task capability.
func (s *Service) Schedule(ctx context.Context, name string, when time.Time, prompt string) (string, error) {
	t := &Task{
		Name:      name,
		Command:   prompt,
		UserID:    userFrom(ctx),
		Frequency: FreqOnce,
		Enabled:   true,
		NextRun:   when,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return "", err
	}
	s.armTimer(t)
	s.logger.Info("task scheduled", "id", t.ID, "name", name, "when", when)
	return t.ID, nil
}

// List returns pending tasks. Implements the list_scheduled_tasks
// capability.
func (s *Service) List(ctx context.Context) ([]capability.ScheduledTask, error) {
	tasks, err := s.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]capability.ScheduledTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, capability.ScheduledTask{
			ID:     t.ID,
			Name:   t.Name,
			When:   t.NextRun,
			Prompt: t.Command,
		})
	}
	return out, nil
}

// Cancel removes a task. Implements the cancel_scheduled_task
// capability.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.cancelTimer(id)
	return s.store.Delete(ctx, id)
}

// armTimer sets (or replaces) the timer for a task's next fire.
func (s *Service) armTimer(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	delay := time.Until(t.NextRun)
	if delay < 0 {
		delay = 0
	}

	if timer, ok := s.timers[t.ID]; ok {
		timer.Stop()
	}
	s.timers[t.ID] = time.AfterFunc(delay, func() {
		s.onFire(t.ID)
	})
}

func (s *Service) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// onFire runs when a task's timer expires.
func (s *Service) onFire(id string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("load fired task", "id", id, "error", err)
		return
	}
	if !t.Enabled {
		return
	}

	s.runTask(t)

	// Re-read: runTask advanced next_run for recurring tasks.
	if t, err := s.store.Get(ctx, id); err == nil && t.Enabled {
		s.armTimer(t)
	}
}

// runTask submits the task's command and records the outcome.
func (s *Service) runTask(t *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	s.logger.Info("running scheduled task", "id", t.ID, "name", t.Name)

	out, err := s.dispatcher.Submit(ctx, orchestrator.Submission{
		UserID:  t.UserID,
		Channel: "schedule",
		Message: t.Command,
	})

	status, result := RunOK, ""
	switch {
	case err != nil:
		status, result = RunFailed, err.Error()
	case out.Status == orchestrator.OutcomeCompleted:
		result = out.Answer
	default:
		status, result = RunFailed, out.Answer
	}

	if err := s.store.MarkRun(ctx, t, status, result); err != nil {
		s.logger.Error("record task run", "id", t.ID, "error", err)
	}

	if status == RunFailed {
		s.logger.Warn("scheduled task failed", "id", t.ID, "name", t.Name, "result", result)
	}

	if s.notifier != nil && t.UserID != DefaultUser && result != "" {
		msg := result
		if status == RunFailed {
			msg = fmt.Sprintf("Scheduled task %q did not complete: %s", t.Name, result)
		}
		if err := s.notifier.Notify(ctx, t.UserID, msg); err != nil {
			s.logger.Warn("notify task owner", "id", t.ID, "user", t.UserID, "error", err)
		}
	}
}

// userFrom resolves the owner for a worker-scheduled task from the
// engine-tagged invocation context.
func userFrom(ctx context.Context) string {
	if u := capability.UserFrom(ctx); u != "" {
		return u
	}
	return DefaultUser
}
