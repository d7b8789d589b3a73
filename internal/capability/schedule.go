package capability

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ScheduledTask describes one pending scheduled prompt.
type ScheduledTask struct {
	ID     string
	Name   string
	When   time.Time
	Prompt string
}

// Scheduler manages future prompt execution. Implemented by the
// schedule service.
type Scheduler interface {
	Schedule(ctx context.Context, name string, when time.Time, prompt string) (string, error)
	List(ctx context.Context) ([]ScheduledTask, error)
	Cancel(ctx context.Context, id string) error
}

// SetScheduler registers the task scheduling capabilities.
func (r *Registry) SetScheduler(s Scheduler) {
	r.Register(&Capability{
		Name:        "schedule_task",
		Description: "Schedule a prompt to run at a future time. Use for reminders and delayed actions, e.g. 'remind me in 20 minutes'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Short human-readable name for the task",
				},
				"when": map[string]any{
					"type":        "string",
					"description": "When to run: a duration like 20m or 2h, or a time like 2026-08-26T15:00",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "The prompt to execute when the task fires",
				},
			},
			"required": []string{"name", "when", "prompt"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleScheduleTask(ctx, s, args)
		},
	})

	r.Register(&Capability{
		Name:        "list_scheduled_tasks",
		Description: "List pending scheduled tasks with their IDs and fire times.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleListScheduled(ctx, s)
		},
	})

	r.Register(&Capability{
		Name:        "cancel_scheduled_task",
		Description: "Cancel a pending scheduled task by its ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Task ID from list_scheduled_tasks",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleCancelScheduled(ctx, s, args)
		},
	})
}

// parseWhen accepts a relative duration ("20m", "2h") or an absolute
// time in the event layouts.
func parseWhen(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("duration must be positive: %s", s)
		}
		return time.Now().Add(d), nil
	}
	t, err := parseEventTime(s)
	if err != nil {
		return time.Time{}, err
	}
	if t.Before(time.Now()) {
		return time.Time{}, fmt.Errorf("time %s is in the past", s)
	}
	return t, nil
}

func handleScheduleTask(ctx context.Context, s Scheduler, args map[string]any) (string, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	whenStr, err := stringArg(args, "when")
	if err != nil {
		return "", err
	}
	prompt, err := stringArg(args, "prompt")
	if err != nil {
		return "", err
	}

	when, err := parseWhen(whenStr)
	if err != nil {
		return "", err
	}

	id, err := s.Schedule(ctx, name, when, prompt)
	if err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}
	return fmt.Sprintf("Scheduled %q (id %s) for %s.", name, id, when.Format("Mon Jan 2 15:04")), nil
}

func handleListScheduled(ctx context.Context, s Scheduler) (string, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list scheduled tasks: %w", err)
	}
	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}

	var sb strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&sb, "- %s [%s] at %s\n",
			task.Name, task.ID, task.When.Format("Mon Jan 2 15:04"))
	}
	return sb.String(), nil
}

func handleCancelScheduled(ctx context.Context, s Scheduler, args map[string]any) (string, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return "", err
	}
	if err := s.Cancel(ctx, id); err != nil {
		return "", fmt.Errorf("cancel task %s: %w", id, err)
	}
	return fmt.Sprintf("Cancelled task %s.", id), nil
}
