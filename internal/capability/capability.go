// Package capability defines the actions the orchestrator can take on
// the user's behalf. Capabilities are registered by name; the worker
// requests them through the decision backend's tool-call interface and
// the engine invokes them here.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Capability is one callable action.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// ErrUnknown is returned when an invocation targets a capability that
// is not registered. This is a request defect, not a transient
// failure; callers report it back to the worker instead of retrying.
type ErrUnknown struct {
	Name string
}

// Error implements the error interface.
func (e *ErrUnknown) Error() string {
	return fmt.Sprintf("capability %q is not available", e.Name)
}

// Registry holds the available capabilities.
type Registry struct {
	caps    map[string]*Capability
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates a registry. timeout bounds each invocation; zero
// means no per-call limit. The core built-ins that need no external
// dependencies are registered immediately; everything else is added by
// the Set* methods as integrations come online.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		caps:    make(map[string]*Capability),
		timeout: timeout,
		logger:  logger,
	}
	r.registerCore()
	return r
}

type userKey struct{}

// WithUser tags a context with the user on whose behalf capabilities
// run. The engine sets this before every batch so handlers acting for
// a person (scheduling, notifications) know who that is.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user a capability runs for, or "" when the
// context is untagged.
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

func (r *Registry) registerCore() {
	r.Register(&Capability{
		Name:        "current_time",
		Description: "Get the current date and time. Use when the user asks about today's date, the time, or needs date arithmetic context.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().Format("Monday, January 2, 2006 at 3:04 PM MST"), nil
		},
	})
}

// Register adds or replaces a capability.
func (r *Registry) Register(c *Capability) {
	r.caps[c.Name] = c
}

// Get retrieves a capability by name, or nil.
func (r *Registry) Get(name string) *Capability {
	return r.caps[name]
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the wire-format tool list for the decision backend.
func (r *Registry) Specs() []map[string]any {
	var specs []map[string]any
	for _, name := range r.Names() {
		c := r.caps[name]
		specs = append(specs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        c.Name,
				"description": c.Description,
				"parameters":  c.Parameters,
			},
		})
	}
	return specs
}

// Invoke runs a capability by name with JSON-encoded arguments,
// applying the per-call timeout. An unregistered name returns
// *ErrUnknown.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON string) (string, error) {
	c := r.caps[name]
	if c == nil {
		return "", &ErrUnknown{Name: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := r.call(ctx, c, args)
	r.logger.Debug("capability invoked",
		"name", name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	return result, err
}

// call runs the handler, converting a panic into an error so one bad
// handler cannot take down the run.
func (r *Registry) call(ctx context.Context, c *Capability, args map[string]any) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("capability panicked", "name", c.Name, "panic", p)
			err = fmt.Errorf("%s panicked: %v", c.Name, p)
		}
	}()
	return c.Handler(ctx, args)
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// optStringArg extracts an optional string argument with a default.
func optStringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// optIntArg extracts an optional integer argument with a default.
// JSON numbers decode as float64.
func optIntArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}
