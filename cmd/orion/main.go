// Orion is a personal assistant that turns requests from chat, email,
// and the web into supervised tasks: a worker model drives capabilities
// and an evaluator model checks every answer against the request's
// success criteria before it goes out.
//
// Usage:
//
//	orion serve              Start the assistant (API server + channel adapters)
//	orion init [dir]         Create a starter config and data directory
//	orion ask <question>     Run a single task from the command line
//	orion version            Print version and build information
//	orion -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	gogithub "github.com/google/go-github/v69/github"

	"github.com/orionhq/orion/internal/api"
	"github.com/orionhq/orion/internal/backend"
	"github.com/orionhq/orion/internal/buildinfo"
	"github.com/orionhq/orion/internal/capability"
	"github.com/orionhq/orion/internal/config"
	"github.com/orionhq/orion/internal/emailin"
	"github.com/orionhq/orion/internal/governor"
	"github.com/orionhq/orion/internal/httpkit"
	"github.com/orionhq/orion/internal/memory"
	"github.com/orionhq/orion/internal/notify"
	"github.com/orionhq/orion/internal/orchestrator"
	"github.com/orionhq/orion/internal/queue"
	"github.com/orionhq/orion/internal/schedule"
	"github.com/orionhq/orion/internal/sweeper"
	"github.com/orionhq/orion/internal/telegram"
)

// main constructs the OS-level environment and delegates to run. This
// keeps os.Exit, os.Stdout, and os.Args out of the application logic
// so the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which interferes with
// calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: orion ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Orion - Personal Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: orion [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the assistant")
	fmt.Fprintln(w, "  init [dir]   Create a starter config and data directory")
	fmt.Fprintln(w, "  ask          Run a single task from the command line")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runAsk boots a minimal engine (no queues, no channel adapters) and
// runs one task, printing the answer.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, level)
	logger.Info("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	mem, err := memory.Open(filepath.Join(cfg.DataDir, "memory.db"), cfg.Memory.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer mem.Close()

	gov := governor.New(cfg.Rate.RequestsPerMinute, time.Minute, cfg.Cooldown())

	registry := capability.NewRegistry(cfg.CapabilityTimeout(), logger)
	registry.SetWebTools(httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)))

	client := backend.New(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         cfg.Backend.APIKey,
		WorkerModel:    cfg.Backend.WorkerModel,
		EvaluatorModel: cfg.Backend.EvaluatorModel,
		HTTPClient:     httpkit.NewClient(httpkit.WithTimeout(cfg.BackendTimeout())),
		Logger:         logger,
	})

	engine := orchestrator.NewEngine(orchestrator.EngineConfig{
		Backend:   client,
		Caps:      registry,
		Governor:  gov,
		Memory:    mem,
		MaxRounds: cfg.Loop.MaxRounds,
		Logger:    logger,
	})

	result, err := engine.Run(ctx, &orchestrator.Task{
		ID:          orchestrator.NewTaskID(),
		UserID:      "cli",
		Channel:     "cli",
		Message:     strings.Join(args, " "),
		SubmittedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.Answer)
	return nil
}

// runServe wires every component and blocks until shutdown.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, level)
	logger.Info(buildinfo.String())
	logger.Info("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// --- Stores ---
	mem, err := memory.Open(filepath.Join(cfg.DataDir, "memory.db"), cfg.Memory.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer mem.Close()

	queues, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"), cfg.RetryDelay(), cfg.Retry.MaxAttempts)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer queues.Close()

	scheduleStore, err := schedule.Open(filepath.Join(cfg.DataDir, "schedule.db"))
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}
	defer scheduleStore.Close()

	// --- Backend and governor ---
	gov := governor.New(cfg.Rate.RequestsPerMinute, time.Minute, cfg.Cooldown())

	client := backend.New(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         cfg.Backend.APIKey,
		WorkerModel:    cfg.Backend.WorkerModel,
		EvaluatorModel: cfg.Backend.EvaluatorModel,
		HTTPClient:     httpkit.NewClient(httpkit.WithTimeout(cfg.BackendTimeout())),
		Logger:         logger,
	})

	// --- Notification fan-out ---
	var notifiers []notify.Notifier
	if cfg.Notify.Telegram.BotToken != "" {
		notifiers = append(notifiers, notify.NewTelegram(cfg.Notify.Telegram.BotToken, nil))
		logger.Info("telegram notifier enabled")
	}
	var mailer *notify.Email
	if cfg.Notify.SMTP.Host != "" {
		mailer = notify.NewEmail(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
			StartTLS: cfg.Notify.SMTP.StartTLS,
		}, &preferenceResolver{mem: mem})
		notifiers = append(notifiers, mailer)
		logger.Info("email notifier enabled", "host", cfg.Notify.SMTP.Host)
	}
	if cfg.Notify.MQTT.Enabled {
		topic := cfg.Notify.MQTT.TopicPrefix
		if topic != "" {
			topic += "/notify"
		}
		mq, err := notify.NewMQTT(ctx, notify.MQTTConfig{
			Broker:   cfg.Notify.MQTT.Broker,
			Username: cfg.Notify.MQTT.Username,
			Password: cfg.Notify.MQTT.Password,
			Topic:    topic,
		}, logger)
		if err != nil {
			return fmt.Errorf("mqtt notifier: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mq.Close(closeCtx)
		}()
		notifiers = append(notifiers, mq)
		logger.Info("mqtt notifier enabled", "broker", cfg.Notify.MQTT.Broker)
	}
	fanout := notify.NewFanout(logger, notifiers...)

	// --- Capabilities ---
	registry := capability.NewRegistry(cfg.CapabilityTimeout(), logger)
	registry.SetWebTools(httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)))
	registry.SetQRTools(filepath.Join(cfg.DataDir, "qr"))
	if mailer != nil {
		registry.SetMailer(mailer)
	}
	if cfg.Calendar.Enabled {
		calClient, err := caldav.NewClient(
			webdav.HTTPClientWithBasicAuth(httpkit.NewClient(httpkit.WithTimeout(30*time.Second)), cfg.Calendar.Username, cfg.Calendar.Password),
			cfg.Calendar.URL)
		if err != nil {
			return fmt.Errorf("caldav client: %w", err)
		}
		registry.SetCalendar(calClient, "")
		logger.Info("calendar capability enabled", "url", cfg.Calendar.URL)
	}
	if cfg.Forge.Enabled {
		gh := gogithub.NewClient(httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))).WithAuthToken(cfg.Forge.Token)
		registry.SetForge(gh, cfg.Forge.Owner)
		logger.Info("github capability enabled", "owner", cfg.Forge.Owner)
	}

	// --- Orchestration ---
	engine := orchestrator.NewEngine(orchestrator.EngineConfig{
		Backend:   client,
		Caps:      registry,
		Governor:  gov,
		Memory:    mem,
		MaxRounds: cfg.Loop.MaxRounds,
		Logger:    logger,
	})
	dispatcher := orchestrator.NewDispatcher(engine, queues, logger)

	// --- Schedule service ---
	scheduleSvc := schedule.New(logger, scheduleStore, dispatcher, fanout)
	registry.SetScheduler(scheduleSvc)
	if err := scheduleSvc.Start(ctx); err != nil {
		return fmt.Errorf("start schedule service: %w", err)
	}
	defer scheduleSvc.Stop()
	if err := addConfigTasks(ctx, scheduleSvc, scheduleStore, cfg.Schedule.Tasks, logger); err != nil {
		return err
	}

	// --- Background sweeper ---
	sw := sweeper.New(sweeper.Config{
		Dispatcher: dispatcher,
		Queues:     queues,
		Notifier:   fanout,
		Ping:       client.Ping,
		Interval:   cfg.SweepInterval(),
		Retention:  time.Duration(cfg.Retry.RetentionDays) * 24 * time.Hour,
		Logger:     logger,
	})
	go func() {
		if err := sw.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	// --- Channel adapters ---
	if cfg.Telegram.Enabled {
		bridge := telegram.NewBridge(telegram.BridgeConfig{
			Client:     telegram.NewClient(cfg.Telegram.BotToken, nil),
			Dispatcher: dispatcher,
			Memory:     mem,
			Queues:     queues,
			Logger:     logger,
			AllowedIDs: cfg.Telegram.AllowedIDs,
			RateLimit:  cfg.Telegram.RateLimit,
		})
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram bridge stopped", "error", err)
			}
		}()
	}
	if cfg.Email.Enabled {
		if mailer == nil {
			return fmt.Errorf("email channel requires notify.smtp to be configured")
		}
		poller := emailin.NewPoller(emailin.Config{
			Host:           cfg.Email.IMAPHost,
			Port:           cfg.Email.IMAPPort,
			TLS:            true,
			Username:       cfg.Email.Username,
			Password:       cfg.Email.Password,
			TrustedSenders: cfg.Email.TrustedSenders,
			Interval:       time.Duration(cfg.Email.PollIntervalSec) * time.Second,
		}, dispatcher, mailer, logger)
		go func() {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("email poller stopped", "error", err)
			}
		}()
	}

	// --- API server and graceful shutdown ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, dispatcher, mem, queues, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Orion stopped")
	return nil
}

// addConfigTasks creates recurring jobs from config that don't exist
// yet. Matching is by name so restarts don't duplicate them.
func addConfigTasks(ctx context.Context, svc *schedule.Service, store *schedule.Store, tasks []config.ScheduleTaskConfig, logger *slog.Logger) error {
	if len(tasks) == 0 {
		return nil
	}

	existing, err := store.List(ctx, false)
	if err != nil {
		return fmt.Errorf("list scheduled tasks: %w", err)
	}
	byName := make(map[string]bool, len(existing))
	for _, t := range existing {
		byName[t.Name] = true
	}

	for _, tc := range tasks {
		if byName[tc.Name] {
			continue
		}
		task := &schedule.Task{
			Name:      tc.Name,
			Command:   tc.Command,
			Frequency: tc.Frequency,
			Hour:      tc.Hour,
			Minute:    tc.Minute,
			Every:     time.Duration(tc.EveryMin) * time.Minute,
		}
		if tc.Weekday != "" {
			wd, err := parseWeekday(tc.Weekday)
			if err != nil {
				return fmt.Errorf("schedule task %q: %w", tc.Name, err)
			}
			task.Weekday = wd
		}
		if err := svc.Add(ctx, task); err != nil {
			return fmt.Errorf("schedule task %q: %w", tc.Name, err)
		}
		logger.Info("recurring task created", "name", tc.Name, "frequency", tc.Frequency)
	}
	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// preferenceResolver finds a user's email address in their stored
// preferences ("email: addr" on any line).
type preferenceResolver struct {
	mem *memory.Store
}

func (r *preferenceResolver) EmailAddress(ctx context.Context, userID string) (string, error) {
	uc, err := r.mem.UserContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("no address known for %q: %w", userID, err)
	}
	for _, line := range strings.Split(uc.Preferences, "\n") {
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "email") {
			addr := strings.TrimSpace(v)
			if strings.Contains(addr, "@") {
				return addr, nil
			}
		}
	}
	return "", fmt.Errorf("no email address stored for %q", userID)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
