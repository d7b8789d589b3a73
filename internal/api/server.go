// Package api implements the HTTP surface of the assistant: task
// submission, conversation history, queue status, and a websocket chat
// loop for the web UI.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/orionhq/orion/internal/buildinfo"
	"github.com/orionhq/orion/internal/memory"
	"github.com/orionhq/orion/internal/orchestrator"
	"github.com/orionhq/orion/internal/queue"
)

// defaultUser owns requests that arrive without a user identity.
const defaultUser = "web"

// historyLimit caps how many turns one history request returns.
const historyLimit = 200

// Dispatcher submits tasks. Implemented by orchestrator.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Outcome, error)
}

// Memory is the conversation-store surface the history endpoints need.
type Memory interface {
	History(ctx context.Context, userID, channel string, limit int) ([]memory.Message, error)
	Clear(ctx context.Context, userID, channel string) (int64, error)
}

// Queues is the queue-store surface the status endpoints need.
type Queues interface {
	Status(ctx context.Context) (*queue.BotStatus, error)
	QueueStats(ctx context.Context) (*queue.Stats, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	dispatcher Dispatcher
	mem        Memory
	queues     Queues
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, dispatcher Dispatcher, mem Memory, queues Queues, logger *slog.Logger) *Server {
	return &Server{
		address:    address,
		port:       port,
		dispatcher: dispatcher,
		mem:        mem,
		queues:     queues,
		logger:     logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", s.handleTaskSubmit)
	mux.HandleFunc("GET /v1/history", s.handleHistoryGet)
	mux.HandleFunc("DELETE /v1/history", s.handleHistoryClear)
	mux.HandleFunc("GET /v1/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // worker loops can run long
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Orion",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports availability plus queue depths so a dashboard
// can tell "backend down, requests queueing" from "all quiet".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.queues.Status(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	stats, err := s.queues.QueueStats(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	body := map[string]any{
		"status": status.Status,
		"queue": map[string]int{
			"retry_pending":   stats.RetryPending,
			"pending_waiting": stats.PendingWaiting,
		},
	}
	if !status.LastCheck.IsZero() {
		body["last_check"] = status.LastCheck.UTC().Format(time.RFC3339)
	}
	if status.LastOnline.Valid {
		body["last_online"] = status.LastOnline.Time.UTC().Format(time.RFC3339)
	}
	if status.ErrorMessage != "" {
		body["error"] = status.ErrorMessage
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// TaskRequest is the JSON body of POST /v1/tasks.
type TaskRequest struct {
	UserID          string `json:"user_id,omitempty"`
	Message         string `json:"message"`
	SuccessCriteria string `json:"success_criteria,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

// TaskResponse is the JSON reply of POST /v1/tasks.
type TaskResponse struct {
	Status         string `json:"status"`
	Answer         string `json:"answer"`
	HTML           string `json:"html,omitempty"`
	CriteriaMet    bool   `json:"criteria_met"`
	NeedsUserInput bool   `json:"needs_user_input"`
	Rounds         int    `json:"rounds,omitempty"`
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUser
	}

	out, err := s.dispatcher.Submit(r.Context(), orchestrator.Submission{
		UserID:          req.UserID,
		Channel:         "web",
		Message:         req.Message,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        req.Priority,
	})
	if err != nil {
		s.logger.Error("task submit failed", "user", req.UserID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "task failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.taskResponse(out), s.logger)
}

// taskResponse shapes a dispatcher outcome for the wire, rendering the
// answer to HTML for the web UI.
func (s *Server) taskResponse(out *orchestrator.Outcome) TaskResponse {
	resp := TaskResponse{
		Status: out.Status,
		Answer: out.Answer,
	}
	if out.Result != nil {
		resp.CriteriaMet = out.Result.CriteriaMet
		resp.NeedsUserInput = out.Result.NeedsUserInput
		resp.Rounds = out.Result.Rounds
	}
	if out.Answer != "" {
		if html, err := renderMarkdown(out.Answer); err == nil {
			resp.HTML = html
		} else {
			s.logger.Debug("markdown render failed", "error", err)
		}
	}
	return resp
}

func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// HistoryMessage is one conversation turn on the wire.
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = defaultUser
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "web"
	}

	msgs, err := s.mem.History(r.Context(), userID, channel, historyLimit)
	if err != nil {
		s.logger.Error("history query failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"user_id": userID, "channel": channel, "messages": out}, s.logger)
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = defaultUser
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "web"
	}

	n, err := s.mem.Clear(r.Context(), userID, channel)
	if err != nil {
		s.logger.Error("history clear failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "clear failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"cleared": n}, s.logger)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queues.QueueStats(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{
		"retry_pending":    stats.RetryPending,
		"retry_completed":  stats.RetryCompleted,
		"retry_failed":     stats.RetryFailed,
		"pending_waiting":  stats.PendingWaiting,
		"pending_complete": stats.PendingComplete,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
