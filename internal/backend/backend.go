// Package backend talks to the OpenAI-compatible chat completions API
// that drives the orchestrator. Two models are involved: the worker
// model proposes answers and capability calls, and the evaluator model
// judges whether the worker's answer meets the success criteria.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/orionhq/orion/internal/httpkit"
)

// Message is one chat turn in the wire format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a capability invocation requested by the worker model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the capability name and JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Proposal is the worker model's output: either a batch of capability
// invocations or a final (or question-bearing) text answer.
type Proposal struct {
	Text        string
	Invocations []ToolCall
	Message     Message // the raw assistant message, for the transcript
}

// Verdict is the evaluator model's judgment of the worker's answer.
type Verdict struct {
	Feedback           string `json:"feedback"`
	SuccessCriteriaMet bool   `json:"success_criteria_met"`
	UserInputNeeded    bool   `json:"user_input_needed"`
}

// Config holds backend connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	WorkerModel    string
	EvaluatorModel string
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client is an OpenAI-compatible chat completions client.
type Client struct {
	baseURL        string
	apiKey         string
	workerModel    string
	evaluatorModel string
	httpClient     *http.Client
	logger         *slog.Logger
}

// New creates a backend client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		workerModel:    cfg.WorkerModel,
		evaluatorModel: cfg.EvaluatorModel,
		httpClient:     httpClient,
		logger:         logger,
	}
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []Message        `json:"messages"`
	Tools          []map[string]any `json:"tools,omitempty"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse is the chat completions response body.
type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// chat performs one chat completions round trip.
func (c *Client) chat(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Status: resp.StatusCode,
			Body:   httpkit.ReadErrorBody(resp.Body, 2048),
		}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	c.logger.Debug("backend chat completed",
		"model", req.Model,
		"prompt_tokens", cr.Usage.PromptTokens,
		"completion_tokens", cr.Usage.CompletionTokens,
	)
	return &cr, nil
}

// Propose asks the worker model for the next step. The transcript must
// start with the user's request; the worker system prompt (carrying
// the success criteria and any rejection feedback) is prepended here.
func (c *Client) Propose(ctx context.Context, transcript []Message, criteria, feedback string, tools []map[string]any) (*Proposal, error) {
	messages := make([]Message, 0, len(transcript)+1)
	messages = append(messages, Message{
		Role:    "system",
		Content: workerSystemPrompt(criteria, feedback),
	})
	messages = append(messages, transcript...)

	resp, err := c.chat(ctx, chatRequest{
		Model:    c.workerModel,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, err
	}

	msg := resp.Choices[0].Message
	return &Proposal{
		Text:        msg.Content,
		Invocations: msg.ToolCalls,
		Message:     msg,
	}, nil
}

// Evaluate asks the evaluator model to judge the worker's final
// answer. The model replies in strict JSON matching Verdict.
func (c *Client) Evaluate(ctx context.Context, transcript []Message, criteria, priorFeedback string) (*Verdict, error) {
	lastResponse := ""
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "assistant" && transcript[i].Content != "" {
			lastResponse = transcript[i].Content
			break
		}
	}

	resp, err := c.chat(ctx, chatRequest{
		Model: c.evaluatorModel,
		Messages: []Message{
			{Role: "system", Content: evaluatorSystemPrompt},
			{Role: "user", Content: evaluatorUserPrompt(transcript, criteria, lastResponse, priorFeedback)},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var v Verdict
	if err := json.Unmarshal(extractJSON(resp.Choices[0].Message.Content), &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &v, nil
}

// extractJSON returns the first JSON object in s. Models sometimes
// wrap the verdict in a markdown fence or lead-in text despite the
// json_object response format.
func extractJSON(s string) []byte {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

// Ping checks backend reachability with a cheap models request.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode}
	}
	return nil
}
