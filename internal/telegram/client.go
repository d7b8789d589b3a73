// Package telegram is the chat channel adapter: a long-poll bridge
// between the Telegram Bot API and the task dispatcher.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/orionhq/orion/internal/httpkit"
)

const apiBase = "https://api.telegram.org"

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an inbound Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User is the Telegram account that sent a message.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Client is a minimal Bot API client covering what the bridge needs.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Bot API client. The HTTP client must tolerate
// long-poll requests; pass one with a timeout above the poll timeout.
func NewClient(token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(90 * time.Second))
	}
	return &Client{
		token:      token,
		baseURL:    apiBase,
		httpClient: httpClient,
	}
}

// GetUpdates long-polls for new updates past offset. Blocks up to
// timeout server-side when nothing is pending.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	form := url.Values{
		"offset":  {strconv.FormatInt(offset, 10)},
		"timeout": {strconv.Itoa(int(timeout.Seconds()))},
	}

	var result struct {
		OK          bool     `json:"ok"`
		Description string   `json:"description"`
		Result      []Update `json:"result"`
	}
	if err := c.call(ctx, "getUpdates", form, &result); err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, fmt.Errorf("getUpdates: %s", result.Description)
	}
	return result.Result, nil
}

// SendMessage delivers text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	form := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"text":    {text},
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := c.call(ctx, "sendMessage", form, &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("sendMessage: %s", result.Description)
	}
	return nil
}

// SendTyping shows the "typing..." indicator while a task runs.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	form := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"action":  {"typing"},
	}

	var result struct {
		OK bool `json:"ok"`
	}
	return c.call(ctx, "sendChatAction", form, &result)
}

func (c *Client) call(ctx context.Context, method string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
