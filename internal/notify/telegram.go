package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/orionhq/orion/internal/httpkit"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram delivers messages through the Bot API. The user ID is the
// Telegram chat ID.
type Telegram struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(token string, httpClient *http.Client) *Telegram {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	return &Telegram{
		token:      token,
		baseURL:    telegramAPIBase,
		httpClient: httpClient,
	}
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

// Notify implements Notifier via the sendMessage method.
func (t *Telegram) Notify(ctx context.Context, userID, message string) error {
	form := url.Values{
		"chat_id": {userID},
		"text":    {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram sendMessage: %s", result.Description)
	}
	return nil
}
