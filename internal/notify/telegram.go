package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Sender is the caregiver channel send primitive.
type Sender interface {
	SendMessage(ctx context.Context, recipient, text string) error
}

// DefaultTelegramURL is the Telegram Bot API endpoint.
const DefaultTelegramURL = "https://api.telegram.org"

// TelegramConfig holds the configuration for TelegramSender.
type TelegramConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds a single HTTP request; the dispatcher context may be shorter.
	Timeout time.Duration
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	OK          bool   `json:"ok"`
}

// TelegramSender posts messages through the Telegram Bot API.
type TelegramSender struct {
	client *resty.Client
	token  string
}

// NewTelegramSender creates a TelegramSender. Retries are left to the dispatcher.
func NewTelegramSender(cfg *TelegramConfig) (*TelegramSender, error) {
	if cfg == nil {
		return nil, errors.New("telegram config cannot be nil")
	}

	if cfg.Token == "" {
		return nil, errors.New("telegram token cannot be empty")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &TelegramSender{client: client, token: cfg.Token}, nil
}

// SendMessage implements Sender. A non-2xx status or ok=false is a failure.
func (s *TelegramSender) SendMessage(ctx context.Context, recipient, text string) error {
	var result telegramResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("token", s.token).
		SetBody(telegramMessage{ChatID: recipient, Text: text, ParseMode: "Markdown"}).
		SetResult(&result).
		SetError(&result).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("failed to call telegram: %w", redactedError{err: err, token: s.token})
	}

	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram rejected message: status %d, code %d: %s",
			resp.StatusCode(), result.ErrorCode, result.Description)
	}

	return nil
}

// redactedError hides the bot token, which transport errors carry inside the
// request URL. Its text ends up in logs and in the persisted job record.
type redactedError struct {
	err   error
	token string
}

func (e redactedError) Error() string {
	msg := e.err.Error()
	if e.token == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, e.token, "***")
	return strings.ReplaceAll(msg, url.PathEscape(e.token), "***")
}

func (e redactedError) Unwrap() error { return e.err }

// LogSender writes messages to a logger. It stands in for a real channel
// when none is configured.
type LogSender struct {
	Logger *slog.Logger
}

// SendMessage implements Sender.
func (s LogSender) SendMessage(_ context.Context, recipient, text string) error {
	s.Logger.Info("caregiver notification", "recipient", recipient, "text", text)
	return nil
}
