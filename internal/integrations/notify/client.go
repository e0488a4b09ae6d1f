package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"line-gateway/internal/domain"
)

// ErrNotConfigured is returned when no notification webhook URL is set.
var ErrNotConfigured = errors.New("notify: webhook url is not configured")

// HTTPStatusError captures a non-200 response from the webhook receiver.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("notify: unexpected status %d: %s", e.StatusCode, e.Status)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client posts high-value alerts to a webhook.
type Client struct {
	webhookURL string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for webhookURL, which may be empty.
func NewClient(webhookURL string, opts ...Option) *Client {
	c := &Client{
		webhookURL: strings.TrimSpace(webhookURL),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotifyHighValue posts the alert to a Slack incoming webhook. Only HTTP 200
// counts as delivered.
func (c *Client) NotifyHighValue(ctx context.Context, alert domain.HighValueAlert) error {
	if c.webhookURL == "" {
		return ErrNotConfigured
	}
	err := slack.PostWebhookCustomHTTPContext(ctx, c.webhookURL, c.httpClient, buildMessage(alert))
	if err == nil {
		return nil
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return &HTTPStatusError{StatusCode: statusErr.Code, Status: statusErr.Status}
	}
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return &HTTPStatusError{StatusCode: http.StatusTooManyRequests, Status: rateErr.Error()}
	}
	return fmt.Errorf("notify: request failed: %w", err)
}

func buildMessage(alert domain.HighValueAlert) *slack.WebhookMessage {
	text := fmt.Sprintf("🎯 High-value customer alert!\nKeyword: %s\nUser ID: %s\nMessage: %s",
		alert.Keyword, alert.UserID, alert.MessageText)
	markdown := fmt.Sprintf("*🎯 High-value customer alert!*\n• Keyword: `%s`\n• User ID: `%s`\n• Message: %s",
		alert.Keyword, alert.UserID, alert.MessageText)
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, markdown, false, false), nil, nil)
	return &slack.WebhookMessage{
		Text:   text,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{section}},
	}
}
