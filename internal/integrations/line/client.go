package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.line.me/v2/bot"
	// MaxMessages is the Messaging API limit per reply or push call.
	MaxMessages = 5
)

// ErrMissingAccessToken is returned when no channel access token is configured.
var ErrMissingAccessToken = errors.New("line: channel access token is not configured")

// Message is a Messaging API message object.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextMessage builds a plain text message.
func TextMessage(text string) Message {
	return Message{Type: "text", Text: text}
}

type replyRequest struct {
	ReplyToken string    `json:"replyToken"`
	Messages   []Message `json:"messages"`
}

type pushRequest struct {
	To       string    `json:"to"`
	Messages []Message `json:"messages"`
}

// HTTPStatusError captures non-2xx responses from the Messaging API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("line: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends replies and pushes through the LINE Messaging API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client. An empty access token is accepted; every call
// then fails with ErrMissingAccessToken.
func NewClient(accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:     defaultBaseURL,
		accessToken: strings.TrimSpace(accessToken),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c
}

// ReplyText replies to an event with a single text message.
func (c *Client) ReplyText(ctx context.Context, replyToken, text string) error {
	return c.ReplyMessages(ctx, replyToken, []Message{TextMessage(text)})
}

// PushText pushes a single text message to a user.
func (c *Client) PushText(ctx context.Context, userID, text string) error {
	return c.PushMessages(ctx, userID, []Message{TextMessage(text)})
}

// ReplyMessages consumes a one-time reply token. Lists longer than
// MaxMessages are truncated.
func (c *Client) ReplyMessages(ctx context.Context, replyToken string, messages []Message) error {
	if err := c.checkToken(); err != nil {
		return err
	}
	if strings.TrimSpace(replyToken) == "" {
		return errors.New("line: reply token is required")
	}
	payload := replyRequest{ReplyToken: replyToken, Messages: c.truncate("reply", messages)}
	if err := c.post(ctx, "/message/reply", payload); err != nil {
		c.logger.Error("line reply failed", "err", err)
		return fmt.Errorf("line: reply: %w", err)
	}
	c.logger.Debug("line reply sent", "token_prefix", prefix(replyToken, 20))
	return nil
}

// PushMessages sends messages to a user without a reply token.
func (c *Client) PushMessages(ctx context.Context, userID string, messages []Message) error {
	if err := c.checkToken(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("line: user id is required")
	}
	payload := pushRequest{To: userID, Messages: c.truncate("push", messages)}
	if err := c.post(ctx, "/message/push", payload); err != nil {
		c.logger.Error("line push failed", "user_id", userID, "err", err)
		return fmt.Errorf("line: push: %w", err)
	}
	c.logger.Debug("line push sent", "user_id", userID)
	return nil
}

func (c *Client) checkToken() error {
	if c.accessToken == "" {
		c.logger.Error("LINE_CHANNEL_ACCESS_TOKEN is not set")
		return ErrMissingAccessToken
	}
	return nil
}

func (c *Client) truncate(op string, messages []Message) []Message {
	if len(messages) <= MaxMessages {
		return messages
	}
	c.logger.Warn("line message list truncated", "op", op, "requested", len(messages), "sent", MaxMessages)
	return messages[:MaxMessages]
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
