package domain

import (
	"encoding/json"
	"time"
)

// MessageTypeText is the only message type eligible for keyword routing.
const MessageTypeText = "text"

// Event is one decoded webhook event. It is never mutated after decoding.
type Event struct {
	Type           string
	WebhookEventID string
	ReplyToken     string
	UserID         string
	MessageType    string
	// MessageText is nil for non-text messages.
	MessageText *string
	Raw         json.RawMessage
}

// Text returns the message text or "".
func (e Event) Text() string {
	if e.MessageText == nil {
		return ""
	}
	return *e.MessageText
}

// ReplyTextField is the response body field a backend uses to hand the relay
// a reply.
const ReplyTextField = "reply_text"

// ForwardOutcome is the result of one relay attempt to a backend.
type ForwardOutcome struct {
	Backend    Backend
	Success    bool
	StatusCode int
	// Body holds the decoded JSON response, or the raw text when it was not JSON.
	Body any
	Err  string
}

// ReplyText returns the reply text carried by a JSON object body.
func (o ForwardOutcome) ReplyText() (string, bool) {
	obj, ok := o.Body.(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := obj[ReplyTextField].(string)
	if !ok || text == "" {
		return "", false
	}
	return text, true
}

// EventRecord is the persisted form of an event and its routing decision.
type EventRecord struct {
	EventID     string
	UserID      string
	EventType   string
	MessageType string
	MessageText string
	ReplyToken  string
	RawEvent    json.RawMessage
	RouteTarget RouteTarget
	RouteReason string
	CreatedAt   time.Time
}

// HighValueAlert is sent out of band when a high-value keyword fires.
type HighValueAlert struct {
	UserID      string
	MessageText string
	Keyword     string
}
