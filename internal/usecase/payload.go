package usecase

import (
	"encoding/json"
	"fmt"

	"line-gateway/internal/domain"
)

// webhookPayload is the LINE webhook envelope. Events stay raw so each one
// can be persisted exactly as received.
type webhookPayload struct {
	Destination string            `json:"destination"`
	Events      []json.RawMessage `json:"events"`
}

type webhookEvent struct {
	Type           string  `json:"type"`
	WebhookEventID string  `json:"webhookEventId"`
	ReplyToken     string  `json:"replyToken"`
	Source         *source `json:"source"`
	Message        *struct {
		ID   string  `json:"id"`
		Type string  `json:"type"`
		Text *string `json:"text"`
	} `json:"message"`
}

type source struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

func decodeEvent(raw json.RawMessage) (domain.Event, error) {
	var we webhookEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return domain.Event{}, fmt.Errorf("usecase: decode event: %w", err)
	}
	ev := domain.Event{
		Type:           orUnknown(we.Type),
		WebhookEventID: we.WebhookEventID,
		ReplyToken:     we.ReplyToken,
		MessageType:    unknownValue,
		Raw:            append(json.RawMessage(nil), raw...),
	}
	if we.Source != nil {
		ev.UserID = we.Source.UserID
	}
	if we.Message != nil {
		ev.MessageType = orUnknown(we.Message.Type)
		if ev.MessageType == domain.MessageTypeText && we.Message.Text != nil {
			text := *we.Message.Text
			ev.MessageText = &text
		}
	}
	return ev, nil
}
