package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"line-gateway/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ErrDuplicateEvent is returned when an event id has already been stored,
// typically because LINE redelivered the webhook.
var ErrDuplicateEvent = errors.New("repository: duplicate event")

// EventStore is implemented by every storage backend.
type EventStore interface {
	SaveEvent(ctx context.Context, rec domain.EventRecord) (string, error)
	GetUserHistory(ctx context.Context, userID string, limit int) ([]domain.EventRecord, error)
	Close() error
}

// prepareRecord fills in the event id and timestamp when the caller left them
// empty.
func prepareRecord(rec domain.EventRecord) domain.EventRecord {
	if strings.TrimSpace(rec.EventID) == "" {
		rec.EventID = rec.UserID + "_" + newUUID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = func() time.Time {
	return time.Now()
}
