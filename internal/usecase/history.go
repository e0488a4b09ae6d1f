package usecase

import (
	"context"
	"strings"

	"line-gateway/internal/domain"
)

// UserHistory returns a user's stored events, most recent first. The store
// applies the default and maximum limit.
func (r *Relay) UserHistory(ctx context.Context, userID string, limit int) ([]domain.EventRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	recs, err := r.store.GetUserHistory(ctx, userID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	if recs == nil {
		recs = []domain.EventRecord{}
	}
	return recs, nil
}
