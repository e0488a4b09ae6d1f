package usecase

import (
	"context"
	"errors"
	"log/slog"

	"line-gateway/internal/domain"
)

// Replier issues user-facing messages through the messaging platform.
type Replier interface {
	ReplyText(ctx context.Context, replyToken, text string) error
	PushText(ctx context.Context, userID, text string) error
}

// ReplyResult reports what the reconciler did for one event.
type ReplyResult struct {
	Attempted bool
	Replied   bool
	Pushed    bool
	Source    domain.Backend
	Err       error
}

// Reconciler decides whether the relay replies for an event, and with which
// backend's text. A reply token is single-use, so at most one reply call is
// made per event.
type Reconciler struct {
	mode         domain.ReplyMode
	replier      Replier
	pushFallback bool
	logger       *slog.Logger
}

// NewReconciler validates its dependencies. pushFallback enables a single
// push to the user when the reply call itself fails.
func NewReconciler(mode domain.ReplyMode, replier Replier, pushFallback bool, logger *slog.Logger) (*Reconciler, error) {
	if replier == nil {
		return nil, errors.New("usecase: replier must not be nil")
	}
	if _, err := domain.ParseReplyMode(string(mode)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{mode: mode, replier: replier, pushFallback: pushFallback, logger: logger}, nil
}

// Reconcile walks outcomes in forwarding order and replies with the first
// successful reply-bearing body. Outcomes from a backend that replies for
// itself under the current mode are skipped.
func (r *Reconciler) Reconcile(ctx context.Context, ev domain.Event, decision domain.RoutingDecision, outcomes []domain.ForwardOutcome) ReplyResult {
	if ev.ReplyToken == "" {
		return ReplyResult{}
	}
	delegated := r.mode.SelfReplyingBackend()

	for _, o := range outcomes {
		if delegated != "" && o.Backend == delegated {
			r.logger.Debug("reply left to backend", "backend", delegated, "target", decision.Target)
			continue
		}
		if !o.Success {
			continue
		}
		text, ok := o.ReplyText()
		if !ok {
			continue
		}
		return r.deliver(ctx, ev, decision, o.Backend, text)
	}
	return ReplyResult{}
}

func (r *Reconciler) deliver(ctx context.Context, ev domain.Event, decision domain.RoutingDecision, source domain.Backend, text string) ReplyResult {
	res := ReplyResult{Attempted: true, Source: source}
	err := r.replier.ReplyText(ctx, ev.ReplyToken, text)
	if err == nil {
		res.Replied = true
		return res
	}
	r.logger.Error("reply failed", "backend", source, "target", decision.Target, "user_id", ev.UserID, "err", err)
	res.Err = err

	if !r.pushFallback || ev.UserID == "" {
		return res
	}
	if pushErr := r.replier.PushText(ctx, ev.UserID, text); pushErr != nil {
		r.logger.Error("push fallback failed", "backend", source, "user_id", ev.UserID, "err", pushErr)
		res.Err = errors.Join(err, pushErr)
		return res
	}
	res.Pushed = true
	return res
}
