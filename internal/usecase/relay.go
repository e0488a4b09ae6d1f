package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"line-gateway/internal/domain"
	"line-gateway/internal/integrations/line"
	"line-gateway/internal/integrations/notify"
	"line-gateway/internal/repository"
)

const (
	defaultSideEffectTimeout = 15 * time.Second
	unknownValue             = "unknown"
)

type EventForwarder interface {
	ForwardByRoute(ctx context.Context, decision domain.RoutingDecision, body []byte, header http.Header) []domain.ForwardOutcome
}

type EventStore interface {
	SaveEvent(ctx context.Context, rec domain.EventRecord) (string, error)
	GetUserHistory(ctx context.Context, userID string, limit int) ([]domain.EventRecord, error)
}

type Notifier interface {
	NotifyHighValue(ctx context.Context, alert domain.HighValueAlert) error
}

// RelayDeps are the collaborators a Relay is built from. Everything is
// constructed once at startup.
type RelayDeps struct {
	Classifier *Classifier
	Forwarder  EventForwarder
	Reconciler *Reconciler
	Store      EventStore
	Notifier   Notifier
	Logger     *slog.Logger

	// ChannelSecret enables signature verification when non-empty.
	ChannelSecret     string
	SideEffectTimeout time.Duration
}

// Relay is the per-delivery orchestrator. It holds no mutable state, so one
// instance serves concurrent deliveries.
type Relay struct {
	classifier        *Classifier
	forwarder         EventForwarder
	reconciler        *Reconciler
	store             EventStore
	notifier          Notifier
	logger            *slog.Logger
	channelSecret     string
	sideEffectTimeout time.Duration
}

type DeliveryInput struct {
	Body      []byte
	Header    http.Header
	Signature string
}

type DeliveryOutput struct {
	Results []EventResult
}

// EventResult summarises the main path for one event. Side effects are not
// reflected here.
type EventResult struct {
	Event    domain.Event
	Decision domain.RoutingDecision
	Outcomes []domain.ForwardOutcome
	Reply    ReplyResult
}

func NewRelay(deps RelayDeps) (*Relay, error) {
	if deps.Classifier == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if deps.Forwarder == nil {
		return nil, errors.New("usecase: forwarder must not be nil")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("usecase: reconciler must not be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if deps.Notifier == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SideEffectTimeout <= 0 {
		deps.SideEffectTimeout = defaultSideEffectTimeout
	}
	return &Relay{
		classifier:        deps.Classifier,
		forwarder:         deps.Forwarder,
		reconciler:        deps.Reconciler,
		store:             deps.Store,
		notifier:          deps.Notifier,
		logger:            deps.Logger,
		channelSecret:     strings.TrimSpace(deps.ChannelSecret),
		sideEffectTimeout: deps.SideEffectTimeout,
	}, nil
}

// HandleDelivery verifies and decodes one webhook delivery, then processes
// its events in order. Only boundary failures are returned; anything that
// goes wrong downstream is logged and the delivery still succeeds.
func (r *Relay) HandleDelivery(ctx context.Context, in DeliveryInput) (DeliveryOutput, error) {
	if r.channelSecret != "" {
		if in.Signature == "" {
			r.logger.Warn("webhook signature missing")
			return DeliveryOutput{}, newError(ErrorInvalidSignature, "signature_missing", nil)
		}
		if !line.VerifySignature(in.Body, in.Signature, r.channelSecret) {
			r.logger.Warn("webhook signature mismatch")
			return DeliveryOutput{}, newError(ErrorInvalidSignature, "signature_mismatch", nil)
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(in.Body, &payload); err != nil {
		r.logger.Error("cannot decode webhook body", "err", err)
		return DeliveryOutput{}, newError(ErrorInvalidPayload, "malformed_json", err)
	}

	var effects sync.WaitGroup
	out := DeliveryOutput{Results: make([]EventResult, 0, len(payload.Events))}
	for i, raw := range payload.Events {
		ev, err := decodeEvent(raw)
		if err != nil {
			r.logger.Warn("skipping undecodable event", "index", i, "err", err)
			continue
		}
		out.Results = append(out.Results, r.processEvent(ctx, &effects, ev, in.Body, in.Header))
	}
	// Detached work is not tied to the response, but it must finish before
	// the invocation ends or a frozen Lambda would drop it.
	effects.Wait()
	return out, nil
}

// ProcessEvent runs classification, persistence, notification, forwarding
// and reply reconciliation for a single event.
func (r *Relay) ProcessEvent(ctx context.Context, ev domain.Event, body []byte, header http.Header) EventResult {
	var effects sync.WaitGroup
	res := r.processEvent(ctx, &effects, ev, body, header)
	effects.Wait()
	return res
}

func (r *Relay) processEvent(ctx context.Context, effects *sync.WaitGroup, ev domain.Event, body []byte, header http.Header) EventResult {
	r.logger.Info("event received",
		"type", ev.Type,
		"user", truncateRunes(ev.UserID, 10),
		"msg_type", ev.MessageType,
		"text", truncateRunes(ev.Text(), 20),
	)

	decision := r.classifier.Classify(ev.MessageType, ev.MessageText)
	r.logger.Info("routing decision", "target", decision.Target, "reason", decision.Reason)

	r.detach(ctx, effects, func(ctx context.Context) {
		r.persist(ctx, ev, decision)
	})
	if decision.IsHighValue && decision.MatchedKeyword != "" {
		r.detach(ctx, effects, func(ctx context.Context) {
			r.notify(ctx, ev, decision)
		})
	}

	// Each outbound call carries its own timeout. A caller hanging up must not
	// abort a relay whose reply is still on its way.
	mainCtx := context.WithoutCancel(ctx)
	outcomes := r.forwarder.ForwardByRoute(mainCtx, decision, body, header)
	for _, o := range outcomes {
		r.logger.Info("forward outcome", "backend", o.Backend, "success", o.Success, "status", o.StatusCode, "err", o.Err)
	}

	reply := r.reconciler.Reconcile(mainCtx, ev, decision, outcomes)
	return EventResult{Event: ev, Decision: decision, Outcomes: outcomes, Reply: reply}
}

// detach runs fn off the main path. It gets its own deadline and survives
// cancellation of the inbound request; a panic is logged, never propagated.
func (r *Relay) detach(ctx context.Context, effects *sync.WaitGroup, fn func(context.Context)) {
	effects.Add(1)
	go func() {
		defer effects.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("side effect panicked", "panic", p)
			}
		}()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sideEffectTimeout)
		defer cancel()
		fn(sctx)
	}()
}

func (r *Relay) persist(ctx context.Context, ev domain.Event, decision domain.RoutingDecision) {
	rec := domain.EventRecord{
		EventID:     ev.WebhookEventID,
		UserID:      orUnknown(ev.UserID),
		EventType:   ev.Type,
		MessageType: ev.MessageType,
		MessageText: ev.Text(),
		ReplyToken:  ev.ReplyToken,
		RawEvent:    ev.Raw,
		RouteTarget: decision.Target,
		RouteReason: decision.Reason,
	}
	id, err := r.store.SaveEvent(ctx, rec)
	switch {
	case errors.Is(err, repository.ErrDuplicateEvent):
		r.logger.Warn("event already stored", "event_id", id)
	case err != nil:
		r.logger.Error("save event failed", "user", truncateRunes(rec.UserID, 10), "err", err)
	default:
		r.logger.Debug("event saved", "event_id", id)
	}
}

func (r *Relay) notify(ctx context.Context, ev domain.Event, decision domain.RoutingDecision) {
	err := r.notifier.NotifyHighValue(ctx, domain.HighValueAlert{
		UserID:      orUnknown(ev.UserID),
		MessageText: ev.Text(),
		Keyword:     decision.MatchedKeyword,
	})
	switch {
	case errors.Is(err, notify.ErrNotConfigured):
		r.logger.Debug("high-value notification skipped", "keyword", decision.MatchedKeyword)
	case err != nil:
		r.logger.Error("high-value notification failed", "keyword", decision.MatchedKeyword, "err", err)
	default:
		r.logger.Info("high-value notification sent", "keyword", decision.MatchedKeyword)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return unknownValue
	}
	return s
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
