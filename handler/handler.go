package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"line-gateway/internal/domain"
	"line-gateway/internal/integrations/line"
	"line-gateway/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	serviceName       = "LINE Webhook Gateway"
	maxBodyBytes      = 1 << 20

	responseWriteGrace = 10 * time.Second
)

type Relayer interface {
	HandleDelivery(ctx context.Context, in usecase.DeliveryInput) (usecase.DeliveryOutput, error)
	UserHistory(ctx context.Context, userID string, limit int) ([]domain.EventRecord, error)
}

type Handler struct {
	relay    Relayer
	adminKey string
	logger   *slog.Logger
}

type Option func(*Handler)

// WithAdminKey enables the history route behind a bearer token.
func WithAdminKey(key string) Option {
	return func(h *Handler) {
		h.adminKey = strings.TrimSpace(key)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(relay Relayer, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relayer must not be nil")
	}
	h := &Handler{relay: relay, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type request struct {
	method string
	path   string
	header http.Header
	query  url.Values
	body   []byte
}

type response struct {
	status int
	body   []byte
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type eventView struct {
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id"`
	EventType   string    `json:"event_type"`
	MessageType string    `json:"message_type,omitempty"`
	MessageText string    `json:"message_text,omitempty"`
	RouteTarget string    `json:"route_target"`
	RouteReason string    `json:"route_reason"`
	CreatedAt   time.Time `json:"created_at"`
}

type historyResponse struct {
	UserID string      `json:"user_id"`
	Count  int         `json:"count"`
	Events []eventView `json:"events"`
}

// Handle is the API Gateway entry point.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	header := make(http.Header, len(event.Headers))
	for k, v := range event.Headers {
		header.Set(k, v)
	}
	for k, vs := range event.MultiValueHeaders {
		if header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	query := make(url.Values, len(event.QueryStringParameters))
	for k, v := range event.QueryStringParameters {
		query.Set(k, v)
	}

	body := []byte(event.Body)
	corrID := correlationID(header)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			resp := writeError(http.StatusBadRequest, usecase.ErrorInvalidPayload, "body is not valid base64")
			return toProxyResponse(resp, corrID), nil
		}
		body = decoded
	}

	resp := h.dispatch(ctx, corrID, request{
		method: event.HTTPMethod,
		path:   event.Path,
		header: header,
		query:  query,
		body:   body,
	})
	return toProxyResponse(resp, corrID), nil
}

// ServeHTTP serves the same routes when running outside Lambda.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corrID := correlationID(r.Header)
	w.Header().Set(correlationHeader, corrID)
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		resp := writeError(http.StatusBadRequest, usecase.ErrorInvalidPayload, "body too large")
		w.WriteHeader(resp.status)
		_, _ = w.Write(resp.body)
		return
	}

	resp := h.dispatch(r.Context(), corrID, request{
		method: r.Method,
		path:   r.URL.Path,
		header: r.Header,
		query:  r.URL.Query(),
		body:   body,
	})
	// A multi-event delivery can outlast the server's write timeout; the
	// response still has to reach the caller.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(responseWriteGrace))
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}

func (h *Handler) dispatch(ctx context.Context, corrID string, req request) response {
	logger := h.logger.With("correlation_id", corrID)
	path := req.path
	if path == "" {
		path = "/"
	}

	switch {
	case path == "/":
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return writeJSON(http.StatusOK, statusResponse{Status: "ok", Service: serviceName})
	case path == "/health":
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return writeJSON(http.StatusOK, statusResponse{Status: "healthy"})
	case path == "/webhook":
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.webhook(ctx, logger, req)
	}

	if userID, ok := historyUserID(path); ok && h.adminKey != "" {
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.history(ctx, logger, req, userID)
	}
	return writeError(http.StatusNotFound, "NOT_FOUND", "no route for "+path)
}

func (h *Handler) webhook(ctx context.Context, logger *slog.Logger, req request) response {
	out, err := h.relay.HandleDelivery(ctx, usecase.DeliveryInput{
		Body:      req.body,
		Header:    req.header,
		Signature: req.header.Get(line.SignatureHeader),
	})
	if err != nil {
		return h.errorFromUseCase(logger, err)
	}
	logger.Info("webhook processed", "events", len(out.Results))
	return writeJSON(http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) history(ctx context.Context, logger *slog.Logger, req request, userID string) response {
	if !h.authorized(req.header) {
		logger.Warn("history request rejected", "user_id", userID)
		return writeError(http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
	}

	limit := 0
	if raw := req.query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return writeError(http.StatusBadRequest, usecase.ErrorInvalidInput, "limit must be a non-negative integer")
		}
		limit = n
	}

	recs, err := h.relay.UserHistory(ctx, userID, limit)
	if err != nil {
		return h.errorFromUseCase(logger, err)
	}
	views := make([]eventView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, eventView{
			EventID:     rec.EventID,
			UserID:      rec.UserID,
			EventType:   rec.EventType,
			MessageType: rec.MessageType,
			MessageText: rec.MessageText,
			RouteTarget: string(rec.RouteTarget),
			RouteReason: rec.RouteReason,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return writeJSON(http.StatusOK, historyResponse{UserID: userID, Count: len(views), Events: views})
}

func (h *Handler) authorized(header http.Header) bool {
	token, ok := strings.CutPrefix(header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.adminKey)) == 1
}

func (h *Handler) errorFromUseCase(logger *slog.Logger, err error) response {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected error", "err", err)
		return writeError(http.StatusInternalServerError, usecase.ErrorInternal, "internal error")
	}

	switch ucErr.Code {
	case usecase.ErrorInvalidSignature:
		return writeError(http.StatusForbidden, ucErr.Code, "invalid signature")
	case usecase.ErrorInvalidPayload:
		return writeError(http.StatusBadRequest, ucErr.Code, "invalid JSON")
	case usecase.ErrorInvalidInput:
		return writeError(http.StatusBadRequest, ucErr.Code, ucErr.Reason)
	default:
		logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
		return writeError(http.StatusInternalServerError, usecase.ErrorInternal, "internal error")
	}
}

// historyUserID matches /users/{userID}/events.
func historyUserID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/users/")
	if !ok {
		return "", false
	}
	userID, ok := strings.CutSuffix(rest, "/events")
	if !ok || userID == "" || strings.Contains(userID, "/") {
		return "", false
	}
	if unescaped, err := url.PathUnescape(userID); err == nil {
		userID = unescaped
	}
	return userID, true
}

func correlationID(header http.Header) string {
	if id := strings.TrimSpace(header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func methodNotAllowed() response {
	return writeError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func writeError[C ~string](status int, code C, msg string) response {
	return writeJSON(status, errorResponse{Error: string(code), Message: msg})
}

func writeJSON(status int, v any) response {
	b, err := json.Marshal(v)
	if err != nil {
		return response{status: http.StatusInternalServerError, body: []byte(`{"error":"INTERNAL_ERROR"}`)}
	}
	return response{status: status, body: b}
}

func toProxyResponse(resp response, corrID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: resp.status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(resp.body),
	}
}
