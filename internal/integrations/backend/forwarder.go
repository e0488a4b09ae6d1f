// Package backend relays raw webhook deliveries to the downstream systems.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"line-gateway/internal/domain"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 1 << 20

	errNotConfigured = "not configured"
	errTimedOut      = "request timed out"
)

// hopHeaders are specific to the inbound hop and are never relayed.
var hopHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
}

// Forwarder posts the original request body to the old and new backends.
type Forwarder struct {
	urls       map[domain.Backend]string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Forwarder)

// WithTimeout bounds each outbound call.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.httpClient = &http.Client{Timeout: d}
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(f *Forwarder) {
		f.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// NewForwarder creates a Forwarder. Either URL may be empty; calls to an
// unconfigured backend fail without touching the network.
func NewForwarder(oldURL, newURL string, opts ...Option) *Forwarder {
	f := &Forwarder{
		urls: map[domain.Backend]string{
			domain.BackendOld: strings.TrimSpace(oldURL),
			domain.BackendNew: strings.TrimSpace(newURL),
		},
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ForwardByRoute relays body to every backend the decision targets. The
// returned outcomes are ordered old before new regardless of which call
// finished first.
func (f *Forwarder) ForwardByRoute(ctx context.Context, decision domain.RoutingDecision, body []byte, header http.Header) []domain.ForwardOutcome {
	backends := decision.Target.Backends()
	outcomes := make([]domain.ForwardOutcome, len(backends))
	if len(backends) == 1 {
		outcomes[0] = f.Forward(ctx, backends[0], body, header)
		return outcomes
	}

	// Legs never return an error, so one failing leg cannot cancel the other.
	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			outcomes[i] = f.Forward(ctx, b, body, header)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Forward relays body to a single backend. Every failure is reported in the
// outcome.
func (f *Forwarder) Forward(ctx context.Context, b domain.Backend, body []byte, header http.Header) domain.ForwardOutcome {
	url := f.urls[b]
	if url == "" {
		f.logger.Warn("backend url not configured", "backend", b)
		return domain.ForwardOutcome{Backend: b, Err: errNotConfigured}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.ForwardOutcome{Backend: b, Err: err.Error()}
	}
	req.Header = FilterHeaders(header)

	res, err := f.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			f.logger.Error("forward timed out", "backend", b, "url", url)
			return domain.ForwardOutcome{Backend: b, Err: errTimedOut}
		}
		f.logger.Error("forward failed", "backend", b, "err", err)
		return domain.ForwardOutcome{Backend: b, Err: err.Error()}
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := readBody(res)
	if err != nil {
		f.logger.Warn("read backend response", "backend", b, "err", err)
	}
	outcome := domain.ForwardOutcome{
		Backend:    b,
		Success:    res.StatusCode >= 200 && res.StatusCode < 300,
		StatusCode: res.StatusCode,
		Body:       decodeBody(raw),
	}
	if !outcome.Success {
		f.logger.Warn("backend rejected delivery", "backend", b, "status", res.StatusCode, "body", string(raw))
	}
	return outcome
}

// FilterHeaders copies h without hop-specific headers.
func FilterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if _, skip := hopHeaders[strings.ToLower(k)]; skip {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// readBody returns the response payload. An inbound Accept-Encoding is relayed
// as is, which turns off the transport's own decompression, so gzip is undone
// here.
func readBody(res *http.Response) ([]byte, error) {
	var reader io.Reader = res.Body
	if strings.EqualFold(strings.TrimSpace(res.Header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("backend: gzip response: %w", err)
		}
		defer func() { _ = zr.Close() }()
		reader = zr
	}
	return io.ReadAll(io.LimitReader(reader, maxResponseBody))
}

func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
