package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"line-gateway/internal/domain"
)

type received struct {
	body   []byte
	header http.Header
	calls  atomic.Int32
}

func newBackend(t *testing.T, status int, respBody string, got *received) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.calls.Add(1)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got.body = raw
		got.header = r.Header.Clone()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func decision(target domain.RouteTarget) domain.RoutingDecision {
	return domain.RoutingDecision{Target: target, Reason: "test"}
}

func inboundHeader() http.Header {
	return http.Header{
		"Host":              {"gateway.example.com"},
		"Content-Length":    {"42"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"keep-alive"},
		"X-Line-Signature":  {"sig=="},
		"Content-Type":      {"application/json; charset=utf-8"},
		"User-Agent":        {"LineBotWebhook/2.0"},
	}
}

func TestForward_RelaysBodyVerbatimAndFiltersHeaders(t *testing.T) {
	got := &received{}
	srv := newBackend(t, http.StatusOK, `{"ok":true}`, got)
	body := []byte(`{"events":[{"type":"message","message":{"type":"text","text":"地址"}}],  "destination":"U1"}`)

	f := NewForwarder(srv.URL, "")
	outcomes := f.ForwardByRoute(context.Background(), decision(domain.TargetOldSystem), body, inboundHeader())

	require.Len(t, outcomes, 1)
	require.Equal(t, domain.BackendOld, outcomes[0].Backend)
	require.True(t, outcomes[0].Success)
	require.Equal(t, http.StatusOK, outcomes[0].StatusCode)
	require.Equal(t, map[string]any{"ok": true}, outcomes[0].Body)
	require.Equal(t, body, got.body)
	require.Equal(t, "sig==", got.header.Get("X-Line-Signature"))
	require.Equal(t, "LineBotWebhook/2.0", got.header.Get("User-Agent"))
	require.Equal(t, "application/json; charset=utf-8", got.header.Get("Content-Type"))
	require.Empty(t, got.header.Get("Transfer-Encoding"))
}

func TestForward_NonJSONBodyKeptAsText(t *testing.T) {
	got := &received{}
	srv := newBackend(t, http.StatusOK, "accepted", got)

	outcomes := NewForwarder("", srv.URL).ForwardByRoute(context.Background(), decision(domain.TargetNewSystem), []byte(`{}`), http.Header{})
	require.Len(t, outcomes, 1)
	require.Equal(t, domain.BackendNew, outcomes[0].Backend)
	require.True(t, outcomes[0].Success)
	require.Equal(t, "accepted", outcomes[0].Body)
}

func TestForward_Non2xxIsFailure(t *testing.T) {
	got := &received{}
	srv := newBackend(t, http.StatusBadGateway, `{"reply_text":"nope"}`, got)

	out := NewForwarder(srv.URL, "").Forward(context.Background(), domain.BackendOld, []byte(`{}`), nil)
	require.False(t, out.Success)
	require.Equal(t, http.StatusBadGateway, out.StatusCode)
	require.Equal(t, map[string]any{"reply_text": "nope"}, out.Body)
}

func TestForward_NotConfigured(t *testing.T) {
	out := NewForwarder("", "").Forward(context.Background(), domain.BackendNew, []byte(`{}`), nil)
	require.Equal(t, domain.ForwardOutcome{Backend: domain.BackendNew, Err: "not configured"}, out)
}

func TestForward_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewForwarder(srv.URL, "", WithTimeout(50*time.Millisecond))
	out := f.Forward(context.Background(), domain.BackendOld, []byte(`{}`), nil)
	require.False(t, out.Success)
	require.Equal(t, "request timed out", out.Err)
	require.Zero(t, out.StatusCode)
}

func TestForward_TransportError(t *testing.T) {
	f := NewForwarder("http://127.0.0.1:1", "", WithTimeout(time.Second))
	out := f.Forward(context.Background(), domain.BackendOld, []byte(`{}`), nil)
	require.False(t, out.Success)
	require.NotEmpty(t, out.Err)
}

func TestForwardByRoute_BothProducesTwoOrderedOutcomes(t *testing.T) {
	oldGot, newGot := &received{}, &received{}
	// The old backend answers slower, yet must still come first.
	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		oldGot.calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`{"reply_text":"A"}`))
	}))
	defer oldSrv.Close()
	newSrv := newBackend(t, http.StatusOK, `{"reply_text":"B"}`, newGot)

	outcomes := NewForwarder(oldSrv.URL, newSrv.URL).ForwardByRoute(context.Background(), decision(domain.TargetBoth), []byte(`{}`), http.Header{})
	require.Len(t, outcomes, 2)
	require.Equal(t, domain.BackendOld, outcomes[0].Backend)
	require.Equal(t, domain.BackendNew, outcomes[1].Backend)
	require.EqualValues(t, 1, oldGot.calls.Load())
	require.EqualValues(t, 1, newGot.calls.Load())
}

func TestForwardByRoute_BothFailureDoesNotSuppressOtherLeg(t *testing.T) {
	newGot := &received{}
	newSrv := newBackend(t, http.StatusOK, `{}`, newGot)

	outcomes := NewForwarder("http://127.0.0.1:1", newSrv.URL, WithTimeout(time.Second)).
		ForwardByRoute(context.Background(), decision(domain.TargetBoth), []byte(`{}`), http.Header{})
	require.Len(t, outcomes, 2)
	require.False(t, outcomes[0].Success)
	require.True(t, outcomes[1].Success)
	require.EqualValues(t, 1, newGot.calls.Load())

	outcomes = NewForwarder("", newSrv.URL).ForwardByRoute(context.Background(), decision(domain.TargetBoth), []byte(`{}`), http.Header{})
	require.Len(t, outcomes, 2)
	require.Equal(t, "not configured", outcomes[0].Err)
	require.True(t, outcomes[1].Success)
}

func TestFilterHeaders_CaseInsensitive(t *testing.T) {
	h := http.Header{
		"host":             {"a"},
		"CONTENT-LENGTH":   {"1"},
		"x-line-signature": {"s"},
		"Authorization":    {"Bearer t"},
	}
	out := FilterHeaders(h)
	require.Equal(t, http.Header{"x-line-signature": {"s"}, "Authorization": {"Bearer t"}}, out)

	out["Authorization"][0] = "changed"
	require.Equal(t, "Bearer t", h["Authorization"][0])
}

func TestForward_DecodesGzipWhenAcceptEncodingRelayed(t *testing.T) {
	var gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(`{"reply_text":"hi"}`))
		_ = zw.Close()
	}))
	t.Cleanup(srv.Close)

	header := inboundHeader()
	header.Set("Accept-Encoding", "gzip")
	out := NewForwarder("", srv.URL).Forward(context.Background(), domain.BackendNew, []byte(`{}`), header)

	require.Equal(t, "gzip", gotEncoding)
	require.True(t, out.Success)
	text, ok := out.ReplyText()
	require.True(t, ok)
	require.Equal(t, "hi", text)
}

func TestForward_CorruptGzipKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("not gzip"))
	}))
	t.Cleanup(srv.Close)

	header := http.Header{"Accept-Encoding": {"gzip"}}
	out := NewForwarder(srv.URL, "").Forward(context.Background(), domain.BackendOld, []byte(`{}`), header)

	require.True(t, out.Success)
	require.Equal(t, http.StatusOK, out.StatusCode)
	_, ok := out.ReplyText()
	require.False(t, ok)
}
