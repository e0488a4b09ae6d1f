package line

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	path   string
	auth   string
	body   map[string]any
	called int
}

func newLineServer(t *testing.T, status int, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.called++
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &captured.body))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, token string) *Client {
	return NewClient(token, WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
}

func textMessages(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = TextMessage("m")
	}
	return msgs
}

func TestReplyText_HappyPath(t *testing.T) {
	captured := &capturedRequest{}
	srv := newLineServer(t, http.StatusOK, captured)

	err := newTestClient(srv, "access").ReplyText(context.Background(), "reply-token", "hello")
	require.NoError(t, err)
	require.Equal(t, "/message/reply", captured.path)
	require.Equal(t, "Bearer access", captured.auth)
	require.Equal(t, "reply-token", captured.body["replyToken"])
	msgs := captured.body["messages"].([]any)
	require.Len(t, msgs, 1)
	require.Equal(t, map[string]any{"type": "text", "text": "hello"}, msgs[0])
}

func TestPushText_HappyPath(t *testing.T) {
	captured := &capturedRequest{}
	srv := newLineServer(t, http.StatusOK, captured)

	err := newTestClient(srv, "access").PushText(context.Background(), "U123", "hello")
	require.NoError(t, err)
	require.Equal(t, "/message/push", captured.path)
	require.Equal(t, "U123", captured.body["to"])
}

func TestReplyMessages_TruncatesToFive(t *testing.T) {
	captured := &capturedRequest{}
	srv := newLineServer(t, http.StatusOK, captured)

	err := newTestClient(srv, "access").ReplyMessages(context.Background(), "tok", textMessages(7))
	require.NoError(t, err)
	require.Len(t, captured.body["messages"].([]any), MaxMessages)
}

func TestPushMessages_TruncatesToFive(t *testing.T) {
	captured := &capturedRequest{}
	srv := newLineServer(t, http.StatusOK, captured)

	err := newTestClient(srv, "access").PushMessages(context.Background(), "U1", textMessages(6))
	require.NoError(t, err)
	require.Len(t, captured.body["messages"].([]any), MaxMessages)
}

func TestReplyMessages_MissingAccessToken(t *testing.T) {
	captured := &capturedRequest{}
	srv := newLineServer(t, http.StatusOK, captured)

	err := newTestClient(srv, " ").ReplyText(context.Background(), "tok", "hi")
	require.ErrorIs(t, err, ErrMissingAccessToken)
	err = newTestClient(srv, "").PushText(context.Background(), "U1", "hi")
	require.ErrorIs(t, err, ErrMissingAccessToken)
	require.Zero(t, captured.called)
}

func TestReplyMessages_Non2xx(t *testing.T) {
	captured := &capturedRequest{}
	srv := newLineServer(t, http.StatusBadRequest, captured)

	err := newTestClient(srv, "access").ReplyText(context.Background(), "expired", "hi")
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
}

func TestPushMessages_TransportError(t *testing.T) {
	c := NewClient("access", WithBaseURL("http://127.0.0.1:1"), WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	err := c.PushText(context.Background(), "U1", "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}

func TestReplyMessages_EmptyToken(t *testing.T) {
	err := NewClient("access").ReplyText(context.Background(), "", "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "reply token")
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("access", WithBaseURL(""))
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.NotNil(t, c.httpClient)
}
