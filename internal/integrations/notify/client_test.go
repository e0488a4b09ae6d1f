package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"line-gateway/internal/domain"
)

var testAlert = domain.HighValueAlert{UserID: "U42", MessageText: "我想設立公司", Keyword: "設立公司"}

func TestNotifyHighValue_HappyPath(t *testing.T) {
	var got struct {
		Text   string `json:"text"`
		Blocks []struct {
			Type string `json:"type"`
			Text struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"text"`
		} `json:"blocks"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.Header.Get("Content-Type"), "application/json")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).NotifyHighValue(context.Background(), testAlert)
	require.NoError(t, err)
	require.Contains(t, got.Text, "設立公司")
	require.Contains(t, got.Text, "U42")
	require.Contains(t, got.Text, "我想設立公司")
	require.Len(t, got.Blocks, 1)
	require.Equal(t, "section", got.Blocks[0].Type)
	require.Equal(t, "mrkdwn", got.Blocks[0].Text.Type)
	require.Contains(t, got.Blocks[0].Text.Text, "`設立公司`")
}

func TestNotifyHighValue_NotConfigured(t *testing.T) {
	err := NewClient("  ").NotifyHighValue(context.Background(), testAlert)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestNotifyHighValue_OnlyStatus200Succeeds(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		err := NewClient(srv.URL).NotifyHighValue(context.Background(), testAlert)
		srv.Close()

		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr, "status=%d", status)
		require.Equal(t, status, statusErr.HTTPStatusCode())
	}
}

func TestNotifyHighValue_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	err := c.NotifyHighValue(context.Background(), testAlert)
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}
