package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReplyMode(t *testing.T) {
	cases := []struct {
		in      string
		want    ReplyMode
		wantErr bool
	}{
		{in: "unified", want: ReplyUnified},
		{in: "DELEGATE_OLD", want: ReplyDelegateOld},
		{in: " delegate_new ", want: ReplyDelegateNew},
		{in: "", want: ReplyUnified},
		{in: "relay", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseReplyMode(tc.in)
		if tc.wantErr {
			require.Error(t, err, "in=%q", tc.in)
			continue
		}
		require.NoError(t, err, "in=%q", tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestRouteTarget_Backends(t *testing.T) {
	require.Equal(t, []Backend{BackendOld}, TargetOldSystem.Backends())
	require.Equal(t, []Backend{BackendNew}, TargetNewSystem.Backends())
	require.Equal(t, []Backend{BackendOld, BackendNew}, TargetBoth.Backends())
	require.Nil(t, RouteTarget("nowhere").Backends())
}

func TestReplyMode_SelfReplyingBackend(t *testing.T) {
	require.Equal(t, Backend(""), ReplyUnified.SelfReplyingBackend())
	require.Equal(t, BackendOld, ReplyDelegateOld.SelfReplyingBackend())
	require.Equal(t, BackendNew, ReplyDelegateNew.SelfReplyingBackend())
}

func TestForwardOutcome_ReplyText(t *testing.T) {
	text, ok := ForwardOutcome{Body: map[string]any{"reply_text": "hi"}}.ReplyText()
	require.True(t, ok)
	require.Equal(t, "hi", text)

	_, ok = ForwardOutcome{Body: map[string]any{"reply_text": ""}}.ReplyText()
	require.False(t, ok)

	_, ok = ForwardOutcome{Body: map[string]any{"reply_text": 3.0}}.ReplyText()
	require.False(t, ok)

	_, ok = ForwardOutcome{Body: `{"reply_text":"raw"}`}.ReplyText()
	require.False(t, ok)

	_, ok = ForwardOutcome{}.ReplyText()
	require.False(t, ok)
}
