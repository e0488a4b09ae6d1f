package line

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSign_KnownVector(t *testing.T) {
	// echo -n '{"events":[]}' | openssl dgst -sha256 -hmac secret -binary | base64
	require.Equal(t, "pkK1lVPJPiJ+wPLziRD79xIxohl8AImYM8AEeM7IbzQ=", Sign([]byte(`{"events":[]}`), "secret"))
	require.NotEqual(t, Sign([]byte(`{"events":[]}`), "secret"), Sign([]byte(`{"events":[]}`), "other"))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"destination":"U1","events":[]}`)
	sig := Sign(body, "channel-secret")

	require.True(t, VerifySignature(body, sig, "channel-secret"))
	require.False(t, VerifySignature(body, sig, "wrong-secret"))
	require.False(t, VerifySignature([]byte(`{"destination":"U1","events":[] }`), sig, "channel-secret"))
	require.False(t, VerifySignature(body, "", "channel-secret"))
	require.False(t, VerifySignature(body, "not-base64!", "channel-secret"))
}
