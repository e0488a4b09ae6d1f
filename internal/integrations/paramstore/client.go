package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

const (
	channelSecretParam      = "/channel_secret"
	channelAccessTokenParam = "/channel_access_token"
)

// ErrNotFound reports a parameter that does not exist in the store.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of a single parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// ChannelCredentials are the LINE channel secrets kept in SSM.
type ChannelCredentials struct {
	ChannelSecret      string
	ChannelAccessToken string
}

// LoadChannelCredentials reads <prefix>/channel_secret and
// <prefix>/channel_access_token. A missing parameter leaves its field empty so
// the caller can fall back to the environment.
func (c *Client) LoadChannelCredentials(ctx context.Context, prefix string) (ChannelCredentials, error) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ChannelCredentials{}, errors.New("paramstore: prefix must not be empty")
	}

	secret, err := c.optional(ctx, prefix+channelSecretParam)
	if err != nil {
		return ChannelCredentials{}, err
	}
	token, err := c.optional(ctx, prefix+channelAccessTokenParam)
	if err != nil {
		return ChannelCredentials{}, err
	}
	return ChannelCredentials{
		ChannelSecret:      strings.TrimSpace(secret),
		ChannelAccessToken: strings.TrimSpace(token),
	}, nil
}

func (c *Client) optional(ctx context.Context, name string) (string, error) {
	v, err := c.GetParameter(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
