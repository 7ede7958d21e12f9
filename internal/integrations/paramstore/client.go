package paramstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Provider and speech clients depend on this interface rather than the
// concrete *Client so they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
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
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// EnvGetter resolves a parameter from the environment. The variable name is
// the last path segment upper-cased with dashes turned into underscores, so
// "/ask-dora/primary-token" reads PRIMARY_TOKEN.
type EnvGetter struct {
	lookup func(string) (string, bool)
}

func NewEnvGetter() *EnvGetter {
	return &EnvGetter{lookup: os.LookupEnv}
}

func (g *EnvGetter) GetParameter(_ context.Context, name string) (string, error) {
	key := EnvKey(name)
	if key == "" {
		return "", errors.New("paramstore: name is required")
	}
	lookup := g.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("paramstore: environment variable %s is not set", key)
	}
	return v, nil
}

// EnvKey maps a parameter name to its environment variable name.
func EnvKey(name string) string {
	base := path.Base(strings.TrimSpace(name))
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(base, "-", "_"))
}
