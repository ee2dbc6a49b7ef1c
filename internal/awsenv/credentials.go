package awsenv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/credentials/endpointcreds"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrNoCredentials means a provider had nothing to offer. The chain moves on to the
// next provider; every other error stops it.
var ErrNoCredentials = errors.New("no credentials found")

// ErrPartialCredentials is returned when only one half of a key pair is set.
var ErrPartialCredentials = errors.New("access key id and secret access key must both be set")

const containerHost = "http://169.254.170.2"

// Provider is one source of credentials.
type Provider interface {
	Name() string
	Retrieve(ctx context.Context) (aws.Credentials, error)
}

// Chain tries providers in order. It satisfies aws.CredentialsProvider.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// DefaultChain is environment, shared profile, container endpoint, instance role.
func DefaultChain(opts Options) *Chain {
	return NewChain(
		EnvProvider{},
		SharedConfigProvider{Options: opts},
		ContainerProvider{},
		InstanceRoleProvider{Options: opts},
	)
}

// Providers returns the names in precedence order.
func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

func (c *Chain) Retrieve(ctx context.Context) (aws.Credentials, error) {
	for _, p := range c.providers {
		creds, err := p.Retrieve(ctx)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("%s: %w", p.Name(), err)
		}
		if !creds.HasKeys() {
			return aws.Credentials{}, fmt.Errorf("%s: returned empty credentials", p.Name())
		}
		if creds.Source == "" {
			creds.Source = p.Name()
		}
		return creds, nil
	}
	return aws.Credentials{}, ErrNoCredentials
}

// EnvProvider reads AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN,
// with AWS_ACCESS_KEY and AWS_SECRET_KEY as fallbacks.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Retrieve(context.Context) (aws.Credentials, error) {
	id := firstEnv("AWS_ACCESS_KEY_ID", "AWS_ACCESS_KEY")
	secret := firstEnv("AWS_SECRET_ACCESS_KEY", "AWS_SECRET_KEY")

	switch {
	case id == "" && secret == "":
		return aws.Credentials{}, ErrNoCredentials
	case id == "" || secret == "":
		return aws.Credentials{}, ErrPartialCredentials
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "env",
	}, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// SharedConfigProvider returns static keys from the shared credentials or config files.
// Profiles that only describe role assumption or SSO are skipped.
type SharedConfigProvider struct {
	Options Options
}

func (SharedConfigProvider) Name() string { return "shared-config" }

func (p SharedConfigProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	sc, ok, err := p.Options.loadProfile(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	if !ok || !sc.Credentials.HasKeys() {
		return aws.Credentials{}, ErrNoCredentials
	}
	creds := sc.Credentials
	creds.Source = "shared-config:" + p.Options.profile()
	return creds, nil
}

// ContainerProvider fetches credentials from the container credentials endpoint
// (AWS_CONTAINER_CREDENTIALS_FULL_URI or AWS_CONTAINER_CREDENTIALS_RELATIVE_URI).
type ContainerProvider struct {
	HTTPClient *http.Client
}

func (ContainerProvider) Name() string { return "container" }

func (p ContainerProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	endpoint := os.Getenv("AWS_CONTAINER_CREDENTIALS_FULL_URI")
	if endpoint == "" {
		if rel := os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI"); rel != "" {
			endpoint = containerHost + rel
		}
	}
	if endpoint == "" {
		return aws.Credentials{}, ErrNoCredentials
	}

	token, err := containerAuthToken()
	if err != nil {
		return aws.Credentials{}, err
	}

	provider := endpointcreds.New(endpoint, func(o *endpointcreds.Options) {
		o.AuthorizationToken = token
		o.Retryer = aws.NopRetryer{}
		if p.HTTPClient != nil {
			o.HTTPClient = p.HTTPClient
		}
	})
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, describeProviderError(err)
	}
	return creds, nil
}

func containerAuthToken() (string, error) {
	if path := os.Getenv("AWS_CONTAINER_AUTHORIZATION_TOKEN_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read container authorization token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return os.Getenv("AWS_CONTAINER_AUTHORIZATION_TOKEN"), nil
}

// InstanceRoleProvider fetches the instance profile role credentials from IMDS.
type InstanceRoleProvider struct {
	Options Options
}

func (InstanceRoleProvider) Name() string { return "instance-role" }

func (p InstanceRoleProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	if p.Options.IMDSDisabled {
		return aws.Credentials{}, ErrNoCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	provider := ec2rolecreds.New(func(o *ec2rolecreds.Options) {
		o.Client = p.Options.imdsClient()
	})
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		if metadataUnavailable(err) {
			return aws.Credentials{}, fmt.Errorf("%w: instance metadata unavailable", ErrNoCredentials)
		}
		return aws.Credentials{}, describeProviderError(err)
	}
	return creds, nil
}

// metadataUnavailable reports errors that mean "not on EC2" or "no role attached".
func metadataUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// describeProviderError keeps the service error code visible in logs.
func describeProviderError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}

var _ aws.CredentialsProvider = (*Chain)(nil)
