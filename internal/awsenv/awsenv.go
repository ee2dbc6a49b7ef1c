// Package awsenv resolves the region and credentials a dispatch signs with,
// from the ambient environment, without caching anything between calls.
package awsenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// ErrNoRegion is returned when no source in the region chain yields a value.
var ErrNoRegion = errors.New("no region configured")

const (
	DefaultProfile = "default"
	imdsTimeout    = 2 * time.Second
)

// RegionGetter is satisfied by *imds.Client.
type RegionGetter interface {
	GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error)
}

var _ RegionGetter = (*imds.Client)(nil)

// Options describes where ambient AWS settings live.
type Options struct {
	Profile          string
	ConfigFiles      []string // empty means the SDK default (~/.aws/config)
	CredentialsFiles []string // empty means the SDK default (~/.aws/credentials)
	IMDSDisabled     bool
	IMDSEndpoint     string // overrides http://169.254.169.254

	// IMDS answers the last step of the region chain. nil builds a client from IMDSEndpoint.
	IMDS RegionGetter
}

// OptionsFromEnv reads AWS_PROFILE, AWS_CONFIG_FILE, AWS_SHARED_CREDENTIALS_FILE,
// AWS_EC2_METADATA_DISABLED and AWS_EC2_METADATA_SERVICE_ENDPOINT.
func OptionsFromEnv() Options {
	opts := Options{
		Profile:      DefaultProfile,
		IMDSDisabled: strings.EqualFold(os.Getenv("AWS_EC2_METADATA_DISABLED"), "true"),
		IMDSEndpoint: os.Getenv("AWS_EC2_METADATA_SERVICE_ENDPOINT"),
	}
	if p := os.Getenv("AWS_PROFILE"); p != "" {
		opts.Profile = p
	}
	if f := os.Getenv("AWS_CONFIG_FILE"); f != "" {
		opts.ConfigFiles = []string{f}
	}
	if f := os.Getenv("AWS_SHARED_CREDENTIALS_FILE"); f != "" {
		opts.CredentialsFiles = []string{f}
	}
	return opts
}

func (o Options) profile() string {
	if o.Profile == "" {
		return DefaultProfile
	}
	return o.Profile
}

func (o Options) imdsClient() *imds.Client {
	return imds.New(imds.Options{
		Endpoint: o.IMDSEndpoint,
		Retryer:  aws.NopRetryer{},
	})
}

// loadProfile returns the shared profile, or ok=false when it does not exist.
func (o Options) loadProfile(ctx context.Context) (config.SharedConfig, bool, error) {
	sc, err := config.LoadSharedConfigProfile(ctx, o.profile(), func(lo *config.LoadSharedConfigOptions) {
		if len(o.ConfigFiles) > 0 {
			lo.ConfigFiles = o.ConfigFiles
		}
		if len(o.CredentialsFiles) > 0 {
			lo.CredentialsFiles = o.CredentialsFiles
		}
	})
	if err != nil {
		var notExist config.SharedConfigProfileNotExistError
		if errors.As(err, &notExist) {
			return config.SharedConfig{}, false, nil
		}
		return config.SharedConfig{}, false, fmt.Errorf("shared config profile %q: %w", o.profile(), err)
	}
	return sc, true, nil
}

// ResolveRegion walks AWS_REGION, AWS_DEFAULT_REGION, the shared config profile
// and instance metadata, in that order.
func ResolveRegion(ctx context.Context, opts Options) (string, error) {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r, nil
	}
	if r := os.Getenv("AWS_DEFAULT_REGION"); r != "" {
		return r, nil
	}

	sc, ok, err := opts.loadProfile(ctx)
	if err != nil {
		return "", err
	}
	if ok && sc.Region != "" {
		return sc.Region, nil
	}

	if opts.IMDSDisabled {
		return "", ErrNoRegion
	}
	getter := opts.IMDS
	if getter == nil {
		getter = opts.imdsClient()
	}

	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := getter.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out == nil || out.Region == "" {
		// not running on EC2, or metadata has no region
		return "", ErrNoRegion
	}
	return out.Region, nil
}
