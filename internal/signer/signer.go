// Package signer attaches AWS Signature Version 4 headers to outgoing scheduler
// requests and checks them on the receiving side.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/benbjohnson/clock"
)

// Service is the signing name of EventBridge Scheduler.
const Service = "scheduler"

const (
	headerContentType   = "Content-Type"
	headerContentSHA256 = "X-Amz-Content-Sha256"
	headerAmzDate       = "X-Amz-Date"
	headerSecurityToken = "X-Amz-Security-Token"
	headerAuthorization = "Authorization"

	amzDateFormat = "20060102T150405Z"
	contentType   = "application/json"
)

var ErrMissingCredentials = errors.New("credentials have no access key or secret")

// SigningContext is everything one signature depends on besides the request itself.
type SigningContext struct {
	Region      string
	Service     string
	Time        time.Time
	Credentials aws.Credentials
}

// Signer wraps the SDK v4 signer with a clock so signing time can be pinned in tests.
type Signer struct {
	v4    *v4.Signer
	clock clock.Clock
}

func New(c clock.Clock) *Signer {
	if c == nil {
		c = clock.New()
	}
	return &Signer{v4: v4.NewSigner(), clock: c}
}

// Context captures the signing time once, so the X-Amz-Date header and the
// credential scope always agree.
func (s *Signer) Context(region string, creds aws.Credentials) SigningContext {
	return SigningContext{
		Region:      region,
		Service:     Service,
		Time:        s.clock.Now().UTC(),
		Credentials: creds,
	}
}

// PayloadHash is the lowercase hex SHA-256 of body.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign adds Content-Type, X-Amz-Content-Sha256, X-Amz-Date, Authorization and,
// for temporary credentials, X-Amz-Security-Token. The request must not be
// modified afterwards except by headers the signer ignores.
func (s *Signer) Sign(ctx context.Context, req *http.Request, body []byte, sc SigningContext) error {
	if !sc.Credentials.HasKeys() {
		return ErrMissingCredentials
	}
	if sc.Region == "" {
		return errors.New("signing region is empty")
	}
	service := sc.Service
	if service == "" {
		service = Service
	}

	hash := PayloadHash(body)
	if req.Header.Get(headerContentType) == "" {
		req.Header.Set(headerContentType, contentType)
	}
	req.Header.Set(headerContentSHA256, hash)

	if err := s.v4.SignHTTP(ctx, sc.Credentials, req, hash, service, sc.Region, sc.Time); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}
