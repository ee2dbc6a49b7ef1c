package signer

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const algorithm = "AWS4-HMAC-SHA256"

var (
	ErrMissingAuthorization   = errors.New("missing Authorization header")
	ErrMalformedAuthorization = errors.New("malformed Authorization header")
	ErrUnknownAccessKey       = errors.New("unknown access key")
	ErrCredentialScope        = errors.New("credential scope mismatch")
	ErrRequestExpired         = errors.New("request time outside allowed skew")
	ErrPayloadMismatch        = errors.New("payload hash does not match body")
	ErrSignatureMismatch      = errors.New("signature does not match")
)

// Authorization is a parsed SigV4 Authorization header.
type Authorization struct {
	AccessKeyID   string
	Date          string // yyyymmdd
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// ParseAuthorization splits
// "AWS4-HMAC-SHA256 Credential=AKID/20240101/us-east-1/scheduler/aws4_request, SignedHeaders=a;b, Signature=hex".
func ParseAuthorization(h string) (Authorization, error) {
	var a Authorization
	if h == "" {
		return a, ErrMissingAuthorization
	}
	rest, ok := strings.CutPrefix(h, algorithm+" ")
	if !ok {
		return a, fmt.Errorf("%w: unsupported algorithm", ErrMalformedAuthorization)
	}

	for _, part := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return a, fmt.Errorf("%w: %q", ErrMalformedAuthorization, part)
		}
		switch k {
		case "Credential":
			scope := strings.Split(v, "/")
			if len(scope) != 5 || scope[4] != "aws4_request" {
				return a, fmt.Errorf("%w: credential %q", ErrMalformedAuthorization, v)
			}
			a.AccessKeyID, a.Date, a.Region, a.Service = scope[0], scope[1], scope[2], scope[3]
		case "SignedHeaders":
			a.SignedHeaders = strings.Split(v, ";")
		case "Signature":
			a.Signature = v
		}
	}

	if a.AccessKeyID == "" || len(a.SignedHeaders) == 0 || a.Signature == "" {
		return a, fmt.Errorf("%w: missing component", ErrMalformedAuthorization)
	}
	return a, nil
}

// Verify re-derives the signature of a received request from the headers it claims
// to have signed and compares it in constant time. creds supplies the secret for
// the expected access key; a session token is taken from the request.
func Verify(r *http.Request, body []byte, creds aws.Credentials, region, service string, leeway time.Duration, now time.Time) error {
	auth, err := ParseAuthorization(r.Header.Get(headerAuthorization))
	if err != nil {
		return err
	}
	if auth.AccessKeyID != creds.AccessKeyID {
		return fmt.Errorf("%w: %s", ErrUnknownAccessKey, auth.AccessKeyID)
	}
	if auth.Region != region || auth.Service != service {
		return fmt.Errorf("%w: %s/%s", ErrCredentialScope, auth.Region, auth.Service)
	}

	signedAt, err := time.Parse(amzDateFormat, r.Header.Get(headerAmzDate))
	if err != nil {
		return fmt.Errorf("%w: bad %s", ErrMalformedAuthorization, headerAmzDate)
	}
	if signedAt.Format("20060102") != auth.Date {
		return fmt.Errorf("%w: scope date %s", ErrCredentialScope, auth.Date)
	}
	if skew := now.Sub(signedAt); skew > leeway || skew < -leeway {
		return fmt.Errorf("%w: %s", ErrRequestExpired, skew)
	}

	hash := PayloadHash(body)
	if claimed := r.Header.Get(headerContentSHA256); claimed != "" && claimed != hash {
		return ErrPayloadMismatch
	}

	replay, err := replayRequest(r, body, auth.SignedHeaders)
	if err != nil {
		return err
	}

	creds.SessionToken = r.Header.Get(headerSecurityToken)
	s := New(nil)
	if err := s.v4.SignHTTP(context.Background(), creds, replay, hash, service, region, signedAt); err != nil {
		return fmt.Errorf("re-sign: %w", err)
	}
	expected, err := ParseAuthorization(replay.Header.Get(headerAuthorization))
	if err != nil {
		return err
	}

	if !hmac.Equal([]byte(expected.Signature), []byte(auth.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// replayRequest rebuilds r with only the headers listed as signed, so re-signing
// covers exactly what the sender covered.
func replayRequest(r *http.Request, body []byte, signed []string) (*http.Request, error) {
	u := &url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	replay, err := http.NewRequest(r.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	replay.Host = r.Host

	for _, h := range signed {
		switch h {
		case "host":
			continue
		case "content-length":
			replay.ContentLength = int64(len(body))
			continue
		}
		values := r.Header.Values(h)
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: signed header %q not present", ErrSignatureMismatch, h)
		}
		replay.Header[http.CanonicalHeaderKey(h)] = values
	}
	return replay, nil
}
