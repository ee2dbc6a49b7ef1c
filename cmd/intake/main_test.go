package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/schedhook/internal/auth"
	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/intake"
	"github.com/austindbirch/schedhook/internal/metrics"
)

type fakeProducer struct {
	published int
	pingErr   error
}

func (p *fakeProducer) Publish(string, []byte) error { p.published++; return nil }
func (p *fakeProducer) Ping() error                  { return p.pingErr }

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "schedhook",
		Audience:  jwt.ClaimStrings{"schedhook-intake"},
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func newTestMux(t *testing.T, validator *auth.JWTValidator) (http.Handler, *fakeProducer) {
	t.Helper()
	prod := &fakeProducer{}
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	return newMux(intake.NewServer(prod, "schedule_requests", 0), prod, reg, validator), prod
}

const scheduleBody = `{"clientToken":"job-1","name":"job-1","scheduleExpression":"at(2026-11-01T09:00:00)","scheduleExpressionTimezone":"UTC","timeWindow":{"mode":"OFF"}}`

func TestNewValidator(t *testing.T) {
	key := testKey(t)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
			Kty: "RSA",
			Use: "sig",
			Kid: "k1",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	base := config.Intake{JWTIssuer: "schedhook", JWTAudience: "schedhook-intake"}

	tests := []struct {
		name     string
		mutate   func(*config.Intake)
		wantNil  bool
		wantErr  bool
		validate bool
	}{
		{name: "disabled", mutate: func(*config.Intake) {}, wantNil: true},
		{name: "pem", mutate: func(c *config.Intake) { c.JWTPublicKey = pubPEM }, validate: true},
		{name: "jwks", mutate: func(c *config.Intake) { c.JWKSURL = jwks.URL; c.JWTKeyID = "k1" }, validate: true},
		{name: "jwks unknown kid", mutate: func(c *config.Intake) { c.JWKSURL = jwks.URL; c.JWTKeyID = "nope" }, wantErr: true},
		{name: "bad pem", mutate: func(c *config.Intake) { c.JWTPublicKey = "garbage" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			v, err := newValidator(context.Background(), cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (v == nil) != tt.wantNil {
				t.Fatalf("validator nil = %v, want %v", v == nil, tt.wantNil)
			}
			if tt.validate {
				if sub, err := v.ValidateToken(signToken(t, key)); err != nil || sub != "ops" {
					t.Errorf("ValidateToken() = %q, %v", sub, err)
				}
			}
		})
	}
}

func TestMux_RequiresTokenWhenConfigured(t *testing.T) {
	key := testKey(t)
	h, prod := newTestMux(t, auth.NewJWTValidatorFromKey(&key.PublicKey, "schedhook", "schedhook-intake"))

	tests := []struct {
		name       string
		auth       string
		wantStatus int
	}{
		{name: "no header", wantStatus: http.StatusUnauthorized},
		{name: "bad token", auth: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "valid token", auth: "Bearer " + signToken(t, key), wantStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/schedules", strings.NewReader(scheduleBody))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
	if prod.published != 1 {
		t.Errorf("published = %d, want 1", prod.published)
	}
}

func TestMux_OpenEndpoints(t *testing.T) {
	key := testKey(t)
	h, prod := newTestMux(t, auth.NewJWTValidatorFromKey(&key.PublicKey, "schedhook", "schedhook-intake"))

	for _, path := range []string{"/healthz", "/metrics"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rr.Code)
		}
	}

	prod.pingErr = context.DeadlineExceeded
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with failing queue = %d, want 503", rr.Code)
	}
}

func TestMux_NoAuth(t *testing.T) {
	h, prod := newTestMux(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/schedules", strings.NewReader(scheduleBody)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	if prod.published != 1 {
		t.Errorf("published = %d", prod.published)
	}
}
