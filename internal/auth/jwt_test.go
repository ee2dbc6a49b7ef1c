package auth

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
)

const (
	testIssuer   = "schedhook"
	testAudience = "schedhook-intake"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "stream-bridge",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestNewJWTValidator(t *testing.T) {
	key := newTestKey(t)
	pkix, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{
			name:         "PKIX public key",
			publicKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix})),
		},
		{
			name:         "PKCS1 public key",
			publicKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})),
		},
		{
			name:         "invalid PEM format",
			publicKeyPEM: "invalid-pem",
			expectError:  true,
		},
		{
			name:         "empty public key",
			publicKeyPEM: "",
			expectError:  true,
		},
		{
			name:         "invalid key bytes",
			publicKeyPEM: "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----",
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, testIssuer, testAudience)

			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				if validator != nil {
					t.Error("NewJWTValidator() should return nil validator on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator.issuer != testIssuer || validator.audience != testAudience {
				t.Errorf("NewJWTValidator() issuer/audience = %q/%q", validator.issuer, validator.audience)
			}
			if validator.publicKey.N.Cmp(key.PublicKey.N) != 0 {
				t.Error("NewJWTValidator() parsed a different key")
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	key := newTestKey(t)
	otherKey := newTestKey(t)
	validator := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)

	withClaim := func(k string, v any) jwt.MapClaims {
		c := validClaims()
		if v == nil {
			delete(c, k)
		} else {
			c[k] = v
		}
		return c
	}

	tests := []struct {
		name        string
		token       string
		wantCaller  string
		expectError bool
	}{
		{
			name:       "valid token",
			token:      signToken(t, key, validClaims()),
			wantCaller: "stream-bridge",
		},
		{
			name:        "wrong issuer",
			token:       signToken(t, key, withClaim("iss", "someone-else")),
			expectError: true,
		},
		{
			name:        "wrong audience",
			token:       signToken(t, key, withClaim("aud", "other-api")),
			expectError: true,
		},
		{
			name:        "expired",
			token:       signToken(t, key, withClaim("exp", time.Now().Add(-time.Minute).Unix())),
			expectError: true,
		},
		{
			name:        "no expiry",
			token:       signToken(t, key, withClaim("exp", nil)),
			expectError: true,
		},
		{
			name:        "missing subject",
			token:       signToken(t, key, withClaim("sub", nil)),
			expectError: true,
		},
		{
			name:        "signed by another key",
			token:       signToken(t, otherKey, validClaims()),
			expectError: true,
		},
		{
			name:        "malformed token",
			token:       "header.payload",
			expectError: true,
		},
		{
			name:        "empty token",
			token:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, err := validator.ValidateToken(tt.token)

			if tt.expectError {
				if err == nil {
					t.Error("ValidateToken() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() unexpected error: %v", err)
			}
			if caller != tt.wantCaller {
				t.Errorf("ValidateToken() caller = %q, want %q", caller, tt.wantCaller)
			}
		})
	}
}

func TestJWTValidator_ValidateToken_NoKey(t *testing.T) {
	validator := &JWTValidator{issuer: testIssuer, audience: testAudience}
	if _, err := validator.ValidateToken("a.b.c"); err == nil {
		t.Error("ValidateToken() without key should fail")
	}
}

func TestJWTValidator_HTTPMiddleware(t *testing.T) {
	key := newTestKey(t)
	validator := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)

	mockHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := CallerFromContext(r.Context()); ok {
			w.Header().Set("X-Caller", caller)
		}
		w.WriteHeader(http.StatusOK)
	})
	middleware := validator.HTTPMiddleware(mockHandler)

	tests := []struct {
		name           string
		path           string
		authorization  string
		expectedStatus int
		expectedCaller string
	}{
		{
			name:           "health check bypass",
			path:           "/healthz",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics bypass",
			path:           "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid bearer token",
			path:           "/v1/schedules",
			authorization:  "Bearer " + signToken(t, key, validClaims()),
			expectedStatus: http.StatusOK,
			expectedCaller: "stream-bridge",
		},
		{
			name:           "missing authorization header",
			path:           "/v1/schedules",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid authorization header format",
			path:           "/v1/records",
			authorization:  "Basic dXNlcjpwYXNz",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid JWT token",
			path:           "/v1/records",
			authorization:  "Bearer invalid-token",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}

			w := httptest.NewRecorder()
			middleware.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("HTTPMiddleware() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if got := w.Header().Get("X-Caller"); got != tt.expectedCaller {
				t.Errorf("HTTPMiddleware() caller = %q, want %q", got, tt.expectedCaller)
			}
		})
	}
}

func TestCallerFromContext(t *testing.T) {
	tests := []struct {
		name       string
		ctx        context.Context
		wantCaller string
		wantOK     bool
	}{
		{
			name:       "context with caller",
			ctx:        context.WithValue(context.Background(), CallerKey, "cli"),
			wantCaller: "cli",
			wantOK:     true,
		},
		{
			name: "context without caller",
			ctx:  context.Background(),
		},
		{
			name: "context with wrong type value",
			ctx:  context.WithValue(context.Background(), CallerKey, 123),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, ok := CallerFromContext(tt.ctx)
			if caller != tt.wantCaller || ok != tt.wantOK {
				t.Errorf("CallerFromContext() = (%q, %v), want (%q, %v)", caller, ok, tt.wantCaller, tt.wantOK)
			}
		})
	}
}

func jwkFor(pub *rsa.PublicKey, kid string) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func TestFetchJWKS(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)

	tests := []struct {
		name          string
		handler       http.HandlerFunc
		kid           string
		wantKey       *rsa.PublicKey
		errorContains string
	}{
		{
			name: "first signing key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{jwkFor(&key.PublicKey, "k1")}})
			},
			wantKey: &key.PublicKey,
		},
		{
			name: "select by kid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{
					jwkFor(&key.PublicKey, "k1"),
					jwkFor(&other.PublicKey, "k2"),
				}})
			},
			kid:     "k2",
			wantKey: &other.PublicKey,
		},
		{
			name: "unknown kid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{jwkFor(&key.PublicKey, "k1")}})
			},
			kid:           "missing",
			errorContains: "no signing key",
		},
		{
			name:          "endpoint returns 404",
			handler:       http.NotFound,
			errorContains: "JWKS endpoint returned status 404",
		},
		{
			name: "invalid JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("invalid-json"))
			},
			errorContains: "failed to decode JWKS",
		},
		{
			name: "empty keys",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{}})
			},
			errorContains: "no keys found in JWKS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			got, err := FetchJWKS(context.Background(), server.URL, tt.kid)

			if tt.errorContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorContains) {
					t.Fatalf("FetchJWKS() error = %v, want to contain %q", err, tt.errorContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchJWKS() unexpected error: %v", err)
			}
			if got.N.Cmp(tt.wantKey.N) != 0 || got.E != tt.wantKey.E {
				t.Error("FetchJWKS() returned the wrong key")
			}
		})
	}
}

func TestJSONWebKey_RSAPublicKey_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  JSONWebKey
	}{
		{name: "not RSA", key: JSONWebKey{Kty: "EC", N: "AQAB", E: "AQAB"}},
		{name: "bad modulus", key: JSONWebKey{Kty: "RSA", N: "!!", E: "AQAB"}},
		{name: "empty exponent", key: JSONWebKey{Kty: "RSA", N: "AQAB", E: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.key.RSAPublicKey(); err == nil {
				t.Error("RSAPublicKey() expected error")
			}
		})
	}
}
