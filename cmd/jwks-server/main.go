package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/schedhook/internal/auth"
	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/logging"
)

const (
	defaultKeyID = "schedhook-key-1"
	defaultTTL   = 3600
)

// tokenIssuer mints RS256 tokens for the intake service and publishes the matching JWKS.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	clock    clock.Clock
}

// loadKey reads a PKCS1 PEM key from JWT_PRIVATE_KEY or generates a fresh pair.
func loadKey(pemData string) (*rsa.PrivateKey, bool, error) {
	if pemData == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		return key, true, err
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	return key, false, err
}

func (ti *tokenIssuer) jwks() auth.JSONWebKeySet {
	pub := ti.key.PublicKey
	return auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: ti.keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

func (ti *tokenIssuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(ti.jwks())
}

type tokenRequest struct {
	Subject string `json:"sub"`
	TTL     int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (ti *tokenIssuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "sub is required", http.StatusBadRequest)
		return
	}
	if req.TTL < 0 {
		http.Error(w, "ttl_seconds must be positive", http.StatusBadRequest)
		return
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	signed, err := ti.sign(req.Subject, time.Duration(ttl)*time.Second)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: signed, ExpiresIn: ttl, TokenType: "Bearer"})
}

func (ti *tokenIssuer) sign(subject string, ttl time.Duration) (string, error) {
	now := ti.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    ti.issuer,
		Audience:  jwt.ClaimStrings{ti.audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = ti.keyID
	return token.SignedString(ti.key)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (ti *tokenIssuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", ti.jwksHandler)
	mux.HandleFunc("POST /token", ti.createTokenHandler)
	mux.HandleFunc("/healthz", healthHandler)
	return mux
}

func main() {
	logger := logging.New("jwks-server")
	cfg := config.FromEnv()

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}
	if generated {
		logger.Plain().Info("Generated new RSA key pair for JWT signing")
	}

	ti := &tokenIssuer{
		key:      key,
		keyID:    defaultKeyID,
		issuer:   cfg.Intake.JWTIssuer,
		audience: cfg.Intake.JWTAudience,
		clock:    clock.New(),
	}
	if kid := os.Getenv("JWT_KEY_ID"); kid != "" {
		ti.keyID = kid
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	logger.Plain().WithFields(map[string]any{
		"port": port,
		"kid":  ti.keyID,
		"iss":  ti.issuer,
		"aud":  ti.audience,
	}).Info("JWKS server starting")

	if err := http.ListenAndServe(":"+port, ti.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}
