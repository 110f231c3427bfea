package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentry-io/agentry/internal/config"
)

// Claims are the token fields agentry verifies. Token issuance happens
// in the identity service; this side only checks signature and expiry.
type Claims struct {
	Subject  string `json:"sub"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
}

// AuthService verifies access tokens and API keys presented by REST and
// real-time clients.
type AuthService struct {
	enabled      bool
	secret       []byte
	apiKeyHashes []string
	now          func() time.Time // for testing
}

// NewAuthService creates a new verification-only auth service.
func NewAuthService(cfg config.Auth) *AuthService {
	return &AuthService{
		enabled:      cfg.Enabled,
		secret:       []byte(cfg.JWTSecret),
		apiKeyHashes: cfg.APIKeyHash,
		now:          time.Now,
	}
}

// Enabled reports whether authentication is enforced.
func (s *AuthService) Enabled() bool {
	return s.enabled
}

// ValidateAccessToken verifies an HS256 JWT and returns its claims.
func (s *AuthService) ValidateAccessToken(tokenStr string) (*Claims, error) {
	parts := strings.SplitN(tokenStr, ".", 3)
	if len(parts) != 3 {
		return nil, errors.New("malformed token")
	}

	signingInput := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signingInput))
	expectedSig := base64URLEncode(mac.Sum(nil))

	if !hmac.Equal([]byte(parts[2]), []byte(expectedSig)) {
		return nil, errors.New("invalid signature")
	}

	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal claims: %w", err)
	}

	if s.now().Unix() > claims.Expiry {
		return nil, errors.New("token expired")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}

	return &claims, nil
}

// VerifyToken adapts ValidateAccessToken for the real-time handshake,
// returning only the caller identity.
func (s *AuthService) VerifyToken(tokenStr string) (string, error) {
	claims, err := s.ValidateAccessToken(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ValidateAPIKey checks a raw API key against the configured bcrypt
// hashes.
func (s *AuthService) ValidateAPIKey(key string) error {
	for _, hash := range s.apiKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return nil
		}
	}
	return errors.New("invalid api key")
}

// --- HS256 helpers ---

// jwtHeader is the fixed base64url-encoded header for HS256.
var jwtHeader = base64URLEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))

// SignToken mints an HS256 token for the given claims. Used by the dev
// token admin command and by tests; production tokens come from the
// identity service.
func SignToken(secret []byte, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	payloadB64 := base64URLEncode(payload)
	signingInput := jwtHeader + "." + payloadB64

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	sig := base64URLEncode(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
