// Package token issues and verifies the bearer tokens that authenticate
// edge runtimes, and mints the one-shot registration tokens runtimes
// exchange for their first access token.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// Issuer is the fixed issuer claim on every access token minted by this service.
const Issuer = "edge-gateway"

// Subject is the fixed subject claim identifying a runtime access token.
const Subject = "runtime_access"

// ErrInvalidToken is returned for any signature, parse, or claim mismatch.
var ErrInvalidToken = errors.New("invalid token")

// AccessClaims are the custom claims carried by a runtime access token.
type AccessClaims struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tenant_id"`
	EpID     string `json:"ep_id"`
}

// Identity is the verified, parsed result of a runtime access token.
type Identity struct {
	TenantID uuid.UUID
	EpID     uuid.UUID
}

// Service mints and verifies runtime access tokens, and mints one-shot
// registration tokens. The signing secret and algorithm are injected
// constants, not mutable singletons.
type Service struct {
	signingKey []byte
	alg        jose.SignatureAlgorithm
	ttl        time.Duration
}

// NewService creates a Service. The secret must be at least 32 bytes, alg one
// of the HMAC family (empty selects HS256), and ttl at least 60 seconds.
func NewService(secret, alg string, ttl time.Duration) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token signing secret must be at least 32 bytes, got %d", len(secret))
	}
	sigAlg, err := parseAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	if ttl < 60*time.Second {
		return nil, fmt.Errorf("access token ttl must be at least 60s, got %s", ttl)
	}
	return &Service{signingKey: []byte(secret), alg: sigAlg, ttl: ttl}, nil
}

func parseAlgorithm(alg string) (jose.SignatureAlgorithm, error) {
	switch a := jose.SignatureAlgorithm(alg); a {
	case "":
		return jose.HS256, nil
	case jose.HS256, jose.HS384, jose.HS512:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

// MintRegistrationToken generates a 32-byte cryptographically random
// URL-safe raw token and its SHA-256 hash. Only the hash is ever persisted.
func MintRegistrationToken() (rawToken, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	rawToken = base64.RawURLEncoding.EncodeToString(b)
	hash = HashRegistrationToken(rawToken)
	return rawToken, hash, nil
}

// HashRegistrationToken returns the hex-encoded SHA-256 hash of a raw
// registration token, suitable for lookup against stored hashes.
func HashRegistrationToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// IssueAccessToken produces a signed bearer token scoped to a single
// (tenant_id, ep_id) pair. The returned expiry matches the token's exp claim.
func (s *Service) IssueAccessToken(tenantID, epID uuid.UUID) (token string, expiresAt time.Time, err error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: s.alg, Key: s.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	expiresAt = now.Add(s.ttl)

	registered := jwt.Claims{
		Issuer:    Issuer,
		Subject:   Subject,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expiresAt),
	}
	custom := AccessClaims{
		Subject:  Subject,
		TenantID: tenantID.String(),
		EpID:     epID.String(),
	}

	raw, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return raw, expiresAt, nil
}

// VerifyAccessToken validates signature, subject, claim presence, and time
// bounds, returning the parsed runtime identity on success.
func (s *Service) VerifyAccessToken(raw string) (Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{s.alg})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	var registered jwt.Claims
	var custom AccessClaims
	if err := tok.Claims(s.signingKey, &registered, &custom); err != nil {
		return Identity{}, ErrInvalidToken
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: Issuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return Identity{}, ErrInvalidToken
	}

	if custom.Subject != Subject {
		return Identity{}, ErrInvalidToken
	}

	tenantID, err := uuid.Parse(custom.TenantID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	epID, err := uuid.Parse(custom.EpID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	return Identity{TenantID: tenantID, EpID: epID}, nil
}
