package token

import (
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService("a-signing-secret-that-is-at-least-32-bytes-long", "HS256", time.Hour)
	require.NoError(t, err)
	return s
}

func TestNewService_RejectsShortSecret(t *testing.T) {
	_, err := NewService("too-short", "HS256", time.Hour)
	require.Error(t, err)
}

func TestNewService_RejectsShortTTL(t *testing.T) {
	_, err := NewService("a-signing-secret-that-is-at-least-32-bytes-long", "HS256", 30*time.Second)
	require.Error(t, err)
}

func TestNewService_RejectsNonHMACAlgorithm(t *testing.T) {
	_, err := NewService("a-signing-secret-that-is-at-least-32-bytes-long", "RS256", time.Hour)
	require.Error(t, err)
}

func TestNewService_EmptyAlgorithmDefaultsToHS256(t *testing.T) {
	s, err := NewService("a-signing-secret-that-is-at-least-32-bytes-long", "", time.Hour)
	require.NoError(t, err)
	require.Equal(t, jose.HS256, s.alg)
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	s := newTestService(t)
	tenantID := uuid.New()
	epID := uuid.New()

	raw, expiresAt, err := s.IssueAccessToken(tenantID, epID)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 2*time.Second)

	identity, err := s.VerifyAccessToken(raw)
	require.NoError(t, err)
	require.Equal(t, tenantID, identity.TenantID)
	require.Equal(t, epID, identity.EpID)
}

func TestVerifyAccessToken_RejectsGarbage(t *testing.T) {
	s := newTestService(t)
	_, err := s.VerifyAccessToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyAccessToken_RejectsWrongSecret(t *testing.T) {
	s1 := newTestService(t)
	s2, err := NewService("a-different-signing-secret-32-bytes-min", "HS256", time.Hour)
	require.NoError(t, err)

	raw, _, err := s1.IssueAccessToken(uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = s2.VerifyAccessToken(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyAccessToken_RejectsExpired(t *testing.T) {
	s := newTestService(t)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: s.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	registered := jwt.Claims{
		Issuer:    Issuer,
		Subject:   Subject,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(past),
		NotBefore: jwt.NewNumericDate(past),
		Expiry:    jwt.NewNumericDate(past.Add(time.Minute)),
	}
	custom := AccessClaims{Subject: Subject, TenantID: uuid.New().String(), EpID: uuid.New().String()}

	raw, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	require.NoError(t, err)

	_, err = s.VerifyAccessToken(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueAccessToken_ShapeIsJWT(t *testing.T) {
	s := newTestService(t)
	raw, _, err := s.IssueAccessToken(uuid.New(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(raw, "."), "expected a three-segment JWT")
}

func TestMintRegistrationToken(t *testing.T) {
	raw1, hash1, err := MintRegistrationToken()
	require.NoError(t, err)
	require.NotEmpty(t, raw1)
	require.Len(t, hash1, 64) // hex-encoded SHA-256

	raw2, hash2, err := MintRegistrationToken()
	require.NoError(t, err)
	require.NotEqual(t, raw1, raw2)
	require.NotEqual(t, hash1, hash2)

	require.Equal(t, hash1, HashRegistrationToken(raw1))
}
