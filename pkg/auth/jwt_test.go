package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignis-framework/ignis/pkg/config"
	"github.com/ignis-framework/ignis/pkg/errors"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret: "test-signing-secret",
		AESKey:    "test-claim-encryption-key",
	}
}

func newTestStrategy(t *testing.T) *JWTStrategy {
	t.Helper()
	s, err := NewJWTStrategy(testAuthConfig(), "ignis-test")
	require.NoError(t, err)
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStrategy(t)
	principal := &Principal{
		UserID: "u1",
		Roles: []Role{
			{ID: "r1", Identifier: "admin", Priority: 10},
			{ID: "r2", Identifier: "editor", Priority: 5},
		},
	}

	token, err := s.IssueToken(principal, map[string]interface{}{
		"tenant":  "acme",
		"seats":   3,
		"skipped": nil,
	})
	require.NoError(t, err)

	got, err := s.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, principal.Roles, got.Roles)
	assert.Equal(t, "acme", got.Claims["tenant"])
	assert.Equal(t, float64(3), got.Claims["seats"])
	assert.NotContains(t, got.Claims, "skipped")
	assert.Equal(t, "ignis-test", got.Claims["iss"])
	assert.Equal(t, "u1", got.Claims["sub"])
}

func TestPrivateClaimsNotReadableWithoutAESKey(t *testing.T) {
	s := newTestStrategy(t)
	token, err := s.IssueToken(&Principal{UserID: "u1"}, map[string]interface{}{"tenant": "acme"})
	require.NoError(t, err)

	// Decode the payload without verification; only the standard claim
	// names may appear in plaintext.
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	_, _, err = parser.ParseUnverified(token, claims)
	require.NoError(t, err)

	assert.NotContains(t, claims, "tenant")
	assert.NotContains(t, claims, "userId")
	assert.NotContains(t, claims, "roles")
	assert.Contains(t, claims, "iss")
	for key, value := range claims {
		if sv, ok := value.(string); ok {
			assert.NotEqual(t, "acme", sv, "claim %q leaked plaintext", key)
		}
	}
}

func TestWrongSecretRejected(t *testing.T) {
	s := newTestStrategy(t)
	token, err := s.IssueToken(&Principal{UserID: "u1"}, nil)
	require.NoError(t, err)

	cfg := testAuthConfig()
	cfg.JWTSecret = "a-different-secret"
	other, err := NewJWTStrategy(cfg, "ignis-test")
	require.NoError(t, err)

	_, err = other.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))
}

func TestAlgorithmConfusionRejected(t *testing.T) {
	s := newTestStrategy(t)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := foreign.SignedString([]byte(testAuthConfig().JWTSecret))
	require.NoError(t, err)

	_, err = s.Authenticate(context.Background(), signed)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newTestStrategy(t)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := expired.SignedString([]byte(testAuthConfig().JWTSecret))
	require.NoError(t, err)

	_, err = s.Authenticate(context.Background(), signed)
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))
}

func TestExtractCredentials(t *testing.T) {
	s := newTestStrategy(t)

	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	creds, err := s.ExtractCredentials(context.Background(), r)
	require.NoError(t, err)
	assert.Nil(t, creds)

	r.Header.Set("Authorization", "Basic dXNlcg==")
	creds, err = s.ExtractCredentials(context.Background(), r)
	require.NoError(t, err)
	assert.Nil(t, creds)

	r.Header.Set("Authorization", "Bearer the-token")
	creds, err = s.ExtractCredentials(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "the-token", creds)
}

func TestMissingSecretFailsConstruction(t *testing.T) {
	_, err := NewJWTStrategy(config.AuthConfig{}, "ignis-test")
	assert.True(t, errors.IsKind(err, errors.KindConfigInvalid))
}

func TestCipherRoundTrip(t *testing.T) {
	c := NewCipher("some secret")

	for _, plain := range []string{"", "a", "exactly sixteen!", "a longer message spanning multiple AES blocks for padding checks"} {
		enc, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, enc)

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, plain, dec)
	}

	// Random IVs make repeated encryptions differ.
	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherRejectsGarbage(t *testing.T) {
	c := NewCipher("some secret")
	_, err := c.Decrypt("not base64 at all!!!")
	assert.Error(t, err)
}
