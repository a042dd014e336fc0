package auth

import (
	"testing"
	"time"

	"dreamstream/server/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(store.NewMemoryStore(), "test-secret", 2*time.Minute, 24*time.Hour, nil)
	require.NoError(t, svc.SeedDemoUser("demo@dreamstream.local", "demo123456"))
	return svc
}

func TestLoginRefreshLogout(t *testing.T) {
	svc := newTestService(t)

	user, tokens, err := svc.Login("demo@dreamstream.local", "demo123456")
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)

	claims, err := svc.ParseAccess(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	newTokens, err := svc.Refresh(tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, newTokens.RefreshToken)

	_, err = svc.Refresh(tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused, "rotated token is revoked")

	require.NoError(t, svc.Logout(newTokens.RefreshToken))
	_, err = svc.Refresh(newTokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := newTestService(t)
	_, _, err := svc.Login("demo@dreamstream.local", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = svc.Login("ghost@dreamstream.local", "demo123456")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSeedDemoUserIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.SeedDemoUser("demo@dreamstream.local", "other"))
	_, _, err := svc.Login("demo@dreamstream.local", "demo123456")
	assert.NoError(t, err)
}

func TestParseAccessExpired(t *testing.T) {
	svc := newTestService(t)
	_, tokens, err := svc.Login("demo@dreamstream.local", "demo123456")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.ParseAccess(tokens.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestParseAccessRejectsForeignTokens(t *testing.T) {
	svc := newTestService(t)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = svc.ParseAccess(signed)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.ParseAccess("not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshTokenFormat(t *testing.T) {
	_, ok := parseRefreshTokenID("rt_abc_def")
	assert.True(t, ok)
	_, ok = parseRefreshTokenID("rt_abc")
	assert.False(t, ok)
	_, ok = parseRefreshTokenID("xx_abc_def")
	assert.False(t, ok)

	svc := newTestService(t)
	assert.ErrorIs(t, svc.Logout("garbage"), ErrUnauthorized)
	assert.ErrorIs(t, svc.Logout("rt_missing_secret"), ErrUnauthorized)
}

func TestReplayedRefreshTokenRevokesAll(t *testing.T) {
	svc := newTestService(t)
	_, first, err := svc.Login("demo@dreamstream.local", "demo123456")
	require.NoError(t, err)
	_, other, err := svc.Login("demo@dreamstream.local", "demo123456")
	require.NoError(t, err)

	rotated, err := svc.Refresh(first.RefreshToken)
	require.NoError(t, err)

	_, err = svc.Refresh(first.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Refresh(rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "rotated descendant revoked")
	_, err = svc.Refresh(other.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "parallel login revoked")
}
