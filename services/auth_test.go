package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	token, err := verifier.Issue("user-1", RoleOrganizer, time.Hour)
	require.NoError(t, err)

	identity, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-1", Role: RoleOrganizer}, identity)
	assert.True(t, identity.Authenticated())
}

func TestJWTVerifierRejects(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	expired, err := verifier.Issue("user-1", RoleOrganizer, -time.Minute)
	require.NoError(t, err)
	otherKey, err := NewJWTVerifier("other-secret").Issue("user-1", RoleOrganizer, time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{UserID: "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":      "",
		"garbage":    "not-a-token",
		"expired":    expired,
		"wrong key":  otherKey,
		"no subject": noSubject,
		"alg none":   unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestUnknownErrorsBecomeInternal(t *testing.T) {
	assert.Equal(t, ErrInternal, AsGameError(assert.AnError))
	wrapped := withMessage(ErrNicknameTaken, "Nickname %q is taken", "Alex")
	assert.Equal(t, CodeNicknameTaken, AsGameError(wrapped).Code)
	assert.ErrorIs(t, wrapped, ErrNicknameTaken)
}
