package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateNormalizesRole(t *testing.T) {
	svc := NewService("secret", 5)
	token, err := svc.GenerateToken("agent-1", "dom-1", " Admin ")
	require.NoError(t, err)

	p, err := svc.Authenticate(" " + token + " ")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "agent-1", TenantID: "dom-1", Role: RoleAdmin}, p)
	assert.True(t, p.IsAdmin())
}

func TestAuthenticateRejectsForeignSecret(t *testing.T) {
	token, err := NewService("other", 5).GenerateToken("agent-1", "dom-1", "admin")
	require.NoError(t, err)

	_, err = NewService("secret", 5).Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRequiresUserID(t *testing.T) {
	svc := NewService("secret", 5)
	token, err := svc.GenerateToken("", "dom-1", "admin")
	require.NoError(t, err)

	_, err = svc.Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsNoneAlgorithm(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "x"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewService("secret", 5).ParseToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
