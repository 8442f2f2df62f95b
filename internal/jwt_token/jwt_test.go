package jwttoken

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/auth/store/revocation"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

var jwtService = NewJWTService("test-signing-key", "test-issuer")

func Test_GenerateSessionToken(t *testing.T) {
	now := time.Now()
	token, jti, err := jwtService.GenerateSessionToken("doc-1", domain.RoleDoctor, now, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEmpty(t, jti)

	claims, err := jwtService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", claims.UserID)
	assert.Equal(t, string(domain.RoleDoctor), claims.Role)
	assert.Equal(t, jti, claims.ID)
	assert.WithinDuration(t, now.Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := jwtService.ValidateToken("invalid-token-string")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	token, _, err := jwtService.GenerateSessionToken("doc-1", domain.RoleDoctor, time.Now(), -time.Hour)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token has expired")
}

func Test_ValidateToken_WrongKeyOrIssuer(t *testing.T) {
	other := NewJWTService("another-key", "test-issuer")
	token, _, err := other.GenerateSessionToken("doc-1", domain.RoleDoctor, time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	foreign := NewJWTService("test-signing-key", "someone-else")
	token, _, err = foreign.GenerateSessionToken("doc-1", domain.RoleDoctor, time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateToken_UnknownRole(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "doc-1",
		Role:   "superuser",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(signed)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

type failingChecker struct{}

func (failingChecker) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func Test_Adapter(t *testing.T) {
	ctx := context.Background()
	trl := revocation.NewInMemoryList()
	adapter := NewJWTServiceAdapter(jwtService, trl)

	token, jti, err := jwtService.GenerateSessionToken("lab-1", domain.RoleLaboratory, time.Now(), time.Hour)
	require.NoError(t, err)

	claims, err := adapter.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("lab-1"), claims.UserID)
	assert.Equal(t, domain.RoleLaboratory, claims.Role)
	assert.Equal(t, jti, claims.JTI)

	require.NoError(t, trl.RevokeToken(ctx, jti, time.Hour))
	_, err = adapter.ValidateToken(ctx, token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	_, err = NewJWTServiceAdapter(jwtService, failingChecker{}).ValidateToken(ctx, token)
	assert.Error(t, err)
}
