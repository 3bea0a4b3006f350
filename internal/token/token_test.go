package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParse(t *testing.T) {
	k := NewKeeper("secret", time.Hour)

	s, err := k.BuildJWTString("user-1", true)
	require.NoError(t, err)

	claims, err := k.GetClaims(s)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserCode)
	assert.True(t, claims.IsAdmin)
}

func TestRejects(t *testing.T) {
	k := NewKeeper("secret", time.Hour)

	s, err := NewKeeper("other", time.Hour).BuildJWTString("user-1", false)
	require.NoError(t, err)
	_, err = k.GetClaims(s)
	require.ErrorIs(t, err, ErrInvalidToken)

	// истекший токен
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		UserCode:         "user-1",
	})
	es, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = k.GetClaims(es)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = k.GetClaims("garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}
