package token

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndParse(t *testing.T) {
	const secret = "test-secret"

	jwt, err := BuildJWT("42", false, secret)
	require.NoError(t, err)

	claims, err := GetClaims(jwt, secret)
	require.NoError(t, err)
	require.Equal(t, "42", claims.UserCode)
	require.False(t, claims.Admin)

	jwt, err = BuildJWT("operator", true, secret)
	require.NoError(t, err)
	claims, err = GetClaims(jwt, secret)
	require.NoError(t, err)
	require.True(t, claims.Admin)
}

func TestWrongSecret(t *testing.T) {
	jwt, err := BuildJWT("42", false, "secret-one")
	require.NoError(t, err)

	_, err = GetClaims(jwt, "secret-two")
	require.Error(t, err)
}

func TestGarbageToken(t *testing.T) {
	_, err := GetClaims("not-a-token", "secret")
	require.Error(t, err)
}
