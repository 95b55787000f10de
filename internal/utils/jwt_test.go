package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccessToken(t *testing.T) {
	tok, err := NewAccessToken("s3cret", "ops", "SUPERADMIN", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Exp, 5*time.Second)

	parsed, err := jwt.Parse(tok.Token, func(*jwt.Token) (any, error) { return []byte("s3cret"), nil })
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "ops", claims["sub"])
	assert.Equal(t, "SUPERADMIN", claims["role"])

	_, err = jwt.Parse(tok.Token, func(*jwt.Token) (any, error) { return []byte("other"), nil })
	assert.Error(t, err)
}

func TestNewAccessToken_RejectsBadArgs(t *testing.T) {
	_, err := NewAccessToken("", "ops", "SUPERADMIN", time.Hour)
	assert.Error(t, err)
	_, err = NewAccessToken("s", "ops", "SUPERADMIN", 0)
	assert.Error(t, err)
}
