package credentials_test

import (
	"strings"
	"testing"

	"github.com/kiranshivaraju/imagepod/internal/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutorToken(t *testing.T) {
	a, err := credentials.NewExecutorToken()
	require.NoError(t, err)
	b, err := credentials.NewExecutorToken()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	for _, r := range a {
		assert.True(t, (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}
}

func TestHashExecutorToken(t *testing.T) {
	// sha256("abc")
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		credentials.HashExecutorToken("abc"))
	assert.Len(t, credentials.HashExecutorToken("anything"), 64)
}

func TestNewAPIKey(t *testing.T) {
	key, err := credentials.NewAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key.Raw, "ipk_"))
	assert.Equal(t, key.Raw[:credentials.KeyPrefixLen], key.Prefix)
	assert.True(t, credentials.VerifyAPIKey(key.Hash, key.Raw))
	assert.False(t, credentials.VerifyAPIKey(key.Hash, key.Raw+"x"))
}
