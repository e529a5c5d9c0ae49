package authn_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/authn"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestStaticKeyStore(t *testing.T) {
	key := generateTestKey(t)
	keyID := "test-key-001"
	store := authn.NewStaticKeyStore(key, keyID)

	t.Run("PublicKey returns key for known kid", func(t *testing.T) {
		pk, err := store.PublicKey(keyID)
		require.NoError(t, err)
		assert.Equal(t, &key.PublicKey, pk)
	})

	t.Run("PublicKey returns error for unknown kid", func(t *testing.T) {
		_, err := store.PublicKey("unknown-key")
		assert.Error(t, err)
	})

	t.Run("AddPublicKey adds additional keys", func(t *testing.T) {
		key2 := generateTestKey(t)
		store.AddPublicKey("key-002", &key2.PublicKey)

		pk, err := store.PublicKey("key-002")
		require.NoError(t, err)
		assert.Equal(t, &key2.PublicKey, pk)
	})
}
