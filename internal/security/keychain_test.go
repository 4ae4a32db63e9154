package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeychainRoundTrip(t *testing.T) {
	keyring.MockInit()
	k := NewKeychain()

	pw, err := k.GetPassword("libera")
	require.NoError(t, err)
	assert.Empty(t, pw)

	require.NoError(t, k.StorePassword("libera", "hunter2"))
	pw, err = k.GetPassword(" libera ")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	has, err := k.HasPassword("libera")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, k.StorePassword("libera", ""))
	has, err = k.HasPassword("libera")
	require.NoError(t, err)
	assert.False(t, has)

	assert.NoError(t, k.DeletePassword("unknown"))
}

func TestKeychainEntriesAreNamespaced(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(KeychainService, "libera", "not ours"))

	pw, err := NewKeychain().GetPassword("libera")
	require.NoError(t, err)
	assert.Empty(t, pw)

	require.NoError(t, NewKeychain().DeletePassword("libera"))
	pw, err = keyring.Get(KeychainService, "libera")
	require.NoError(t, err)
	assert.Equal(t, "not ours", pw)
}

func TestKeychainRejectsBadInput(t *testing.T) {
	keyring.MockInit()
	k := NewKeychain()

	assert.ErrorIs(t, k.StorePassword("libera", "pass\r\nQUIT"), ErrInvalidPassword)
	assert.ErrorIs(t, k.StorePassword(" ", "hunter2"), ErrNoServerID)
	_, err := k.GetPassword("")
	assert.ErrorIs(t, err, ErrNoServerID)
	assert.ErrorIs(t, k.DeletePassword(""), ErrNoServerID)
}
