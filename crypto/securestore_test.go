package crypto

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSecureStore(dir, []byte("passphrase"))
	require.NoError(t, err)

	secret := []byte("device identity material")
	require.NoError(t, store.SaveSecret("device-identity", secret))

	loaded, err := store.LoadSecret("device-identity")
	require.NoError(t, err)
	assert.Equal(t, secret, loaded)
	assert.True(t, store.HasSecret("device-identity"))
}

func TestSecureStoreEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSecureStore(dir, []byte("passphrase"))
	require.NoError(t, err)

	require.NoError(t, store.SaveSecret("key", []byte("plaintext-marker")))

	raw, err := os.ReadFile(dir + "/key.sec")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext-marker")
}

func TestSecureStoreWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSecureStore(dir, []byte("correct"))
	require.NoError(t, err)
	require.NoError(t, store.SaveSecret("key", []byte("data")))

	// Same salt file, different passphrase.
	other, err := NewSecureStore(dir, []byte("wrong"))
	require.NoError(t, err)

	_, err = other.LoadSecret("key")
	assert.Error(t, err)
}

func TestSecureStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSecureStore(dir, []byte("passphrase"))
	require.NoError(t, err)
	require.NoError(t, store.SaveSecret("key", []byte("data")))

	reopened, err := NewSecureStore(dir, []byte("passphrase"))
	require.NoError(t, err)

	loaded, err := reopened.LoadSecret("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), loaded)
}

func TestSecureStoreMissingSecret(t *testing.T) {
	store, err := NewSecureStore(t.TempDir(), []byte("passphrase"))
	require.NoError(t, err)

	_, err = store.LoadSecret("never-stored")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSecureStoreDeleteAndList(t *testing.T) {
	store, err := NewSecureStore(t.TempDir(), []byte("passphrase"))
	require.NoError(t, err)

	require.NoError(t, store.SaveSecret("one", []byte("1")))
	require.NoError(t, store.SaveSecret("two", []byte("2")))

	names, err := store.ListSecrets()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, names)

	require.NoError(t, store.DeleteSecret("one"))
	require.NoError(t, store.DeleteSecret("one"), "double delete is not an error")
	assert.False(t, store.HasSecret("one"))
}

func TestSecureStoreRejectsBadNames(t *testing.T) {
	store, err := NewSecureStore(t.TempDir(), []byte("passphrase"))
	require.NoError(t, err)

	for _, name := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.Error(t, store.SaveSecret(name, []byte("x")), "name %q", name)
	}
}

func TestSecureStoreEmptyPassphrase(t *testing.T) {
	_, err := NewSecureStore(t.TempDir(), nil)
	assert.Error(t, err)
}
