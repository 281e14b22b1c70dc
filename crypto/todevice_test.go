package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealToDeviceRoundTrip(t *testing.T) {
	device, err := GenerateDeviceKeyPair()
	require.NoError(t, err)

	payload := []byte(`{"action":"request","session_id":"abc"}`)
	sealed, err := SealToDevice(device.PublicKey(), payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, sealed)

	opened, err := OpenToDevice(device, sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestOpenToDeviceWrongRecipient(t *testing.T) {
	intended, err := GenerateDeviceKeyPair()
	require.NoError(t, err)
	other, err := GenerateDeviceKeyPair()
	require.NoError(t, err)

	sealed, err := SealToDevice(intended.PublicKey(), []byte("secret"))
	require.NoError(t, err)

	_, err = OpenToDevice(other, sealed)
	assert.Error(t, err, "only the intended device can open the payload")
}

func TestSealToDeviceRejectsBadKeys(t *testing.T) {
	_, err := SealToDevice("not base64!!", []byte("x"))
	assert.Error(t, err)

	_, err = SealToDevice("c2hvcnQ", []byte("x")) // decodes to 5 bytes
	assert.Error(t, err)
}

func TestDeviceKeyPairFromSeed(t *testing.T) {
	original, err := GenerateDeviceKeyPair()
	require.NoError(t, err)

	restored, err := DeviceKeyPairFromSeed(original.PrivateBytes(), original.PublicBytes())
	require.NoError(t, err)
	assert.Equal(t, original.PublicKey(), restored.PublicKey())

	sealed, err := SealToDevice(original.PublicKey(), []byte("after restart"))
	require.NoError(t, err)
	opened, err := OpenToDevice(restored, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("after restart"), opened)

	_, err = DeviceKeyPairFromSeed([]byte("short"), original.PublicBytes())
	assert.Error(t, err)
}

func TestBackupSessionRoundTrip(t *testing.T) {
	var key [32]byte
	key[5] = 0x42

	data := []byte(`{"session_key":"material"}`)
	sealed, err := SealBackupSession(key, data)
	require.NoError(t, err)

	opened, err := OpenBackupSession(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, data, opened)

	var wrongKey [32]byte
	_, err = OpenBackupSession(wrongKey, sealed)
	assert.Error(t, err)

	_, err = OpenBackupSession(key, []byte("short"))
	assert.Error(t, err)
}
