package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryKeyRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i * 7)
	}

	encoded := EncodeRecoveryKey(key)
	decoded, err := DecodeRecoveryKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestRecoveryKeyFormat(t *testing.T) {
	encoded := EncodeRecoveryKey([32]byte{})

	for _, group := range strings.Split(encoded, "-") {
		assert.Len(t, group, 4)
	}
	assert.Equal(t, strings.ToUpper(encoded), encoded)
}

func TestRecoveryKeyToleratesTranscriptionNoise(t *testing.T) {
	var key [32]byte
	key[0] = 0xAB

	encoded := EncodeRecoveryKey(key)
	variants := []string{
		strings.ToLower(encoded),
		strings.ReplaceAll(encoded, "-", " "),
		strings.ReplaceAll(encoded, "-", ""),
	}
	for _, v := range variants {
		decoded, err := DecodeRecoveryKey(v)
		require.NoError(t, err, "variant %q", v)
		assert.Equal(t, key, decoded)
	}
}

func TestRecoveryKeyChecksumMismatch(t *testing.T) {
	encoded := EncodeRecoveryKey([32]byte{1, 2, 3})

	// Flip one hex character inside the key material.
	corrupted := []byte(encoded)
	if corrupted[6] == '0' {
		corrupted[6] = '1'
	} else {
		corrupted[6] = '0'
	}

	_, err := DecodeRecoveryKey(string(corrupted))
	assert.Error(t, err)
}

func TestRecoveryKeyRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not hex at all",
		"ABCD",
		strings.Repeat("00", 35), // wrong version byte
	}
	for _, c := range cases {
		_, err := DecodeRecoveryKey(c)
		assert.Error(t, err, "input %q", c)
	}
}
