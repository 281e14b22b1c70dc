package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateExchangeKeyPair()
	require.NoError(t, err)
	bob, err := GenerateExchangeKeyPair()
	require.NoError(t, err)

	s1, err := SharedSecret(alice.Private, bob.Public)
	require.NoError(t, err)
	s2, err := SharedSecret(bob.Private, alice.Public)
	require.NoError(t, err)

	assert.Equal(t, s1, s2, "both sides must derive the same secret")
}

func TestSharedSecretDiffersPerPeer(t *testing.T) {
	alice, err := GenerateExchangeKeyPair()
	require.NoError(t, err)
	bob, err := GenerateExchangeKeyPair()
	require.NoError(t, err)
	carol, err := GenerateExchangeKeyPair()
	require.NoError(t, err)

	withBob, err := SharedSecret(alice.Private, bob.Public)
	require.NoError(t, err)
	withCarol, err := SharedSecret(alice.Private, carol.Public)
	require.NoError(t, err)

	assert.NotEqual(t, withBob, withCarol)
}

func TestDeriveSASDeterministic(t *testing.T) {
	secret := [32]byte{1, 2, 3, 4}

	a, err := DeriveSAS(secret, "SAS|@alice:x|DEV1|@bob:y|DEV2")
	require.NoError(t, err)
	b, err := DeriveSAS(secret, "SAS|@alice:x|DEV1|@bob:y|DEV2")
	require.NoError(t, err)

	assert.Equal(t, a.Emoji, b.Emoji)
	assert.Equal(t, a.Decimal, b.Decimal)
}

func TestDeriveSASBindsToTranscript(t *testing.T) {
	secret := [32]byte{1, 2, 3, 4}

	a, err := DeriveSAS(secret, "SAS|transcript-one")
	require.NoError(t, err)
	b, err := DeriveSAS(secret, "SAS|transcript-two")
	require.NoError(t, err)

	assert.NotEqual(t, a.Emoji, b.Emoji, "a substituted transcript must change the displayed values")
}

func TestDeriveSASEmptyInfo(t *testing.T) {
	_, err := DeriveSAS([32]byte{}, "")
	assert.Error(t, err)
}

func TestEmojiIndicesInRange(t *testing.T) {
	sas := &SASBytes{Emoji: [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}

	indices := sas.EmojiIndices()
	require.Len(t, indices, 7)
	for i, idx := range indices {
		if idx < 0 || idx > 63 {
			t.Errorf("index %d out of range: %d", i, idx)
		}
	}
}

func TestEmojiIndicesUnpacking(t *testing.T) {
	// 0b000000_000001_000010_000011_000100_000101_000110 packed into 6
	// bytes, with 6 trailing padding bits.
	sas := &SASBytes{Emoji: [6]byte{0x00, 0x10, 0x83, 0x10, 0x51, 0x80}}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, sas.EmojiIndices())
}

func TestDecimalsInRange(t *testing.T) {
	for _, sas := range []*SASBytes{
		{Decimal: [5]byte{0, 0, 0, 0, 0}},
		{Decimal: [5]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{Decimal: [5]byte{0x12, 0x34, 0x56, 0x78, 0x9A}},
	} {
		decimals := sas.Decimals()
		require.Len(t, decimals, 3)
		for i, d := range decimals {
			if d < 1000 || d > 9191 {
				t.Errorf("decimal %d out of range: %d", i, d)
			}
		}
	}
}

func TestEmojiNamesAndGlyphs(t *testing.T) {
	sas := &SASBytes{Emoji: [6]byte{}}

	names := sas.EmojiNames()
	glyphs := sas.EmojiGlyphs()
	require.Len(t, names, 7)
	require.Len(t, glyphs, 7)
	assert.Equal(t, "Dog", names[0])
	assert.Equal(t, "🐶", glyphs[0])
}

func TestEmojiTableEntry(t *testing.T) {
	entry, err := EmojiTableEntry(63)
	require.NoError(t, err)
	assert.Equal(t, "Pin", entry.Name)

	_, err = EmojiTableEntry(64)
	assert.Error(t, err)
	_, err = EmojiTableEntry(-1)
	assert.Error(t, err)
}

func TestMACRoundTrip(t *testing.T) {
	secret := [32]byte{9, 8, 7}
	message := []byte("@bob:y|DEV2")

	mac := ComputeMAC(secret, "transcript", message)
	assert.True(t, VerifyMAC(secret, "transcript", message, mac))
	assert.False(t, VerifyMAC(secret, "transcript", []byte("tampered"), mac))
	assert.False(t, VerifyMAC(secret, "other-transcript", message, mac))

	var wrongSecret [32]byte
	assert.False(t, VerifyMAC(wrongSecret, "transcript", message, mac))
}
