package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// recoveryKeyVersion is the format byte leading every encoded recovery key.
const recoveryKeyVersion = 0x01

// A recovery key is the operator-supplied secret from which the key-backup
// decryption key is derived. Encoded form: hex of
// [version(1)][key(32)][checksum(2)], upper-case, in dash-separated groups
// of four characters so it survives manual transcription.

// EncodeRecoveryKey renders a backup decryption key in the transcribable
// recovery-key format.
func EncodeRecoveryKey(key [32]byte) string {
	data := make([]byte, 35)
	data[0] = recoveryKeyVersion
	copy(data[1:33], key[:])
	c1, c2 := recoveryChecksum(data[:33])
	data[33] = c1
	data[34] = c2

	raw := strings.ToUpper(hex.EncodeToString(data))
	var b strings.Builder
	for i := 0; i < len(raw); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(raw[i : i+4])
	}
	return b.String()
}

// DecodeRecoveryKey parses a recovery key, tolerating dashes, spaces and
// mixed case, and validates its checksum.
func DecodeRecoveryKey(encoded string) ([32]byte, error) {
	var key [32]byte

	cleaned := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, encoded)

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return key, fmt.Errorf("recovery key is not valid hex: %w", err)
	}
	if len(data) != 35 {
		return key, fmt.Errorf("recovery key has wrong length: got %d bytes, want 35", len(data))
	}
	if data[0] != recoveryKeyVersion {
		return key, fmt.Errorf("unsupported recovery key version %d", data[0])
	}

	c1, c2 := recoveryChecksum(data[:33])
	if data[33] != c1 || data[34] != c2 {
		return key, errors.New("recovery key checksum mismatch")
	}

	copy(key[:], data[1:33])
	return key, nil
}

// recoveryChecksum folds the payload into two XOR parity bytes. Catches
// single-character transcription mistakes, nothing stronger.
func recoveryChecksum(data []byte) (byte, byte) {
	var c1, c2 byte
	for i, b := range data {
		if i%2 == 0 {
			c1 ^= b
		} else {
			c2 ^= b
		}
	}
	return c1, c2
}
