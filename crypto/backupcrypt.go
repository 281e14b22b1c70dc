package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Server-side key backup stores each group session sealed with a key the
// server never sees. The backup decryption key is the one decoded from
// the operator's recovery key.

// SealBackupSession encrypts one session's export data for upload to the
// backup. Output layout: [nonce(12)][ciphertext].
func SealBackupSession(backupKey [32]byte, sessionData []byte) ([]byte, error) {
	gcm, err := backupAEAD(backupKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate backup nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, sessionData, nil), nil
}

// OpenBackupSession decrypts one sealed session fetched from the backup.
func OpenBackupSession(backupKey [32]byte, sealed []byte) ([]byte, error) {
	gcm, err := backupAEAD(backupKey)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed backup session too short: %d bytes", len(sealed))
	}
	nonce := sealed[:gcm.NonceSize()]
	data, err := gcm.Open(nil, nonce, sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("backup session decryption failed: %w", err)
	}
	return data, nil
}

func backupAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
