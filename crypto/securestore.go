package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the key derivation cost for the store key.
	pbkdf2Iterations = 100000
	// storeSaltSize is the size of the PBKDF2 salt.
	storeSaltSize = 32
	// storeVersion is the on-disk format version byte.
	storeVersion = 1
)

// SecureStore persists named secrets (device identity, imported room keys,
// the backup decryption key) encrypted at rest with AES-GCM. The
// encryption key is derived from an operator passphrase via PBKDF2, so a
// copied data directory is useless without it.
type SecureStore struct {
	key     [32]byte
	dataDir string
}

// NewSecureStore opens or creates a secure store rooted at dataDir.
func NewSecureStore(dataDir string, passphrase []byte) (*SecureStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("store passphrase cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &SecureStore{dataDir: dataDir}

	salt, err := s.loadOrGenerateSalt(filepath.Join(dataDir, ".salt"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store salt: %w", err)
	}

	derived := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, 32, sha256.New)
	copy(s.key[:], derived)
	ZeroBytes(derived)

	return s, nil
}

func (s *SecureStore) loadOrGenerateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != storeSaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), storeSaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, storeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// secretPath maps a secret name to its file, rejecting path traversal.
func (s *SecureStore) secretPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	return filepath.Join(s.dataDir, name+".sec"), nil
}

// SaveSecret encrypts and writes a named secret. The write goes through a
// temp file and rename so a crash cannot leave a truncated secret.
func (s *SecureStore) SaveSecret(name string, data []byte) error {
	path, err := s.secretPath(name)
	if err != nil {
		return err
	}

	sealed, err := s.seal(data)
	if err != nil {
		return fmt.Errorf("failed to seal secret %q: %w", name, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write secret %q: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit secret %q: %w", name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SaveSecret",
		"package":  "crypto",
		"secret":   name,
		"size":     len(data),
	}).Debug("Stored secret at rest")
	return nil
}

// LoadSecret reads and decrypts a named secret. Returns os.ErrNotExist
// (wrapped) when the secret has never been stored.
func (s *SecureStore) LoadSecret(name string) ([]byte, error) {
	path, err := s.secretPath(name)
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %q: %w", name, err)
	}

	data, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret %q: %w", name, err)
	}
	return data, nil
}

// HasSecret reports whether a named secret exists on disk.
func (s *SecureStore) HasSecret(name string) bool {
	path, err := s.secretPath(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// DeleteSecret removes a named secret. Deleting a missing secret is not
// an error.
func (s *SecureStore) DeleteSecret(name string) error {
	path, err := s.secretPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete secret %q: %w", name, err)
	}
	return nil
}

// ListSecrets returns the names of all stored secrets.
func (s *SecureStore) ListSecrets() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sec") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".sec"))
	}
	return names, nil
}

// seal encrypts plaintext into [version(1)][nonce(12)][ciphertext].
func (s *SecureStore) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, storeVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// open decrypts a sealed secret, validating the format version.
func (s *SecureStore) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < 1+gcm.NonceSize() {
		return nil, fmt.Errorf("sealed secret too short: %d bytes", len(sealed))
	}
	if sealed[0] != storeVersion {
		return nil, fmt.Errorf("unsupported store version %d", sealed[0])
	}

	nonce := sealed[1 : 1+gcm.NonceSize()]
	ciphertext := sealed[1+gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
