package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe zeroes a buffer holding key material. A nil slice is an
// error so callers notice when a buffer was never allocated.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	// The constant-time compare touches every byte, which keeps the
	// compiler from proving the subsequent copy dead.
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
	return nil
}

// ZeroBytes is the fire-and-forget form of SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeExchangeKeyPair destroys the private half of an ephemeral SAS
// exchange pair once the verification no longer needs it.
func WipeExchangeKeyPair(kp *ExchangeKeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil key pair")
	}
	return SecureWipe(kp.Private[:])
}
