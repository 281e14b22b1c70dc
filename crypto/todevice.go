package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/flynn/noise"
)

// toDeviceSuite is the Noise cipher suite for direct device-to-device
// payloads (room key requests, key forwards).
var toDeviceSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// DeviceKeyPair is the long-lived identity key pair a device publishes so
// peers can seal payloads to it.
type DeviceKeyPair struct {
	keys noise.DHKey
}

// GenerateDeviceKeyPair creates a fresh device identity key pair.
func GenerateDeviceKeyPair() (*DeviceKeyPair, error) {
	keys, err := toDeviceSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key pair: %w", err)
	}
	return &DeviceKeyPair{keys: keys}, nil
}

// DeviceKeyPairFromSeed reconstructs a key pair from stored private key
// material, so the device identity survives restarts.
func DeviceKeyPairFromSeed(private, public []byte) (*DeviceKeyPair, error) {
	if len(private) != 32 || len(public) != 32 {
		return nil, fmt.Errorf("device key material must be 32+32 bytes, got %d+%d", len(private), len(public))
	}
	kp := &DeviceKeyPair{keys: noise.DHKey{
		Private: append([]byte(nil), private...),
		Public:  append([]byte(nil), public...),
	}}
	return kp, nil
}

// PublicKey returns the published identity key in the wire encoding used
// in event envelopes (unpadded base64).
func (kp *DeviceKeyPair) PublicKey() string {
	return base64.RawStdEncoding.EncodeToString(kp.keys.Public)
}

// PrivateBytes exposes the private key for persistence in a SecureStore.
func (kp *DeviceKeyPair) PrivateBytes() []byte {
	return kp.keys.Private
}

// PublicBytes exposes the raw public key for persistence.
func (kp *DeviceKeyPair) PublicBytes() []byte {
	return kp.keys.Public
}

// SealToDevice encrypts a payload to a peer device identified by its
// wire-encoded identity key, using a one-way Noise N handshake. Only the
// holder of the matching private key can open it.
func SealToDevice(peerIdentityKey string, payload []byte) ([]byte, error) {
	peer, err := base64.RawStdEncoding.DecodeString(peerIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("invalid peer identity key: %w", err)
	}
	if len(peer) != 32 {
		return nil, fmt.Errorf("peer identity key must be 32 bytes, got %d", len(peer))
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: toDeviceSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeN,
		Initiator:   true,
		PeerStatic:  peer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	sealed, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal to-device payload: %w", err)
	}
	return sealed, nil
}

// OpenToDevice decrypts a payload sealed to this device.
func OpenToDevice(kp *DeviceKeyPair, sealed []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   toDeviceSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeN,
		Initiator:     false,
		StaticKeypair: kp.keys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	payload, _, _, err := hs.ReadMessage(nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open to-device payload: %w", err)
	}
	return payload, nil
}
