package crypto

// Capabilities describes which optional operations the underlying crypto
// backend supports. It is probed exactly once during bootstrap and passed
// to the components that would otherwise need to feature-test at call
// sites, so every unsupported-operation fallback path is enumerable.
type Capabilities struct {
	// RoomKeyRequests: the backend can ask a sender's other devices for
	// a missing group session.
	RoomKeyRequests bool
	// SecretStorage: account-level secret storage is available.
	SecretStorage bool
	// CrossSigning: the backend supports cross-signing identities.
	CrossSigning bool
	// KeyBackup: server-side key backup is available.
	KeyBackup bool
}

// AllCapabilities reports a fully featured backend, the default assumed
// before probing.
func AllCapabilities() Capabilities {
	return Capabilities{
		RoomKeyRequests: true,
		SecretStorage:   true,
		CrossSigning:    true,
		KeyBackup:       true,
	}
}
