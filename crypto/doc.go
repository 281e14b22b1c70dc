// Package crypto provides the primitive operations under the bridge's
// encryption features: the ephemeral key agreement and value derivation
// for interactive verification, encrypted at-rest storage for secrets,
// the recovery key codec, sealing for direct device-to-device payloads,
// and the backup session cipher.
//
// The package is deliberately free of protocol state. Session and phase
// tracking live in the verification and transport packages; everything
// here is a pure function or a small store over the filesystem.
package crypto
