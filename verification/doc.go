// Package verification drives the interactive SAS/emoji device
// verification protocol without operator intervention: incoming requests
// are accepted unconditionally, the key exchange is initiated as soon as
// the peer is ready, and the displayed short authentication strings are
// auto-confirmed after a fixed delay standing in for human comparison.
//
// The package owns the set of active verification sessions. At most one
// non-terminal session exists per (peer user, peer device) pair; a
// terminal session is replaced by the next request for the same pair.
package verification
