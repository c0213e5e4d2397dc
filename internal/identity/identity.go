// Package identity provides the deterministic hashing, HMAC-derived key
// remapping, and run-id minting used throughout the core. Every operation
// here is a pure function with no side effects except run-id minting, which
// consults process state (time + randomness) and is collision-resistant
// across concurrent runs on the same host, and bulk-operation-id minting,
// which draws a random UUIDv4.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Digest is a 32-byte SHA-256 digest.
type Digest [sha256.Size]byte

// String renders the digest as lowercase hex.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// HashBytes returns the SHA-256 digest of b.
func HashBytes(b []byte) Digest {
	return sha256.Sum256(b)
}

// HMAC returns HMAC-SHA-256(key, msg). Identifier remapping always uses
// HMAC rather than a raw hash so that remapped identifiers cannot be
// correlated by anyone without the key.
func HMAC(key, msg []byte) Digest {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg) //nolint:errcheck // hash.Hash.Write never returns an error
	var out Digest
	copy(out[:], mac.Sum(nil))
	return out
}

// DeriveUIDKey returns a deterministic hex string for (secret, uid), used to
// replace a study/series/instance UID under REGENERATE_DETERMINISTIC.
// The contract is byte-identical output for fixed (secret, uid) across
// processes and operating systems.
func DeriveUIDKey(secret []byte, uid string) string {
	d := HMAC(secret, []byte(uid))
	return d.String()
}

// PatientDateOffset derives a deterministic per-patient date-shift offset in
// days within [-window, window], seeded by HMAC(secret, patientKey). The
// sign and magnitude are both derived from the digest so that repeated
// derivations for the same (secret, patientKey, window) are identical.
func PatientDateOffset(secret []byte, patientKey string, window int) int {
	if window <= 0 {
		return 0
	}
	d := HMAC(secret, []byte("date-shift:"+patientKey))
	// Use the first 8 bytes as an unsigned integer modulo 2*window+1, then
	// recenter to [-window, window].
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(d[i])
	}
	span := uint64(2*window + 1)
	return int(n%span) - window
}

// MintRunID returns a stable, short, collision-resistant run identifier of
// the form <YYYYMMDDThhmmssZ>-<uuid-suffix>. The timestamp component aids
// human sorting/inspection; the UUID suffix guarantees collision-freedom
// across concurrent runs on the same host even when minted in the same
// second.
func MintRunID(now time.Time) string {
	ts := now.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s-%s", ts, shortUUID())
}

func shortUUID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand exhaustion is not recoverable; fall back to a raw
		// random suffix rather than panic, preserving collision-resistance.
		var b [8]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	s := u.String()
	return s[:8] // first group is enough entropy for a human-scannable suffix
}

// NewBulkOperationID returns a fresh UUIDv4 string identifying one
// bulk-apply operation (spec.md §4.7 bulk-apply provenance).
func NewBulkOperationID() string {
	return uuid.NewString()
}
