package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the hex encoded BLAKE2b-256 sum of data.
// Sender and receiver both log it so a transfer can be checked by eye.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortDigest returns the first 12 hex characters of Digest.
func ShortDigest(data []byte) string {
	return Digest(data)[:12]
}
