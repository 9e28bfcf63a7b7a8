// Package offlinecache holds the types shared by the offline cache packages:
// payload digests and the error taxonomy.
package offlinecache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// digestPrefix marks the algorithm in the canonical digest string.
const digestPrefix = "blake3:"

// Hash represents a BLAKE3 256-bit digest of a cached payload.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logging.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Digest returns the canonical "blake3:<hex>" form, used as an ETag and
// stored alongside every payload.
func (h Hash) Digest() string {
	return digestPrefix + h.String()
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// ParseDigest parses a canonical "blake3:<hex>" digest.
func ParseDigest(s string) (Hash, error) {
	hexPart, ok := strings.CutPrefix(strings.ToLower(s), digestPrefix)
	if !ok {
		return Hash{}, fmt.Errorf("unsupported digest %q", s)
	}
	return ParseHash(hexPart)
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}
