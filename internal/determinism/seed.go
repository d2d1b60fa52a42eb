package determinism

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// GenerateSeed creates a deterministic uint64 seed from a case fingerprint
// and a salt. The seed is derived from a SHA-256 hash of the concatenated
// inputs, ensuring the same case always draws the same sample.
// The returned value is guaranteed to be <= math.MaxInt64 so it fits in a
// signed int64 wherever one is required.
func GenerateSeed(fingerprint, salt string) uint64 {
	input := fmt.Sprintf("%s|%s", fingerprint, salt)

	hash := sha256.Sum256([]byte(input))

	seed := binary.BigEndian.Uint64(hash[:8])

	// Mask off the high bit to keep the value in int64 range.
	seed = seed & 0x7FFFFFFFFFFFFFFF

	return seed
}

// UnitInterval maps a seed onto [0,1). Used for reproducible sampling
// decisions: the same seed always lands on the same side of a rate.
func UnitInterval(seed uint64) float64 {
	const buckets = 1 << 24
	return float64(seed%buckets) / float64(buckets)
}
