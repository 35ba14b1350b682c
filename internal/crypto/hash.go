package crypto

import "crypto/sha256"

// KeywordIndexSize is the length, in bytes, of a keyword index. Spec
// requires at least 128 bits; 16 bytes matches that floor while staying
// cheap to use as a map key and PRG/PRF seed.
const KeywordIndexSize = 16

// Hash returns the SHA-256 digest of b. Collisions are a security event
// (negligible probability under the hash assumption) rather than a case
// the caller needs to handle.
func Hash(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

// KeywordIndex returns the first KeywordIndexSize bytes of Hash(kw),
// deterministic in kw and used to seed both the PRG (for ST_0) and the
// PRF (for the per-keyword derivation key).
func KeywordIndex(kw string) [KeywordIndexSize]byte {
	digest := sha256.Sum256([]byte(kw))
	var idx [KeywordIndexSize]byte
	copy(idx[:], digest[:KeywordIndexSize])
	return idx
}
