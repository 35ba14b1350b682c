package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain-separation bytes used to split update-token and index-mask
// derivation from the same per-chain-step key. These are part of the wire
// contract between client and server: both sides must use the same two
// constants (spec.md §4.3, §9).
const (
	UpdateTokenTag = byte('0')
	IndexMaskTag   = byte('1')
)

// DerivationKeySize is the length, in bytes, of the per-keyword derivation
// key K produced by PRF(mk, kwi).
const DerivationKeySize = 32

// UpdateTokenSize is the length, in bytes, of an update token UT.
const UpdateTokenSize = 16

// IndexMaskSize is the length, in bytes, of the PRF output XORed with a
// document id — 8 bytes to match uint64, the document-id type (spec.md
// §3: "MaskedIndex... matching the document-id type, e.g., 64-bit").
const IndexMaskSize = 8

// PRF derives an l-byte output from key and info using HKDF-SHA256
// (Extract with a fixed, non-secret salt scoping this package's usage,
// then Expand with info). This is the same HKDF construction
// opd-ai-toxcore's async.ObfuscationManager uses to derive deterministic
// pseudonyms from a key and an info string.
func PRF(key, info []byte, l int) []byte {
	const salt = "sophosgo-prf-v1"
	reader := hkdf.New(sha256.New, key, []byte(salt), info)
	out := make([]byte, l)
	if _, err := io.ReadFull(reader, out); err != nil {
		// HKDF-Expand only fails when l exceeds 255*HashLen; our output
		// sizes (8-64 bytes) are always far below that limit.
		panic("crypto: PRF output length exceeds HKDF-Expand limit: " + err.Error())
	}
	return out
}

// PRFAppendTag derives PRF(key, st || tag, l) — the ST-tagged derivation
// used for update tokens (tag = UpdateTokenTag) and index masks
// (tag = IndexMaskTag).
func PRFAppendTag(key, st []byte, tag byte, l int) []byte {
	info := make([]byte, len(st)+1)
	copy(info, st)
	info[len(st)] = tag
	return PRF(key, info, l)
}

// PRG returns a deterministic byte stream derived from key and seed,
// using the same HKDF construction as PRF. It backs TDP.GenerateArray so
// that a given (key, seed) pair always yields the same stream, and hence
// the same ST_0.
func PRG(key, seed []byte) io.Reader {
	const salt = "sophosgo-prg-v1"
	return hkdf.New(sha256.New, key, []byte(salt), seed)
}
