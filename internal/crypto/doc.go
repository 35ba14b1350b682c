// Package crypto implements the cryptographic primitives that give SophosGo
// its forward-privacy guarantee: a collision-resistant hash, an
// HKDF-based variable-output PRF and PRG, and an RSA-based trapdoor
// permutation (TDP) with accelerated compound-exponent evaluation.
//
// # Forward privacy, in one paragraph
//
// Each keyword owns a chain of search tokens ST_0, ST_1, ST_2, ... . The
// client can compute ST_c for its current counter c using the TDP private
// key (one cheap modular exponentiation per update). Given ST_c, anyone
// holding only the TDP *public* key can walk the chain backwards —
// ST_{c-1}, ST_{c-2}, ..., ST_0 — by repeated forward evaluation, but
// nobody without the private key can compute ST_{c+1} from ST_c. A search
// request therefore only ever has to reveal the most recent token; it
// never has to reveal (and the server can never derive) tokens for
// updates that have not happened yet.
//
// # Primitives
//
// Hash: SHA-256 (full 32-byte digest). KeywordIndex truncates it to
// KeywordIndexSize bytes, used once per keyword as a deterministic seed.
//
// PRF / PRG: both built on HKDF-SHA256 (golang.org/x/crypto/hkdf). PRF
// produces a keyed, variable-length output from a key and an info string.
// PRG is the same construction used to deterministically seed
// TDP.GenerateArray so that a given keyword always starts its chain at
// the same ST_0.
//
// TDP: RSA-based. Eval/Invert are single modular exponentiations; EvalK/
// InvertMult raise to a precomputed compound exponent (e^k, reduced mod
// phi(N) when the private half is held, or d^k mod phi(N)) instead of
// iterating k times, per spec.
package crypto
