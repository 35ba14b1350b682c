package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// TDP is an RSA-based trapdoor permutation over the domain of byte
// strings matching the RSA modulus length. Eval (public) is forward
// evaluation; Invert (private) is the trapdoor direction. EvalK/InvertMult
// apply the permutation k times by raising to a precomputed compound
// exponent rather than iterating k times (spec.md §9).
//
// Key generation and DER marshaling follow the same calls
// hsiuhsiu-cb-mpc-go-exp/pkg/cbmpc/kem/rsa/rsa.go uses for its RSA KEM:
// rsa.GenerateKey, x509.MarshalPKCS8PrivateKey, x509.MarshalPKIXPublicKey.
// The raw modular exponentiation below has no equivalent in that file (it
// wraps RSA-OAEP, a padded encryption scheme, not a bare permutation) and
// is written directly against math/big.Int.Exp — see DESIGN.md.
type TDP struct {
	n        *big.Int   // modulus
	e        *big.Int   // public exponent
	d        *big.Int   // private exponent, nil if this TDP only holds the public half
	primes   []*big.Int // [p, q], nil if this TDP only holds the public half
	phi      *big.Int   // (p-1)(q-1), nil if this TDP only holds the public half
	domainLn int        // byte length of the modulus, i.e. of domain elements
}

// MinRSABits is the minimum RSA modulus size SophosGo accepts, matching
// the floor cb-mpc's KEM enforces for the same reason: anything smaller
// is not a credible security margin in 2026.
const MinRSABits = 2048

// NewTDP generates a fresh RSA key pair of the given bit length and
// returns a TDP holding both halves (client side, at setup time).
func NewTDP(bits int) (*TDP, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("crypto: RSA modulus must be at least %d bits, got %d", MinRSABits, bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate RSA key: %w", err)
	}
	return tdpFromPrivateKey(key)
}

func tdpFromPrivateKey(key *rsa.PrivateKey) (*TDP, error) {
	if len(key.Primes) != 2 {
		return nil, errors.New("crypto: only two-prime RSA keys are supported")
	}
	p, q := key.Primes[0], key.Primes[1]
	one := big.NewInt(1)
	phi := new(big.Int).Mul(
		new(big.Int).Sub(p, one),
		new(big.Int).Sub(q, one),
	)
	return &TDP{
		n:        key.N,
		e:        big.NewInt(int64(key.E)),
		d:        key.D,
		primes:   []*big.Int{p, q},
		phi:      phi,
		domainLn: (key.N.BitLen() + 7) / 8,
	}, nil
}

// DomainLen returns the byte length of TDP domain elements (the RSA
// modulus's byte length).
func (t *TDP) DomainLen() int { return t.domainLn }

// HasPrivateKey reports whether this TDP can evaluate Invert/InvertMult.
func (t *TDP) HasPrivateKey() bool { return t.d != nil }

// MarshalPrivateKey serializes the private half as PKCS8 DER, for writing
// to tdp_sk.key.
func (t *TDP) MarshalPrivateKey() ([]byte, error) {
	if t.d == nil {
		return nil, errors.New("crypto: TDP holds no private key")
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: t.n, E: int(t.e.Int64())},
		D:         t.d,
		Primes:    t.primes,
	}
	key.Precompute()
	return x509.MarshalPKCS8PrivateKey(key)
}

// MarshalPublicKey serializes the public half as PKIX DER, for writing to
// the server at setup and for the wire SetupRequest.
func (t *TDP) MarshalPublicKey() ([]byte, error) {
	pub := &rsa.PublicKey{N: t.n, E: int(t.e.Int64())}
	return x509.MarshalPKIXPublicKey(pub)
}

// LoadPrivateTDP parses a PKCS8 DER-encoded RSA private key (as written
// by MarshalPrivateKey) into a TDP holding both halves.
func LoadPrivateTDP(der []byte) (*TDP, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse PKCS8 private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("crypto: not an RSA private key")
	}
	return tdpFromPrivateKey(key)
}

// LoadPublicTDP parses a PKIX DER-encoded RSA public key (as written by
// MarshalPublicKey) into a TDP holding only the public half — what the
// server receives at setup.
func LoadPublicTDP(der []byte) (*TDP, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse PKIX public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("crypto: not an RSA public key")
	}
	return &TDP{
		n:        pub.N,
		e:        big.NewInt(int64(pub.E)),
		domainLn: (pub.N.BitLen() + 7) / 8,
	}, nil
}

func (t *TDP) fromBytes(x []byte) *big.Int {
	return new(big.Int).SetBytes(x)
}

func (t *TDP) toBytes(v *big.Int) []byte {
	out := make([]byte, t.domainLn)
	b := v.Bytes()
	copy(out[t.domainLn-len(b):], b)
	return out
}

// Eval applies the public TDP forward once: x^e mod N.
func (t *TDP) Eval(x []byte) []byte {
	v := new(big.Int).Exp(t.fromBytes(x), t.e, t.n)
	return t.toBytes(v)
}

// EvalK applies the public TDP forward k times, by raising to the
// precomputed compound exponent e^k (reduced mod phi(N) when the private
// half is held) rather than iterating k times. k == 0 is the identity.
func (t *TDP) EvalK(x []byte, k uint64) []byte {
	if k == 0 {
		return append([]byte(nil), x...)
	}
	if k == 1 {
		return t.Eval(x)
	}
	// Public-only TDP: t.phi is nil (phi(N) requires the factorization),
	// so Exp leaves the compound exponent e^k unreduced.
	exp := new(big.Int).Exp(t.e, new(big.Int).SetUint64(k), t.phi)
	v := new(big.Int).Exp(t.fromBytes(x), exp, t.n)
	return t.toBytes(v)
}

// Invert applies the private TDP once: y^d mod N.
func (t *TDP) Invert(y []byte) []byte {
	if t.d == nil {
		panic("crypto: Invert called on a public-only TDP")
	}
	v := new(big.Int).Exp(t.fromBytes(y), t.d, t.n)
	return t.toBytes(v)
}

// InvertMult applies the private TDP k times, by raising to the
// precomputed compound exponent d^k mod phi(N). k == 0 is the identity,
// required for the add_count == 1 case (spec.md §4.4: "when c == 1 this
// is the identity producing ST_0").
func (t *TDP) InvertMult(y []byte, k uint64) []byte {
	if t.d == nil {
		panic("crypto: InvertMult called on a public-only TDP")
	}
	if k == 0 {
		return append([]byte(nil), y...)
	}
	if k == 1 {
		return t.Invert(y)
	}
	exp := new(big.Int).Exp(t.d, new(big.Int).SetUint64(k), t.phi)
	v := new(big.Int).Exp(t.fromBytes(y), exp, t.n)
	return t.toBytes(v)
}

// GenerateArray deterministically samples a domain element from
// PRG(prgKey, seed): it reads successive modulus-length blocks from the
// PRG stream and accepts the first one that, read as a big-endian
// integer, falls in [1, N) — a bijection from (prgKey, seed) space to D
// modulo that rejection (spec.md §4.1).
func (t *TDP) GenerateArray(prgKey, seed []byte) []byte {
	stream := PRG(prgKey, seed)
	block := make([]byte, t.domainLn)
	for {
		if _, err := io.ReadFull(stream, block); err != nil {
			panic("crypto: PRG stream exhausted: " + err.Error())
		}
		v := new(big.Int).SetBytes(block)
		if v.Sign() > 0 && v.Cmp(t.n) < 0 {
			out := make([]byte, t.domainLn)
			copy(out, block)
			return out
		}
	}
}
