package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dreamware/sophosgo/internal/counter"
	"github.com/dreamware/sophosgo/internal/crypto"
	"github.com/dreamware/sophosgo/internal/store"
	"github.com/dreamware/sophosgo/internal/wire"
)

const (
	tdpKeyFile    = "tdp_sk.key"
	masterKeyFile = "derivation_master.key"
	prgKeyFile    = "rsa_prg.key"
	counterDir    = "counters.dat"
	counterDBFile = "counters.db"
)

// ErrAlreadyInitialized is returned by Setup when dir already holds key
// material — setup either creates the directory atomically or rejects,
// it never overwrites.
var ErrAlreadyInitialized = errors.New("client: secrets directory already initialized")

// ErrNotInitialized is returned by Open when dir is missing any of the
// expected key files.
var ErrNotInitialized = errors.New("client: secrets directory is not initialized")

// ErrUnknownKeyword is returned by Search for a keyword the client has
// never updated.
var ErrUnknownKeyword = errors.New("client: keyword has no recorded updates")

// Client holds the secret key material and counter state needed to
// generate update and search requests. Key material is read once at
// Open/Setup and held immutably for the client's lifetime.
type Client struct {
	tdp       *crypto.TDP
	masterKey []byte
	prgKey    []byte
	counters  *counter.Map
	backing   store.Store
	serverURL string

	poolOnce sync.Once
	pool     *updatePool
}

// Setup generates fresh key material, creates dir (which must not
// already hold key material), writes the three key files, and opens a
// fresh counter store inside it. rsaBits sizes the TDP's RSA modulus
// (crypto.MinRSABits or larger).
func Setup(dir string, rsaBits int, serverURL string) (*Client, error) {
	if info, err := os.Stat(filepath.Join(dir, tdpKeyFile)); err == nil && !info.IsDir() {
		return nil, ErrAlreadyInitialized
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("client: create secrets directory: %w", err)
	}

	tdp, err := crypto.NewTDP(rsaBits)
	if err != nil {
		return nil, fmt.Errorf("client: generate TDP key: %w", err)
	}

	masterKey := make([]byte, crypto.DerivationKeySize)
	if _, err := readRandom(masterKey); err != nil {
		return nil, fmt.Errorf("client: generate derivation master key: %w", err)
	}
	prgKey := make([]byte, crypto.DerivationKeySize)
	if _, err := readRandom(prgKey); err != nil {
		return nil, fmt.Errorf("client: generate PRG key: %w", err)
	}

	tdpDER, err := tdp.MarshalPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("client: marshal TDP private key: %w", err)
	}
	if err := writeKeyFile(filepath.Join(dir, tdpKeyFile), tdpDER); err != nil {
		return nil, err
	}
	if err := writeKeyFile(filepath.Join(dir, masterKeyFile), masterKey); err != nil {
		return nil, err
	}
	if err := writeKeyFile(filepath.Join(dir, prgKeyFile), prgKey); err != nil {
		return nil, err
	}

	backing, err := openCounterStore(dir)
	if err != nil {
		return nil, err
	}

	return &Client{
		tdp:       tdp,
		masterKey: masterKey,
		prgKey:    prgKey,
		counters:  counter.New(backing),
		backing:   backing,
		serverURL: serverURL,
	}, nil
}

// Open reads existing key material and reopens the counter store from
// dir. It fails if any of the three key files is missing — a client
// must never run with partial key material.
func Open(dir string, serverURL string) (*Client, error) {
	tdpDER, err := os.ReadFile(filepath.Join(dir, tdpKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	masterKey, err := os.ReadFile(filepath.Join(dir, masterKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	prgKey, err := os.ReadFile(filepath.Join(dir, prgKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}

	tdp, err := crypto.LoadPrivateTDP(tdpDER)
	if err != nil {
		return nil, fmt.Errorf("client: load TDP private key: %w", err)
	}

	backing, err := openCounterStore(dir)
	if err != nil {
		return nil, err
	}

	return &Client{
		tdp:       tdp,
		masterKey: masterKey,
		prgKey:    prgKey,
		counters:  counter.New(backing),
		backing:   backing,
		serverURL: serverURL,
	}, nil
}

// Close flushes and releases the counter store.
func (c *Client) Close() error {
	return c.backing.Close()
}

// PublicKey returns the TDP public key to send the server at setup.
func (c *Client) PublicKey() ([]byte, error) {
	return c.tdp.MarshalPublicKey()
}

func (c *Client) derivationKey(kwi [crypto.KeywordIndexSize]byte) []byte {
	return crypto.PRF(c.masterKey, kwi[:], crypto.DerivationKeySize)
}

// UpdateRequest builds the wire message for update(kw, id), executing
// spec.md §4.3 exactly: hash the keyword, atomically advance its
// counter, derive ST_c from the TDP private key applied c times to a
// PRG-derived ST_0, and derive the update token and masked index from
// the per-keyword derivation key.
func (c *Client) UpdateRequest(kw string, id uint64) (wire.UpdateRequest, error) {
	kwi := crypto.KeywordIndex(kw)

	prev, err := c.counters.GetAndIncrement(kw)
	if err != nil {
		return wire.UpdateRequest{}, fmt.Errorf("client: advance counter for %q: %w", kw, err)
	}

	st0 := c.tdp.GenerateArray(c.prgKey, kwi[:])
	var stC []byte
	if prev == 0 {
		stC = st0
	} else {
		stC = c.tdp.InvertMult(st0, uint64(prev))
	}

	K := c.derivationKey(kwi)
	ut := crypto.PRFAppendTag(K, stC, crypto.UpdateTokenTag, crypto.UpdateTokenSize)
	maskBytes := crypto.PRFAppendTag(K, stC, crypto.IndexMaskTag, crypto.IndexMaskSize)
	mask := beUint64(maskBytes)

	var req wire.UpdateRequest
	copy(req.Token[:], ut)
	req.Index = id ^ mask
	return req, nil
}

// SearchRequest builds the wire message for search(kw), executing
// spec.md §4.4. Returns (zero value, false) for a keyword the client
// has never updated — an empty request with add_count == 0.
func (c *Client) SearchRequest(kw string) (wire.SearchRequest, bool) {
	kwi := crypto.KeywordIndex(kw)

	count, ok := c.counters.Get(kw)
	if !ok {
		return wire.SearchRequest{}, false
	}

	st0 := c.tdp.GenerateArray(c.prgKey, kwi[:])
	var stLast []byte
	if count <= 1 {
		stLast = st0
	} else {
		stLast = c.tdp.InvertMult(st0, uint64(count-1))
	}

	K := c.derivationKey(kwi)
	return wire.SearchRequest{
		AddCount:      count,
		DerivationKey: K,
		Token:         stLast,
	}, true
}

// Search issues a search(kw) request against the server and returns
// the document ids delivered, which may be ordered arbitrarily.
func (c *Client) Search(ctx context.Context, kw string) ([]uint64, error) {
	req, ok := c.SearchRequest(kw)
	if !ok {
		return nil, fmt.Errorf("client: search %q: %w", kw, ErrUnknownKeyword)
	}

	var results []uint64
	err := wire.StreamReplies(ctx, c.serverURL+"/search", req, func(r wire.SearchReply) error {
		results = append(results, r.Result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("client: search %q: %w", kw, err)
	}
	return results, nil
}

// Update performs a single synchronous update(kw, id) round trip.
func (c *Client) Update(ctx context.Context, kw string, id uint64) error {
	req, err := c.UpdateRequest(kw, id)
	if err != nil {
		return err
	}
	return wire.PostJSON(ctx, c.serverURL+"/update", req, nil)
}

// SendSetup posts a client's TDP public key to a server's /setup
// endpoint. It is separate from Setup itself because a client can be
// initialized offline and registered with a server later, or
// registered with more than one server.
func SendSetup(ctx context.Context, serverURL string, publicKey []byte) error {
	return wire.PostJSON(ctx, serverURL+"/setup", wire.SetupRequest{PublicKey: publicKey}, nil)
}

func openCounterStore(dir string) (store.Store, error) {
	subdir := filepath.Join(dir, counterDir)
	if err := os.MkdirAll(subdir, 0o700); err != nil {
		return nil, fmt.Errorf("client: create counter store directory: %w", err)
	}
	backing, err := store.OpenBoltStore(filepath.Join(subdir, counterDBFile))
	if err != nil {
		return nil, fmt.Errorf("client: open counter store: %w", err)
	}
	return backing, nil
}

func writeKeyFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("client: write %s: %w", filepath.Base(path), err)
	}
	return nil
}
