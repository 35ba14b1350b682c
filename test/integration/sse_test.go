// Package integration exercises the full client-server round trip
// over real HTTP (httptest), covering the scenarios spec.md §8 names
// S1 through S6.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/dreamware/sophosgo/internal/client"
	"github.com/dreamware/sophosgo/internal/crypto"
	"github.com/dreamware/sophosgo/internal/edb"
	"github.com/dreamware/sophosgo/internal/store"
	"github.com/dreamware/sophosgo/internal/wire"
	"github.com/stretchr/testify/require"
)

// testServer is a minimal standalone rendering of three of cmd/server's
// handlers (/setup, /update, /search), built directly against
// internal/edb so these tests don't need to spawn a binary.
type testServer struct {
	e        *edb.EDB
	backing  store.Store
	mu       sync.RWMutex
	tdp      *crypto.TDP
	setupErr bool
}

func newTestServer(storageDir string) (*testServer, error) {
	backing, err := store.OpenBoltStore(filepath.Join(storageDir, "pairs.db"))
	if err != nil {
		return nil, err
	}
	return &testServer{e: edb.New(backing), backing: backing}, nil
}

func (s *testServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/setup", func(w http.ResponseWriter, r *http.Request) {
		var req wire.SetupRequest
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.tdp != nil {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		tdp, err := crypto.LoadPublicTDP(req.PublicKey)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.tdp = tdp
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		var req wire.UpdateRequest
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.e.Put(req.Token, req.Index); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		var req wire.SearchRequest
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.RLock()
		tdp := s.tdp
		s.mu.RUnlock()
		if tdp == nil {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		stream := wire.NewReplyStream(w)
		_ = s.e.Search(r.Context(), tdp, req, func(reply wire.SearchReply) error {
			return stream.Send(reply)
		})
	})
	return mux
}

func sorted(ids []uint64) []uint64 {
	out := append([]uint64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newSystem(t *testing.T) (*client.Client, *httptest.Server, func()) {
	t.Helper()
	storageDir := t.TempDir()
	srv, err := newTestServer(storageDir)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.mux())

	c, err := client.Setup(t.TempDir(), crypto.MinRSABits, ts.URL)
	require.NoError(t, err)

	pub, err := c.PublicKey()
	require.NoError(t, err)
	require.NoError(t, client.SendSetup(context.Background(), ts.URL, pub))

	cleanup := func() {
		ts.Close()
		c.Close()
		srv.backing.Close()
	}
	return c, ts, cleanup
}

// S1: basic round trip across two keywords plus an untouched keyword.
func TestScenarioBasicRoundTrip(t *testing.T) {
	c, _, cleanup := newSystem(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, c.Update(ctx, "alpha", 7))
	require.NoError(t, c.Update(ctx, "alpha", 42))
	require.NoError(t, c.Update(ctx, "beta", 7))

	alpha, err := c.Search(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, []uint64{7, 42}, sorted(alpha))

	beta, err := c.Search(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, beta)

	_, err = c.Search(ctx, "gamma")
	require.ErrorIs(t, err, client.ErrUnknownKeyword)
}

// S2: a long chain for a single keyword exercises the staged-pipeline
// walk strategy end to end.
func TestScenarioLongChainRoundTrip(t *testing.T) {
	c, _, cleanup := newSystem(t)
	defer cleanup()
	ctx := context.Background()

	const n = 10000
	want := make([]uint64, n)
	for i := 0; i < n; i++ {
		require.NoError(t, c.Update(ctx, "alpha", uint64(i)))
		want[i] = uint64(i)
	}

	got, err := c.Search(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, want, sorted(got))
}

// S3: interleaved concurrent updates across distinct keywords must
// each recover exactly their own ids, verifying the counter map's
// linearizability under contention.
func TestScenarioInterleavedConcurrentUpdates(t *testing.T) {
	c, _, cleanup := newSystem(t)
	defer cleanup()
	ctx := context.Background()

	const threads = 8
	const perThread = 1000

	var wg sync.WaitGroup
	for tID := 0; tID < threads; tID++ {
		wg.Add(1)
		go func(tID int) {
			defer wg.Done()
			kw := fmt.Sprintf("thread-%d", tID)
			for i := 0; i < perThread; i++ {
				id := uint64(tID*perThread + i)
				if err := c.Update(ctx, kw, id); err != nil {
					t.Errorf("update thread %d id %d: %v", tID, id, err)
				}
			}
		}(tID)
	}
	wg.Wait()

	for tID := 0; tID < threads; tID++ {
		kw := fmt.Sprintf("thread-%d", tID)
		ids, err := c.Search(ctx, kw)
		require.NoError(t, err)
		require.Len(t, ids, perThread)

		want := make([]uint64, perThread)
		for i := range want {
			want[i] = uint64(tID*perThread + i)
		}
		require.Equal(t, want, sorted(ids))
	}
}

// S4: persistence across a full client+server restart.
func TestScenarioPersistsAcrossRestart(t *testing.T) {
	clientDir := t.TempDir()
	storageDir := t.TempDir()

	srv1, err := newTestServer(storageDir)
	require.NoError(t, err)
	ts1 := httptest.NewServer(srv1.mux())

	c1, err := client.Setup(clientDir, crypto.MinRSABits, ts1.URL)
	require.NoError(t, err)
	pub, err := c1.PublicKey()
	require.NoError(t, err)
	require.NoError(t, client.SendSetup(context.Background(), ts1.URL, pub))

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, c1.Update(context.Background(), "alpha", uint64(i)))
	}
	require.NoError(t, c1.Close())
	require.NoError(t, srv1.e.Flush())
	require.NoError(t, srv1.backing.Close())
	ts1.Close()

	srv2, err := newTestServer(storageDir)
	require.NoError(t, err)
	defer srv2.backing.Close()
	ts2 := httptest.NewServer(srv2.mux())
	defer ts2.Close()

	c2, err := client.Open(clientDir, ts2.URL)
	require.NoError(t, err)
	defer c2.Close()

	pub2, err := c2.PublicKey()
	require.NoError(t, err)
	require.NoError(t, client.SendSetup(context.Background(), ts2.URL, pub2))

	ids, err := c2.Search(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, ids, n)
}

// S5: the sequential walk and the server's parallel walk (the staged
// pipeline, at add_count 50) must agree on the same chain's result
// multiset.
func TestScenarioParallelMatchesSequential(t *testing.T) {
	srv, err := newTestServer(t.TempDir())
	require.NoError(t, err)
	defer srv.backing.Close()
	ts := httptest.NewServer(srv.mux())
	defer ts.Close()
	ctx := context.Background()

	c, err := client.Setup(t.TempDir(), crypto.MinRSABits, ts.URL)
	require.NoError(t, err)
	defer c.Close()
	pub, err := c.PublicKey()
	require.NoError(t, err)
	require.NoError(t, client.SendSetup(ctx, ts.URL, pub))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, c.Update(ctx, "alpha", uint64(i)))
	}

	req, ok := c.SearchRequest("alpha")
	require.True(t, ok)
	require.Equal(t, uint32(n), req.AddCount)

	var sequential []uint64
	err = srv.e.SearchSequential(ctx, srv.tdp, req, func(r wire.SearchReply) error {
		sequential = append(sequential, r.Result)
		return nil
	})
	require.NoError(t, err)

	parallel, err := c.Search(ctx, "alpha")
	require.NoError(t, err)

	require.Equal(t, sorted(sequential), sorted(parallel))
}

// S6: a second setup call fails with precondition-failed, and a
// keyword updated before the repeated setup is still searchable after.
func TestScenarioRepeatedSetupIsRejected(t *testing.T) {
	c, ts, cleanup := newSystem(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, c.Update(ctx, "alpha", 1))

	pub, err := c.PublicKey()
	require.NoError(t, err)
	err = client.SendSetup(ctx, ts.URL, pub)
	require.Error(t, err)

	ids, err := c.Search(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)
}
