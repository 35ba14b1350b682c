package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dreamware/sophosgo/internal/crypto"
	"github.com/dreamware/sophosgo/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestSrv(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	srv, err := newServer(t.TempDir())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/setup", srv.handleSetup)
	mux.HandleFunc("/update", srv.handleUpdate)
	mux.HandleFunc("/bulk_insert", srv.handleBulkInsert)
	mux.HandleFunc("/search", srv.handleSearch)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.edbStore.Close() })
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandleSetupThenRejectsSecondCall(t *testing.T) {
	_, ts := newTestSrv(t)

	tdp, err := crypto.NewTDP(crypto.MinRSABits)
	require.NoError(t, err)
	pub, err := tdp.MarshalPublicKey()
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, ts.URL+"/setup", wire.SetupRequest{PublicKey: pub})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2 := doJSON(t, http.MethodPost, ts.URL+"/setup", wire.SetupRequest{PublicKey: pub})
	require.Equal(t, http.StatusPreconditionFailed, resp2.StatusCode)
}

func TestHandleSearchBeforeSetupIsPreconditionFailed(t *testing.T) {
	_, ts := newTestSrv(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/search", wire.SearchRequest{AddCount: 1})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestHandleUpdateThenSearchRoundTrip(t *testing.T) {
	_, ts := newTestSrv(t)

	tdp, err := crypto.NewTDP(crypto.MinRSABits)
	require.NoError(t, err)
	pub, err := tdp.MarshalPublicKey()
	require.NoError(t, err)
	resp := doJSON(t, http.MethodPost, ts.URL+"/setup", wire.SetupRequest{PublicKey: pub})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	prgKey := make([]byte, crypto.DerivationKeySize)
	masterKey := make([]byte, crypto.DerivationKeySize)
	kwi := crypto.KeywordIndex("alpha")
	st0 := tdp.GenerateArray(prgKey, kwi[:])
	K := crypto.PRF(masterKey, kwi[:], crypto.DerivationKeySize)

	ut := crypto.PRFAppendTag(K, st0, crypto.UpdateTokenTag, crypto.UpdateTokenSize)
	maskBytes := crypto.PRFAppendTag(K, st0, crypto.IndexMaskTag, crypto.IndexMaskSize)
	mask := binary.BigEndian.Uint64(maskBytes)

	var updateReq wire.UpdateRequest
	copy(updateReq.Token[:], ut)
	updateReq.Index = 99 ^ mask

	resp = doJSON(t, http.MethodPost, ts.URL+"/update", updateReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	searchReq := wire.SearchRequest{AddCount: 1, DerivationKey: K, Token: st0}
	resp = doJSON(t, http.MethodPost, ts.URL+"/search", searchReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply wire.SearchReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.Equal(t, uint64(99), reply.Result)
}

func TestHandleSearchRejectsTokenLengthMismatch(t *testing.T) {
	_, ts := newTestSrv(t)

	tdp, err := crypto.NewTDP(crypto.MinRSABits)
	require.NoError(t, err)
	pub, err := tdp.MarshalPublicKey()
	require.NoError(t, err)
	resp := doJSON(t, http.MethodPost, ts.URL+"/setup", wire.SetupRequest{PublicKey: pub})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/search", wire.SearchRequest{AddCount: 1, Token: []byte("too-short")})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
