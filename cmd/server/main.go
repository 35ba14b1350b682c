// Command server runs the SophosGo server: it accepts encrypted
// updates, serves searches by walking the TDP-forward chain in
// parallel, and exposes no cryptographic configuration at runtime —
// the TDP public key arrives once, at setup, from the client.
//
// Configuration (environment, with flag overrides):
//   - SERVER_ADDR: listen address (default ":8443")
//   - SERVER_STORAGE: directory holding pairs.dat/ (default "./sophosgo-server-data")
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/sophosgo/internal/crypto"
	"github.com/dreamware/sophosgo/internal/edb"
	"github.com/dreamware/sophosgo/internal/store"
	"github.com/dreamware/sophosgo/internal/wire"
)

// logFatal is a variable so tests can intercept fatal errors without
// terminating the test process.
var logFatal = log.Fatalf

func main() {
	addr := flag.String("addr", getenv("SERVER_ADDR", ":8443"), "listen address")
	storageDir := flag.String("storage", getenv("SERVER_STORAGE", "./sophosgo-server-data"), "server storage directory")
	flag.Parse()

	srv, err := newServer(*storageDir)
	if err != nil {
		logFatal("init server: %v", err)
		return
	}

	go srv.monitor.Start(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/setup", srv.handleSetup)
	mux.HandleFunc("/update", srv.handleUpdate)
	mux.HandleFunc("/bulk_insert", srv.handleBulkInsert)
	mux.HandleFunc("/search", srv.handleSearch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("sophosgo server listening on %s (storage %s)", *addr, *storageDir)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("stopping integrity monitor...")
	srv.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	srv.edbStore.Close()
	log.Println("sophosgo server stopped")
}

// server encapsulates the SophosGo server's runtime state: the
// encrypted database, the TDP public key handed over at setup, and the
// integrity monitor watching the EDB's miss counter.
type server struct {
	edb      *edb.EDB
	edbStore store.Store
	monitor  *edb.IntegrityMonitor

	mu  sync.RWMutex
	tdp *crypto.TDP
}

// newServer opens the bbolt-backed EDB store under storageDir and
// wires up an IntegrityMonitor against it, ready for routes to be
// registered and the HTTP server started.
func newServer(storageDir string) (*server, error) {
	pairsDir := filepath.Join(storageDir, "pairs.dat")
	if err := os.MkdirAll(pairsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	backing, err := store.OpenBoltStore(filepath.Join(pairsDir, "pairs.db"))
	if err != nil {
		return nil, fmt.Errorf("open EDB store: %w", err)
	}

	e := edb.New(backing)
	return &server{
		edb:      e,
		edbStore: backing,
		monitor:  edb.NewIntegrityMonitor(e, 30*time.Second),
	}, nil
}

// currentTDP returns the TDP public key registered by /setup, or nil if
// /setup has not yet been called.
//
// Thread safety:
//   - Takes the read lock, so it may run concurrently with other
//     currentTDP/handleSearch calls, blocking only for the brief
//     exclusive window handleSetup holds while installing the key.
func (s *server) currentTDP() *crypto.TDP {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tdp
}

// handleSetup accepts the client's TDP public key exactly once; a
// second call is a precondition failure and leaves all server state
// (including the EDB) untouched.
//
// Endpoint: POST /setup
//
// Request body:
//
//	{
//	  "public_key": "<PKIX-encoded RSA public key, base64>"
//	}
//
// Response:
//   - 200 OK: key accepted; the server is now ready to accept
//     /update, /bulk_insert, and /search calls
//   - 400 Bad Request: malformed JSON or an unparsable public key
//   - 412 Precondition Failed: a public key was already registered by
//     an earlier /setup call
//
// Side effects:
//   - Installs s.tdp; from then on handleSearch no longer answers 412
//
// Thread safety:
//   - Decodes the body first, then holds the write lock for the entire
//     check-and-install, so two concurrent first-time /setup calls cannot
//     both observe a nil s.tdp and both install a key; exactly one wins
func (s *server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req wire.SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
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
}

// handleUpdate inserts a single (update token, masked document index)
// pair into the encrypted database. It is the single-entry counterpart
// to handleBulkInsert, used by the client's synchronous and
// worker-pool-dispatched update paths alike.
//
// Endpoint: POST /update
//
// Request body:
//
//	{
//	  "token": "<16-byte update token, base64>",
//	  "index": 123456789
//	}
//
// Response:
//   - 200 OK: the pair was written
//   - 400 Bad Request: malformed JSON
//   - 500 Internal Server Error: the backing store rejected the write
//
// Side effects:
//   - Writes through to the EDB's backing store.Store, overwriting any
//     prior entry at this token
//
// Thread safety:
//   - Delegates to EDB.Put, which serializes writes on the EDB's own
//     lock; concurrent calls from different goroutines are safe
func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req wire.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.edb.Put(req.Token, req.Index); err != nil {
		log.Printf("update: EDB write failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleBulkInsert loads a stream of update pairs into the encrypted
// database in one request, in the format wire.PostJSONStream sends. The
// client's bulk-insert CLI command does not use it: it sends one /update
// call per keyword/doc-id pair.
//
// Endpoint: POST /bulk_insert
//
// Request body:
//
//	Newline-delimited JSON (Content-Type: application/x-ndjson), one
//	UpdateRequest per line:
//
//	{"token": "...", "index": 1}
//	{"token": "...", "index": 2}
//	...
//
// Response:
//   - 200 OK: every item was committed and the store was flushed
//   - 400 Bad Request: the ndjson stream contained a malformed item
//   - 500 Internal Server Error: the EDB's drain failed or was canceled
//
// Side effects:
//   - Writes through to the EDB's backing store, using the
//     store.BatchWriter fast path when the backing store supports it
//     (see EDB.BulkInsert)
//
// Thread safety:
//   - The decode goroutine and the EDB drain run concurrently, joined
//     by the channel between them; only one handleBulkInsert call's
//     EDB drain runs at a time, serialized on the EDB's write lock
func (s *server) handleBulkInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ch := make(chan wire.UpdateRequest, 256)
	decodeErr := make(chan error, 1)
	go func() {
		defer close(ch)
		decodeErr <- wire.DecodeUpdateStream(r.Body, func(item wire.UpdateRequest) error {
			ch <- item
			return nil
		})
	}()

	if err := s.edb.BulkInsert(r.Context(), ch); err != nil {
		log.Printf("bulk_insert: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := <-decodeErr; err != nil {
		log.Printf("bulk_insert: stream decode: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSearch walks a keyword's forward-private update chain from the
// client's last search token and streams the matching document ids
// back as it finds them, rather than buffering the whole result set.
//
// Endpoint: POST /search
//
// Request body:
//
//	{
//	  "derivation_key": "<per-keyword derivation key, base64>",
//	  "token": "<most recent search token ST_{c-1}, base64>",
//	  "add_count": 37
//	}
//
// add_count of 0 means the keyword has never been updated; the server
// returns an empty stream without touching the EDB.
//
// Response:
//   - 200 OK with a newline-delimited JSON stream of SearchReply
//     values (Content-Type: application/x-ndjson), one per matching
//     document id, flushed as the walk produces them
//   - 400 Bad Request: malformed JSON, or add_count > 0 with a token
//     whose length doesn't match the registered TDP's domain size
//   - 412 Precondition Failed: no TDP public key has been registered
//     yet via /setup
//
// Side effects:
//   - Each EDB.Get call along the walk updates the EDB's hit/miss
//     counters, which IntegrityMonitor watches in the background
//
// Thread safety:
//   - currentTDP takes only the read lock; concurrent searches proceed
//     without blocking each other or a concurrent handleUpdate
//
// Performance:
//   - Dispatches to one of EDB's three search-walk strategies
//     (sequential, light-parallel, staged pipeline) based on add_count,
//     so short and long chains both complete without fixed per-call
//     overhead dominating
func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tdp := s.currentTDP()
	if tdp == nil {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	var req wire.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.AddCount > 0 && len(req.Token) != tdp.DomainLen() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	stream := wire.NewReplyStream(w)
	err := s.edb.Search(r.Context(), tdp, req, func(reply wire.SearchReply) error {
		return stream.Send(reply)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("search: %v", err)
	}
}

// getenv retrieves an environment variable with a default fallback.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
