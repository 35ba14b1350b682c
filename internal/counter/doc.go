// Package counter implements the client-side counter map: a persistent,
// thread-safe per-keyword monotonic counter. update derives its search
// token from the counter's get-and-increment result, so this map is
// where the client's forward progression through a keyword's chain is
// recorded; it lives in the client's secrets directory (counters.dat)
// and is never sent to the server.
package counter
