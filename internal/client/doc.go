// Package client implements the SophosGo client: key-material lifecycle
// (setup/open), update-request and search-request generation, and a
// bounded worker pool for concurrent updates. Every cryptographic
// computation happens here; the server never sees plaintext keywords,
// document ids, or the private TDP key.
package client
