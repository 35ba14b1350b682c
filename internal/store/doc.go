// Package store defines the abstract key-value interface the rest of
// SophosGo is built against (counter map and encrypted database alike),
// plus two concrete implementations: an in-memory store for tests and
// small deployments, and a bbolt-backed store for anything that needs to
// survive a restart.
package store
