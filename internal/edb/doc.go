// Package edb implements the server-side encrypted database: an
// append-only map from update tokens to masked document indices, and
// the parallel search walk that regenerates a keyword's token chain by
// repeated public-key TDP evaluation. See search.go for the three walk
// strategies and integrity_monitor.go for miss tracking.
package edb
