// Package wire defines the JSON messages the client and server exchange
// and the HTTP helpers used to send them: single-shot PostJSON/GetJSON
// for setup and individual updates, and streaming variants for bulk
// insert (request body) and search (response body).
package wire
