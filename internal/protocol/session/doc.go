// Package session owns the wire shapes shared by the Views client and the
// historian service.
//
// Ownership boundary:
// - hello/welcome connection handshake and CCI release
// - call request/response frame codecs for the read-only Views surface
// - reliability config (timeouts, dial backoff) and transport security
package session
