// Package session owns the transport-level settings shared by the chat
// server and client.
//
// Ownership boundary:
// - connect/handshake/read/write timeouts
// - heartbeat (ping/pong) cadence
// - reconnect backoff
// - TLS/mTLS policy and tls.Config construction
//
// Message shapes live in the parent protocol package.
package session
