// Package protocol owns the chat wire contract.
//
// Ownership boundary:
// - the Message envelope carried in one WebSocket text frame
// - per-kind validation
// - JSON encode/decode with size limits
// - parsing of user input lines into messages
package protocol
