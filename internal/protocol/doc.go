// Package protocol defines the wire format of the ingestion endpoint:
// the handshake notice, the per-window result message encoding, and the
// close reasons surfaced to clients on session termination.
package protocol
