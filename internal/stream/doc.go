// Package stream implements per-connection session lifecycle: the
// bounded window buffer between ingest and delivery, the session state
// machine from handshake through drain, and the registry that enforces
// the service-wide admission limit.
package stream
