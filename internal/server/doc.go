// Package server implements the WebSocket ingestion endpoint and the
// admin HTTP API. It owns connection upgrade, the per-connection read
// loop, error-to-close-frame mapping, and monitoring endpoints.
package server
