// Package pipeline defines the processing stage that consumes assembled
// audio windows and produces result events. The echo pipeline is a
// stand-in that acknowledges byte counts; the HTTP pipeline forwards
// windows to a remote processing endpoint with retry and rate limiting.
package pipeline
