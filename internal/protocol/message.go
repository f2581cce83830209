package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ReadyNotice is the first message the server sends after accepting a
// connection. Clients may start streaming binary fragments once received.
const ReadyNotice = "ready: send audio data as binary messages"

// Result kinds carried in outbound messages.
const (
	KindPartial = "partial"
	KindFinal   = "final"
	KindError   = "error"
)

// Close reasons surfaced to clients in WebSocket close frames.
const (
	CloseReasonCapacity  = "capacity exceeded"
	CloseReasonViolation = "protocol violation"
	CloseReasonInternal  = "internal server error"
	CloseReasonShutdown  = "server shutting down"
)

// ResultEvent is one processing result for one assembled window. It
// references the originating window by its sequence range and byte
// length, never by buffer.
type ResultEvent struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	StartSeq  uint64 `json:"start_seq"`
	EndSeq    uint64 `json:"end_seq"`
	Bytes     int    `json:"bytes"`
	Text      string `json:"text,omitempty"`
}

// EncodeResult renders a result event as a single outbound text message.
// Format: kind=<kind> seq=<start>-<end> bytes=<n> [text]
func EncodeResult(ev ResultEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s seq=%d-%d bytes=%d", ev.Kind, ev.StartSeq, ev.EndSeq, ev.Bytes)
	if ev.Text != "" {
		b.WriteByte(' ')
		b.WriteString(ev.Text)
	}
	return b.String()
}

// DecodeResult parses an outbound text message back into a result event.
// Used by clients and tests; the session id is not on the wire (the
// connection identifies the session).
func DecodeResult(s string) (ResultEvent, error) {
	var ev ResultEvent

	parts := strings.SplitN(s, " ", 4)
	if len(parts) < 3 {
		return ev, fmt.Errorf("malformed result message: %q", s)
	}

	kind, ok := strings.CutPrefix(parts[0], "kind=")
	if !ok {
		return ev, fmt.Errorf("malformed kind field: %q", parts[0])
	}
	switch kind {
	case KindPartial, KindFinal, KindError:
		ev.Kind = kind
	default:
		return ev, fmt.Errorf("unknown result kind: %q", kind)
	}

	seqRange, ok := strings.CutPrefix(parts[1], "seq=")
	if !ok {
		return ev, fmt.Errorf("malformed seq field: %q", parts[1])
	}
	start, end, ok := strings.Cut(seqRange, "-")
	if !ok {
		return ev, fmt.Errorf("malformed seq range: %q", seqRange)
	}
	var err error
	if ev.StartSeq, err = strconv.ParseUint(start, 10, 64); err != nil {
		return ev, fmt.Errorf("invalid start seq %q: %w", start, err)
	}
	if ev.EndSeq, err = strconv.ParseUint(end, 10, 64); err != nil {
		return ev, fmt.Errorf("invalid end seq %q: %w", end, err)
	}

	byteCount, ok := strings.CutPrefix(parts[2], "bytes=")
	if !ok {
		return ev, fmt.Errorf("malformed bytes field: %q", parts[2])
	}
	if ev.Bytes, err = strconv.Atoi(byteCount); err != nil {
		return ev, fmt.Errorf("invalid byte count %q: %w", byteCount, err)
	}

	if len(parts) == 4 {
		ev.Text = parts[3]
	}

	return ev, nil
}
