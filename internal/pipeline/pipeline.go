package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
	"github.com/skypro1111/ws-audio-ingest/internal/protocol"
)

// Pipeline consumes assembled audio windows and produces result events.
// Windows are submitted once, in assembly order, by a single goroutine
// per session. A returned error is surfaced to the client as an error
// event; a FatalError additionally ends the session.
type Pipeline interface {
	Submit(ctx context.Context, w *audio.Window) (protocol.ResultEvent, error)
	Stats() Stats
	Close() error
}

// Stats represents pipeline statistics for monitoring.
type Stats struct {
	Submitted       uint64        `json:"submitted"`
	Succeeded       uint64        `json:"succeeded"`
	Failed          uint64        `json:"failed"`
	Retries         uint64        `json:"retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// FatalError marks a pipeline failure the session cannot recover from.
// Regular submit errors only fail the window that caused them.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal pipeline failure: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// KindFor maps a window to its result kind: full windows yield partial
// results, the flush-on-close window yields the session's final result.
func KindFor(w *audio.Window) string {
	if w.Partial {
		return protocol.KindFinal
	}
	return protocol.KindPartial
}
