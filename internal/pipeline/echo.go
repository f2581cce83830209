package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
	"github.com/skypro1111/ws-audio-ingest/internal/protocol"
)

// Echo is the built-in stand-in pipeline: it acknowledges each window
// with its byte count without performing any analysis.
type Echo struct {
	submitted uint64
	succeeded uint64

	mu sync.RWMutex
}

// NewEcho creates a new echo pipeline.
func NewEcho() *Echo {
	return &Echo{}
}

// Submit acknowledges the window immediately.
func (e *Echo) Submit(ctx context.Context, w *audio.Window) (protocol.ResultEvent, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ResultEvent{}, err
	}

	e.mu.Lock()
	e.submitted++
	e.succeeded++
	e.mu.Unlock()

	return protocol.ResultEvent{
		SessionID: w.SessionID,
		Kind:      KindFor(w),
		StartSeq:  w.StartSeq,
		EndSeq:    w.EndSeq,
		Bytes:     len(w.Data),
		Text:      fmt.Sprintf("received %d bytes of audio data", len(w.Data)),
	}, nil
}

// Stats returns current pipeline statistics.
func (e *Echo) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Submitted:       e.submitted,
		Succeeded:       e.succeeded,
		AvgResponseTime: time.Duration(0),
	}
}

// Close is a no-op for the echo pipeline.
func (e *Echo) Close() error {
	return nil
}
