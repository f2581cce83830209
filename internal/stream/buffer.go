package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/audio"
)

var (
	// ErrBufferClosed is returned when pushing to or popping from a
	// buffer whose session has ended and whose backlog is empty.
	ErrBufferClosed = errors.New("session buffer closed")

	// ErrPushTimeout is returned under the block policy when the
	// consumer could not make room within the configured timeout.
	ErrPushTimeout = errors.New("session buffer full")
)

// OverflowPolicy selects how a full buffer treats a new window.
type OverflowPolicy int

const (
	// PolicyBlock makes Push wait for room, up to the block timeout.
	PolicyBlock OverflowPolicy = iota

	// PolicyDropOldest evicts the oldest queued window to make room.
	PolicyDropOldest
)

// String returns the policy's configuration name.
func (p OverflowPolicy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseOverflowPolicy converts a configuration string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "block":
		return PolicyBlock, nil
	case "drop_oldest":
		return PolicyDropOldest, nil
	default:
		return PolicyBlock, fmt.Errorf("unknown overflow policy '%s'", s)
	}
}

// SessionBuffer is the bounded queue between a session's ingest path
// and its delivery loop. Closing the buffer stops new pushes; queued
// windows remain poppable until the backlog is drained.
type SessionBuffer struct {
	ch     chan *audio.Window
	done   chan struct{}
	policy OverflowPolicy

	// Block timeout under PolicyBlock.
	timeout time.Duration

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewSessionBuffer creates a buffer with the given capacity and policy.
func NewSessionBuffer(capacity int, policy OverflowPolicy, blockTimeout time.Duration) *SessionBuffer {
	return &SessionBuffer{
		ch:      make(chan *audio.Window, capacity),
		done:    make(chan struct{}),
		policy:  policy,
		timeout: blockTimeout,
	}
}

// Push enqueues one window according to the overflow policy.
func (b *SessionBuffer) Push(ctx context.Context, w *audio.Window) error {
	select {
	case <-b.done:
		return ErrBufferClosed
	default:
	}

	if b.policy == PolicyDropOldest {
		for {
			select {
			case b.ch <- w:
				return nil
			case <-b.done:
				return ErrBufferClosed
			default:
			}

			// Evict the oldest window and retry.
			select {
			case <-b.ch:
				b.dropped.Add(1)
			default:
			}
		}
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.ch <- w:
		return nil
	case <-b.done:
		return ErrBufferClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPushTimeout
	}
}

// Pop dequeues the next window. After Close it keeps returning queued
// windows until the backlog is empty, then reports ErrBufferClosed.
func (b *SessionBuffer) Pop(ctx context.Context) (*audio.Window, error) {
	// Backlog takes priority over the closed signal.
	select {
	case w := <-b.ch:
		return w, nil
	default:
	}

	select {
	case w := <-b.ch:
		return w, nil
	case <-b.done:
		select {
		case w := <-b.ch:
			return w, nil
		default:
			return nil, ErrBufferClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops new pushes. Idempotent.
func (b *SessionBuffer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Len returns the number of queued windows.
func (b *SessionBuffer) Len() int {
	return len(b.ch)
}

// Cap returns the buffer capacity.
func (b *SessionBuffer) Cap() int {
	return cap(b.ch)
}

// Dropped returns the number of windows evicted under PolicyDropOldest.
func (b *SessionBuffer) Dropped() uint64 {
	return b.dropped.Load()
}
