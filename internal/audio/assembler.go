package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOversizedFragment is returned when a single fragment exceeds the
	// configured maximum fragment size.
	ErrOversizedFragment = errors.New("fragment exceeds maximum size")

	// ErrFragmentOutOfOrder is returned when a fragment arrives with a
	// sequence number other than the next expected one.
	ErrFragmentOutOfOrder = errors.New("fragment out of order")
)

// Fragment is one raw binary message as delivered by the transport.
// Fragments are immutable after creation and carry a per-session
// monotonic sequence number.
type Fragment struct {
	Seq     uint64
	Data    []byte
	Arrived time.Time
}

// Window is a fixed-size reassembled buffer of audio bytes ready for
// downstream processing. The final window of a session may be shorter
// than the configured window size and is marked Partial.
type Window struct {
	SessionID  string
	StartSeq   uint64
	EndSeq     uint64
	StartTime  time.Time
	EndTime    time.Time
	SampleRate int
	Data       []byte
	Partial    bool
}

// Duration returns the playback duration of the window assuming
// PCM-16 mono at the window's sample rate.
func (w *Window) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	samples := len(w.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(w.SampleRate)
}

// AssemblerConfig contains configuration for a frame assembler.
type AssemblerConfig struct {
	WindowBytes      int // fixed window size in bytes
	MaxFragmentBytes int // single-fragment cap, 0 disables the check
	SampleRate       int // sample-rate assumption carried into windows
}

// AssemblerStats represents assembler statistics for monitoring.
type AssemblerStats struct {
	FragmentsReceived uint64 `json:"fragments_received"`
	BytesReceived     uint64 `json:"bytes_received"`
	WindowsAssembled  uint64 `json:"windows_assembled"`
	PendingBytes      int    `json:"pending_bytes"`
}

// Assembler accumulates ordered binary fragments into fixed-size audio
// windows. Fragments must arrive strictly in sequence order; the caller
// owns ordering and a sequence break is a protocol violation.
type Assembler struct {
	sessionID string
	cfg       AssemblerConfig

	pending []byte
	started bool
	nextSeq uint64

	// Sequence/time range of the bytes currently pending.
	curStartSeq  uint64
	curStartTime time.Time
	lastSeq      uint64
	lastArrived  time.Time

	fragmentsReceived uint64
	bytesReceived     uint64
	windowsAssembled  uint64

	mu sync.Mutex
}

// NewAssembler creates a new frame assembler for a session.
func NewAssembler(sessionID string, cfg AssemblerConfig) *Assembler {
	return &Assembler{
		sessionID: sessionID,
		cfg:       cfg,
		pending:   make([]byte, 0, cfg.WindowBytes),
	}
}

// Feed accepts the next fragment and returns zero or more completed
// windows. Windows are produced in assembly order and each has exactly
// WindowBytes of data.
func (a *Assembler) Feed(frag Fragment) ([]*Window, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.MaxFragmentBytes > 0 && len(frag.Data) > a.cfg.MaxFragmentBytes {
		return nil, fmt.Errorf("%w: got %d bytes, max %d",
			ErrOversizedFragment, len(frag.Data), a.cfg.MaxFragmentBytes)
	}

	if a.started && frag.Seq != a.nextSeq {
		return nil, fmt.Errorf("%w: got seq %d, want %d",
			ErrFragmentOutOfOrder, frag.Seq, a.nextSeq)
	}

	a.started = true
	a.nextSeq = frag.Seq + 1
	a.lastSeq = frag.Seq
	a.lastArrived = frag.Arrived
	a.fragmentsReceived++
	a.bytesReceived += uint64(len(frag.Data))

	if len(a.pending) == 0 {
		a.curStartSeq = frag.Seq
		a.curStartTime = frag.Arrived
	}
	a.pending = append(a.pending, frag.Data...)

	var out []*Window
	for len(a.pending) >= a.cfg.WindowBytes {
		data := make([]byte, a.cfg.WindowBytes)
		copy(data, a.pending)

		// Shift the remainder to the front to keep the backing array bounded.
		n := copy(a.pending, a.pending[a.cfg.WindowBytes:])
		a.pending = a.pending[:n]

		out = append(out, &Window{
			SessionID:  a.sessionID,
			StartSeq:   a.curStartSeq,
			EndSeq:     frag.Seq,
			StartTime:  a.curStartTime,
			EndTime:    frag.Arrived,
			SampleRate: a.cfg.SampleRate,
			Data:       data,
		})
		a.windowsAssembled++

		// Any remainder began inside the fragment that completed the window.
		a.curStartSeq = frag.Seq
		a.curStartTime = frag.Arrived
	}

	return out, nil
}

// Flush drains any remainder as a single partial window. It is called
// exactly once at session teardown; it returns nil when the pending
// buffer is empty.
func (a *Assembler) Flush() *Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return nil
	}

	data := make([]byte, len(a.pending))
	copy(data, a.pending)
	a.pending = a.pending[:0]

	a.windowsAssembled++

	return &Window{
		SessionID:  a.sessionID,
		StartSeq:   a.curStartSeq,
		EndSeq:     a.lastSeq,
		StartTime:  a.curStartTime,
		EndTime:    a.lastArrived,
		SampleRate: a.cfg.SampleRate,
		Data:       data,
		Partial:    true,
	}
}

// PendingBytes returns the number of bytes awaiting window completion.
func (a *Assembler) PendingBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// NextSeq returns the next expected fragment sequence number.
func (a *Assembler) NextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextSeq
}

// GetStats returns current assembler statistics.
func (a *Assembler) GetStats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AssemblerStats{
		FragmentsReceived: a.fragmentsReceived,
		BytesReceived:     a.bytesReceived,
		WindowsAssembled:  a.windowsAssembled,
		PendingBytes:      len(a.pending),
	}
}
