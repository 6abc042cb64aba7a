// Package trace records driver and bus operations for offline
// diagnosis. Recording is optional everywhere: a nil Recorder costs one
// branch per operation.
package trace

import (
	"sync"
	"time"
)

// Op identifies the operation an Event describes.
type Op uint8

const (
	OpProgram Op = iota + 1
	OpRead
	OpErase
	OpAcquire
	OpTransfer
	OpQueue
	OpComplete
	OpAbort
)

func (op Op) String() string {
	switch op {
	case OpProgram:
		return "program"
	case OpRead:
		return "read"
	case OpErase:
		return "erase"
	case OpAcquire:
		return "acquire"
	case OpTransfer:
		return "transfer"
	case OpQueue:
		return "queue"
	case OpComplete:
		return "complete"
	case OpAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Event is one recorded operation. Integer CBOR keys keep the encoded
// stream compact.
type Event struct {
	Time   time.Time `cbor:"1,keyasint,omitempty"`
	Op     Op        `cbor:"2,keyasint"`
	Device string    `cbor:"3,keyasint,omitempty"`
	Addr   int64     `cbor:"4,keyasint,omitempty"`
	Len    int       `cbor:"5,keyasint,omitempty"`
	Err    string    `cbor:"6,keyasint,omitempty"`
}

// Recorder receives events. Implementations must be safe for
// concurrent use; Record is called from transfer-completion contexts
// and must not block.
type Recorder interface {
	Record(Event)
}

// Ring is a bounded in-memory Recorder that keeps the most recent
// events, oldest first.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRing returns a Ring holding up to capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 64
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Record stores ev, stamping Time if unset.
func (r *Ring) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Events returns the recorded events in arrival order.
func (r *Ring) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Reset discards all recorded events.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
}
