// Package bus arbitrates a single physical serial bus among multiple
// logical peripheral devices.
//
// Each peripheral registers as a Device carrying its own electrical
// settings (word width, clock mode, frequency). The bus is reconfigured
// only when ownership changes hands: back-to-back transfers by the same
// device never touch the peripheral configuration registers.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"flashbd/trace"
)

var (
	// ErrReleased indicates an operation on a bus after Release.
	ErrReleased = errors.New("bus: released")
	// ErrQueueFull indicates the asynchronous transfer queue is saturated.
	ErrQueueFull = errors.New("bus: transfer queue full")
)

// Format is the word width and clock mode a device wants on the wire.
type Format struct {
	Bits int
	Mode int
}

// Conn is the physical bus collaborator (the peripheral driver).
//
// Tx is a blocking full-duplex transfer. TxAsync starts a transfer and
// invokes done exactly once from the completion context; it must fail
// rather than block when a transfer is already active.
type Conn interface {
	Configure(f Format, hz int) error
	Tx(w, r []byte) error
	TxAsync(tx, rx []byte, mask EventMask, done func(Event)) error
	Busy() bool
	Abort()
	Release() error
}

const (
	defaultBits = 8
	defaultMode = 0
	defaultHz   = 1_000_000
	defaultFill = 0xFF

	// DefaultQueueDepth is the transfer queue capacity when Options
	// leaves it zero.
	DefaultQueueDepth = 8
)

// Options configures a Bus.
type Options struct {
	// QueueDepth is the asynchronous transfer queue capacity.
	QueueDepth int
	// Trace receives arbitration events when non-nil.
	Trace trace.Recorder
}

// Bus owns one physical bus and tracks which Device last configured it.
type Bus struct {
	mu sync.Mutex

	conn  Conn
	owner *Device
	queue *txRing
	rec   trace.Recorder

	ndev     int
	released bool
}

// New wraps conn in an arbiter.
func New(conn Conn, opts Options) (*Bus, error) {
	if conn == nil {
		return nil, errors.New("bus: nil conn")
	}
	depth := opts.QueueDepth
	if depth == 0 {
		depth = DefaultQueueDepth
	}
	if depth < 0 {
		return nil, fmt.Errorf("bus: invalid queue depth %d", depth)
	}
	return &Bus{
		conn:  conn,
		queue: newTxRing(depth),
		rec:   opts.Trace,
	}, nil
}

// NewDevice registers a logical peripheral on the bus with default
// settings (8 bits, mode 0, 1 MHz, 0xFF fill).
func (b *Bus) NewDevice() *Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ndev++
	return &Device{
		bus:  b,
		name: fmt.Sprintf("dev%d", b.ndev-1),
		bits: defaultBits,
		mode: defaultMode,
		hz:   defaultHz,
		fill: defaultFill,
	}
}

// Release aborts outstanding work and frees the physical bus. It is
// idempotent; every operation after the first Release fails with
// ErrReleased.
func (b *Bus) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	b.owner = nil
	b.mu.Unlock()

	b.AbortAll()
	if err := b.conn.Release(); err != nil {
		return fmt.Errorf("bus: release: %w", err)
	}
	return nil
}

// AbortAll discards all queued transactions without invoking their
// callbacks and aborts any in-flight hardware transfer. Teardown only.
func (b *Bus) AbortAll() {
	b.mu.Lock()
	b.queue.reset()
	b.mu.Unlock()

	b.conn.Abort()
	b.record(trace.Event{Op: trace.OpAbort})
}

// acquireLocked reconfigures the physical bus for d if d is not already
// the owner. Callers hold b.mu.
func (b *Bus) acquireLocked(d *Device) error {
	if b.owner == d {
		return nil
	}
	if err := b.conn.Configure(Format{Bits: d.bits, Mode: d.mode}, d.hz); err != nil {
		return fmt.Errorf("bus: configure for %s: %w", d.name, err)
	}
	b.owner = d
	b.record(trace.Event{Op: trace.OpAcquire, Device: d.name})
	return nil
}

func (b *Bus) record(ev trace.Event) {
	if b.rec != nil {
		b.rec.Record(ev)
	}
}

// Device is one logical peripheral's handle on a shared Bus.
//
// The zero value is not usable; obtain instances from Bus.NewDevice.
type Device struct {
	bus  *Bus
	name string

	bits int
	mode int
	hz   int
	fill byte
}

// Name returns the registration name assigned by the bus.
func (d *Device) Name() string { return d.name }

// Acquire configures the physical bus for this device if another device
// configured it last. Transfers acquire implicitly; explicit Acquire is
// only useful to front-load the reconfiguration cost.
func (d *Device) Acquire() error {
	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return ErrReleased
	}
	return b.acquireLocked(d)
}

// SetFormat updates the device's word width and clock mode. The change
// is applied to the wire immediately when this device owns the bus and
// lazily on the next acquire otherwise.
func (d *Device) SetFormat(bits, mode int) error {
	if bits <= 0 || mode < 0 || mode > 3 {
		return fmt.Errorf("bus: invalid format bits=%d mode=%d", bits, mode)
	}

	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return ErrReleased
	}
	d.bits = bits
	d.mode = mode
	if b.owner == d {
		if err := b.conn.Configure(Format{Bits: d.bits, Mode: d.mode}, d.hz); err != nil {
			return fmt.Errorf("bus: reformat for %s: %w", d.name, err)
		}
	}
	return nil
}

// SetFrequency updates the device's clock rate, with the same
// owner-immediate/non-owner-lazy behavior as SetFormat.
func (d *Device) SetFrequency(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("bus: invalid frequency %d", hz)
	}

	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return ErrReleased
	}
	d.hz = hz
	if b.owner == d {
		if err := b.conn.Configure(Format{Bits: d.bits, Mode: d.mode}, d.hz); err != nil {
			return fmt.Errorf("bus: retune for %s: %w", d.name, err)
		}
	}
	return nil
}

// SetFill sets the byte clocked out when a transfer reads more than it
// writes.
func (d *Device) SetFill(fill byte) {
	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	d.fill = fill
}

// Write clocks a single word out and returns the word clocked in.
func (d *Device) Write(v byte) (byte, error) {
	w := [1]byte{v}
	var r [1]byte
	if err := d.Tx(w[:], r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

// Tx performs a blocking full-duplex transfer. When r is longer than w,
// the tail is padded with the device's fill byte. The calling goroutine
// blocks for the full duration of the wire transaction.
func (d *Device) Tx(w, r []byte) error {
	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return ErrReleased
	}
	if err := b.acquireLocked(d); err != nil {
		return err
	}
	if len(r) > len(w) {
		padded := make([]byte, len(r))
		copy(padded, w)
		for i := len(w); i < len(padded); i++ {
			padded[i] = d.fill
		}
		w = padded
	}
	b.record(trace.Event{Op: trace.OpTransfer, Device: d.name, Len: max(len(w), len(r))})
	if err := b.conn.Tx(w, r); err != nil {
		return fmt.Errorf("bus: transfer for %s: %w", d.name, err)
	}
	return nil
}
