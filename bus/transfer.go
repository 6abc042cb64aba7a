package bus

import (
	"fmt"
	"sync/atomic"

	"flashbd/trace"
)

// Event is a completion event bit set reported to transfer callbacks.
type Event uint32

// EventMask selects which Event bits a transaction wants reported.
type EventMask = Event

const (
	// EventComplete signals the transfer finished.
	EventComplete Event = 1 << iota
	// EventRxOverflow signals receive data was lost.
	EventRxOverflow
	// EventError signals the transfer failed.
	EventError

	// EventAll selects every event.
	EventAll = EventComplete | EventRxOverflow | EventError
)

// Transaction is one asynchronous transfer request.
//
// Done is invoked exactly once from the completion context with the
// event bits selected by Mask, unless the transaction is dropped by
// AbortAll. The Tx and Rx buffers must stay untouched until then.
type Transaction struct {
	Tx   []byte
	Rx   []byte
	Mask EventMask
	Done func(Event)

	dev *Device
}

// Transfer requests an asynchronous transfer. If the wire is idle the
// transaction starts immediately; otherwise it is queued and started by
// the completion handler in FIFO order. Transfer never blocks: a
// saturated queue fails with ErrQueueFull and the transaction is
// dropped.
func (d *Device) Transfer(t Transaction) error {
	if t.Mask == 0 {
		t.Mask = EventComplete
	}
	t.dev = d

	b := d.bus
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return ErrReleased
	}
	if !b.conn.Busy() {
		err := b.startLocked(t)
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	if !b.queue.push(t) {
		return fmt.Errorf("bus: transfer for %s: %w", d.name, ErrQueueFull)
	}
	b.record(trace.Event{Op: trace.OpQueue, Device: d.name, Len: txnLen(t)})

	// The in-flight transfer may have completed between the Busy check
	// and the push; drain so the queue is never left behind an idle
	// wire.
	b.drain()
	return nil
}

// startLocked acquires the bus for t.dev and hands t to the hardware.
// Callers hold b.mu.
func (b *Bus) startLocked(t Transaction) error {
	if err := b.acquireLocked(t.dev); err != nil {
		return err
	}
	if err := b.conn.TxAsync(t.Tx, t.Rx, t.Mask, func(ev Event) { b.finish(t, ev) }); err != nil {
		return fmt.Errorf("bus: start transfer for %s: %w", t.dev.name, err)
	}
	return nil
}

// finish runs in the completion context. It reports the masked event
// bits to the transaction's callback, then starts the next queued
// transaction before returning so the wire is never idle while work is
// queued.
func (b *Bus) finish(t Transaction, ev Event) {
	if masked := ev & t.Mask; masked != 0 && t.Done != nil {
		t.Done(masked)
	}
	b.record(trace.Event{Op: trace.OpComplete, Device: t.dev.name, Len: txnLen(t), Err: errBits(ev)})
	b.drain()
}

// drain pops and starts the next queued transaction if the wire is
// idle. Popping under b.mu keeps the ring single-consumer.
func (b *Bus) drain() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released || b.conn.Busy() {
		return
	}
	t, ok := b.queue.pop()
	if !ok {
		return
	}
	if err := b.startLocked(t); err != nil {
		// The hardware refused the queued transaction; surface it
		// through the callback like any other failed transfer.
		if masked := EventError & t.Mask; masked != 0 && t.Done != nil {
			t.Done(masked)
		}
	}
}

func txnLen(t Transaction) int {
	if len(t.Rx) > len(t.Tx) {
		return len(t.Rx)
	}
	return len(t.Tx)
}

func errBits(ev Event) string {
	if ev&(EventError|EventRxOverflow) == 0 {
		return ""
	}
	return fmt.Sprintf("event 0x%x", uint32(ev))
}

// txRing is a fixed-capacity transaction FIFO. Push is lock-free so it
// stays safe from any producer; pop must be serialized by the caller
// (the bus holds its lock while popping), standing in for the
// interrupt-disable critical section of the original discipline.
type txRing struct {
	head  atomic.Uint32
	tail  atomic.Uint32
	slots []Transaction
}

func newTxRing(capacity int) *txRing {
	return &txRing{slots: make([]Transaction, capacity)}
}

func (r *txRing) push(t Transaction) bool {
	n := uint32(len(r.slots))
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if head-tail >= n {
			return false
		}
		if r.head.CompareAndSwap(head, head+1) {
			r.slots[head%n] = t
			return true
		}
	}
}

func (r *txRing) pop() (Transaction, bool) {
	n := uint32(len(r.slots))
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return Transaction{}, false
	}
	t := r.slots[tail%n]
	r.slots[tail%n] = Transaction{}
	r.tail.Store(tail + 1)
	return t, true
}

func (r *txRing) reset() {
	for {
		if _, ok := r.pop(); !ok {
			return
		}
	}
}

func (r *txRing) len() int {
	return int(r.head.Load() - r.tail.Load())
}
