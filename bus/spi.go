package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"tinygo.org/x/drivers"
)

// ConfigureFunc reapplies electrical settings on the underlying SPI
// peripheral. drivers.SPI has no portable configure entry point, so the
// platform hands one in (wrapping machine.SPI.Configure or similar).
type ConfigureFunc func(f Format, hz int) error

// SPIConn adapts any drivers.SPI into a Conn.
//
// Asynchronous transfers run the blocking Tx on a dedicated goroutine
// and deliver the completion callback from there, standing in for the
// transfer-complete interrupt of a real peripheral.
type SPIConn struct {
	spi       drivers.SPI
	configure ConfigureFunc

	busy atomic.Bool
	gen  atomic.Uint32

	mu       sync.Mutex
	released bool
}

var _ Conn = (*SPIConn)(nil)

// NewSPIConn wraps spi. configure may be nil when the peripheral is
// configured out of band.
func NewSPIConn(spi drivers.SPI, configure ConfigureFunc) *SPIConn {
	return &SPIConn{spi: spi, configure: configure}
}

func (c *SPIConn) Configure(f Format, hz int) error {
	if c.configure == nil {
		return nil
	}
	return c.configure(f, hz)
}

func (c *SPIConn) Tx(w, r []byte) error {
	return c.spi.Tx(w, r)
}

func (c *SPIConn) TxAsync(tx, rx []byte, mask EventMask, done func(Event)) error {
	if !c.busy.CompareAndSwap(false, true) {
		return errors.New("spi: transfer already active")
	}

	gen := c.gen.Load()
	go func() {
		err := c.spi.Tx(tx, rx)
		c.busy.Store(false)

		// Dropped by Abort: the owner no longer wants the callback.
		if c.gen.Load() != gen {
			return
		}
		ev := EventComplete
		if err != nil {
			ev = EventError
		}
		done(ev)
	}()
	return nil
}

func (c *SPIConn) Busy() bool {
	return c.busy.Load()
}

// Abort suppresses the completion callback of any in-flight transfer.
// The wire transaction itself cannot be cut short once started.
func (c *SPIConn) Abort() {
	c.gen.Add(1)
}

func (c *SPIConn) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	c.Abort()
	return nil
}
