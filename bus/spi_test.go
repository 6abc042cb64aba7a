package bus

import (
	"testing"
	"time"
)

// blockSPI is a drivers.SPI whose Tx blocks until the test releases it.
type blockSPI struct {
	gate chan struct{}
	txs  chan []byte
}

func newBlockSPI() *blockSPI {
	return &blockSPI{
		gate: make(chan struct{}),
		txs:  make(chan []byte, 8),
	}
}

func (s *blockSPI) Tx(w, r []byte) error {
	s.txs <- append([]byte(nil), w...)
	<-s.gate
	return nil
}

func (s *blockSPI) Transfer(b byte) (byte, error) { return b, nil }

func TestSPIConnAsyncCompletion(t *testing.T) {
	spi := newBlockSPI()
	conn := NewSPIConn(spi, nil)

	done := make(chan Event, 1)
	if err := conn.TxAsync([]byte{1}, nil, EventAll, func(ev Event) { done <- ev }); err != nil {
		t.Fatalf("TxAsync: %v", err)
	}
	<-spi.txs
	if !conn.Busy() {
		t.Fatal("conn idle while transfer in flight")
	}

	// A second transfer while active must fail, not block.
	if err := conn.TxAsync([]byte{2}, nil, EventAll, func(Event) {}); err == nil {
		t.Fatal("overlapping TxAsync accepted")
	}

	close(spi.gate)
	select {
	case ev := <-done:
		if ev != EventComplete {
			t.Fatalf("completion event %#x", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("completion callback never fired")
	}
	if conn.Busy() {
		t.Fatal("conn busy after completion")
	}
}

func TestSPIConnAbortSuppressesCallback(t *testing.T) {
	spi := newBlockSPI()
	conn := NewSPIConn(spi, nil)

	done := make(chan Event, 1)
	if err := conn.TxAsync([]byte{1}, nil, EventAll, func(ev Event) { done <- ev }); err != nil {
		t.Fatalf("TxAsync: %v", err)
	}
	<-spi.txs

	conn.Abort()
	close(spi.gate)

	deadline := time.Now().Add(time.Second)
	for conn.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("transfer never finished")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("callback fired after abort")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSPIConnConfigureHook(t *testing.T) {
	spi := newBlockSPI()
	var got Format
	var hz int
	conn := NewSPIConn(spi, func(f Format, rate int) error {
		got = f
		hz = rate
		return nil
	})

	if err := conn.Configure(Format{Bits: 16, Mode: 1}, 2_000_000); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got.Bits != 16 || got.Mode != 1 || hz != 2_000_000 {
		t.Fatalf("hook saw %+v %d", got, hz)
	}

	if err := conn.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := conn.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
