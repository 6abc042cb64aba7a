package blockdev

import (
	"bytes"
	"errors"
	"testing"

	"flashbd/chip"
	"flashbd/trace"
)

const (
	testPageSize = 512
	testPages    = 8
)

func newTestDevice(t *testing.T) (*Device, *chip.Mem) {
	t.Helper()
	m := chip.NewMem(testPageSize, testPages)
	d, err := New(m, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, m
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func TestProgramReadRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		addr int64
		size int
	}{
		{"page aligned full page", 512, 512},
		{"interior of one page", 700, 100},
		{"spanning two pages", 505, 10},
		{"unaligned multi page", 300, 1500},
		{"whole device", 0, testPageSize * testPages},
		{"single byte", 1023, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newTestDevice(t)
			want := pattern(tc.size, 0x40)
			if err := d.Program(want, tc.addr); err != nil {
				t.Fatalf("Program: %v", err)
			}
			got := make([]byte, tc.size)
			if err := d.Read(got, tc.addr); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("round trip mismatch at %d+%d", tc.addr, tc.size)
			}
		})
	}
}

func TestPartialProgramPreservesNeighbors(t *testing.T) {
	d, _ := newTestDevice(t)

	// Sentinel across pages 0 and 1, then a partial update inside.
	sentinel := pattern(2*testPageSize, 0xA0)
	if err := d.Program(sentinel, 0); err != nil {
		t.Fatalf("Program sentinel: %v", err)
	}

	update := pattern(10, 0x11)
	if err := d.Program(update, 505); err != nil {
		t.Fatalf("Program update: %v", err)
	}

	got := make([]byte, 2*testPageSize)
	if err := d.Read(got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}

	want := append([]byte(nil), sentinel...)
	copy(want[505:], update)
	if !bytes.Equal(got, want) {
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("byte %d: got %#x, want %#x", i, got[i], want[i])
			}
		}
	}
}

func TestEraseReadsBackErasedByte(t *testing.T) {
	d, _ := newTestDevice(t)

	if err := d.Program(pattern(3*testPageSize, 1), 0); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if err := d.Erase(testPageSize, testPageSize); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	got := make([]byte, 3*testPageSize)
	if err := d.Read(got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := testPageSize; i < 2*testPageSize; i++ {
		if got[i] != ErasedByte {
			t.Fatalf("byte %d after erase: %#x, want %#x", i, got[i], ErasedByte)
		}
	}
	// Neighboring pages untouched.
	if got[testPageSize-1] != pattern(testPageSize, 1)[testPageSize-1] {
		t.Fatal("erase touched preceding page")
	}
	if got[2*testPageSize] != pattern(3*testPageSize, 1)[2*testPageSize] {
		t.Fatal("erase touched following page")
	}
}

func TestEraseRequiresAlignment(t *testing.T) {
	d, _ := newTestDevice(t)

	if err := d.Erase(100, testPageSize); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("unaligned addr: got %v, want ErrOutOfBounds", err)
	}
	if err := d.Erase(0, 100); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("unaligned size: got %v, want ErrOutOfBounds", err)
	}
	if err := d.Erase(0, 0); err != nil {
		t.Fatalf("zero-size aligned erase: %v", err)
	}
}

func TestRangeValidation(t *testing.T) {
	d, _ := newTestDevice(t)
	total := d.Size()

	if err := d.Program(make([]byte, 1), total); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("program at capacity: got %v", err)
	}
	if err := d.Read(make([]byte, 2), total-1); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("read past end: got %v", err)
	}
	if err := d.Program(nil, -1); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("negative addr: got %v", err)
	}
	// Exactly at the end is fine.
	if err := d.Program(make([]byte, 1), total-1); err != nil {
		t.Fatalf("program last byte: %v", err)
	}
}

func TestProgramAbortsOnFirstPageError(t *testing.T) {
	d, m := newTestDevice(t)

	boom := errors.New("page io failed")
	m.FailWrite(1, boom)

	// Three whole pages; page 1 fails, page 2 must stay untouched,
	// page 0 keeps what was written before the failure.
	err := d.Program(pattern(3*testPageSize, 7), 0)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped page io error", err)
	}

	page0 := m.Page(0)
	if !bytes.Equal(page0, pattern(3*testPageSize, 7)[:testPageSize]) {
		t.Fatal("page 0 not written before the failure")
	}
	page2 := m.Page(2)
	for i, b := range page2 {
		if b != ErasedByte {
			t.Fatalf("page 2 byte %d touched after failure: %#x", i, b)
		}
	}
}

func TestReadAbortsOnFirstPageError(t *testing.T) {
	d, m := newTestDevice(t)

	boom := errors.New("read failed")
	m.FailRead(1, boom)

	err := d.Read(make([]byte, 2*testPageSize), 0)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped read error", err)
	}
}

func TestEraseAbortsOnFirstPageError(t *testing.T) {
	d, m := newTestDevice(t)

	if err := d.Program(pattern(3*testPageSize, 9), 0); err != nil {
		t.Fatalf("Program: %v", err)
	}
	boom := errors.New("erase failed")
	m.FailErase(1, boom)

	err := d.Erase(0, 3*testPageSize)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped erase error", err)
	}
	// Page 0 was erased before the failure; page 2 was not reached.
	for i, b := range m.Page(0) {
		if b != ErasedByte {
			t.Fatalf("page 0 byte %d: %#x, want erased", i, b)
		}
	}
	if bytes.Equal(m.Page(2), bytes.Repeat([]byte{ErasedByte}, testPageSize)) {
		t.Fatal("page 2 erased after the failure")
	}
}

func TestBlockSizes(t *testing.T) {
	d, _ := newTestDevice(t)

	if got := d.ReadBlockSize(); got != testPageSize {
		t.Fatalf("ReadBlockSize %d", got)
	}
	if got := d.ProgramBlockSize(); got != testPageSize {
		t.Fatalf("ProgramBlockSize %d", got)
	}
	if got := d.EraseBlockSize(); got != testPageSize {
		t.Fatalf("EraseBlockSize %d", got)
	}
	if got := d.Size(); got != testPageSize*testPages {
		t.Fatalf("Size %d", got)
	}
}

func TestDeinit(t *testing.T) {
	d, _ := newTestDevice(t)

	if err := d.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if err := d.Deinit(); err != nil {
		t.Fatalf("second Deinit: %v", err)
	}
	if err := d.Read(make([]byte, 1), 0); !errors.Is(err, ErrReleased) {
		t.Fatalf("read after deinit: got %v", err)
	}
	if err := d.Program(make([]byte, 1), 0); !errors.Is(err, ErrReleased) {
		t.Fatalf("program after deinit: got %v", err)
	}
}

func TestTinyFSAdapter(t *testing.T) {
	d, _ := newTestDevice(t)

	want := pattern(100, 0x30)
	if n, err := d.WriteAt(want, 700); err != nil || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	got := make([]byte, 100)
	if n, err := d.ReadAt(got, 700); err != nil || n != len(got) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("adapter round trip mismatch")
	}

	if err := d.EraseBlocks(1, 1); err != nil {
		t.Fatalf("EraseBlocks: %v", err)
	}
	if _, err := d.ReadAt(got, 700); err != nil {
		t.Fatalf("ReadAt after erase: %v", err)
	}
	for i, b := range got {
		if b != ErasedByte {
			t.Fatalf("byte %d after EraseBlocks: %#x", i, b)
		}
	}
	if d.WriteBlockSize() != testPageSize {
		t.Fatalf("WriteBlockSize %d", d.WriteBlockSize())
	}
}

func TestTraceRecords(t *testing.T) {
	m := chip.NewMem(testPageSize, testPages)
	rec := trace.NewRing(16)
	d, err := New(m, Options{Trace: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Program(pattern(10, 1), 5); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if err := d.Read(make([]byte, 10), 5); err != nil {
		t.Fatalf("Read: %v", err)
	}

	evs := rec.Events()
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Op != trace.OpProgram || evs[0].Addr != 5 || evs[0].Len != 10 {
		t.Fatalf("program event %+v", evs[0])
	}
	if evs[1].Op != trace.OpRead {
		t.Fatalf("read event %+v", evs[1])
	}
}
