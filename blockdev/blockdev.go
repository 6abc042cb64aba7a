// Package blockdev exposes byte-granular read, program and erase over a
// page-oriented flash chip.
//
// The chip itself only moves whole pages. Unaligned or partial-page
// writes go through a read-modify-write cycle on a single scratch page:
// read the target page, patch the requested bytes, write the whole page
// back, preserving every byte outside the requested range. Erase is the
// chip's native page erase; an erased page reads back as 0xFF in every
// byte.
//
// A Device serializes its operations internally (the scratch page is a
// single shared buffer), but multi-page operations are not atomic:
// a failure mid-plan leaves earlier pages in their post-operation
// state. Callers needing atomicity must journal above this layer.
package blockdev

import (
	"errors"
	"fmt"
	"sync"

	"flashbd/trace"
)

var (
	// ErrOutOfBounds indicates a range beyond the device or one that
	// violates the alignment an operation requires.
	ErrOutOfBounds = errors.New("blockdev: out of bounds")
	// ErrAllocation indicates the scratch page could not be set up.
	ErrAllocation = errors.New("blockdev: scratch page allocation failed")
	// ErrReleased indicates an operation after Deinit.
	ErrReleased = errors.New("blockdev: device released")
)

// ErasedByte is the value every byte of an erased page reads back as.
const ErasedByte = 0xFF

// maxPageSize bounds scratch allocation; no supported chip has larger
// pages.
const maxPageSize = 1 << 20

// PageIO is the chip-command collaborator. Implementations encode the
// chip-specific protocol; buf is always exactly PageSize bytes.
type PageIO interface {
	ReadPage(buf []byte, page int) error
	WritePage(buf []byte, page int) error
	ErasePage(page int) error
	PageSize() int
	Pages() int
	Release() error
}

// Options configures a Device.
type Options struct {
	// Trace receives operation events when non-nil.
	Trace trace.Recorder
}

// Device is a byte-granular block device over a PageIO chip.
type Device struct {
	mu sync.Mutex

	io       PageIO
	pageSize int
	pages    int
	scratch  []byte
	rec      trace.Recorder
	released bool
}

// New builds a Device over io, allocating the read-modify-write scratch
// page.
func New(io PageIO, opts Options) (*Device, error) {
	if io == nil {
		return nil, errors.New("blockdev: nil page io")
	}
	ps := io.PageSize()
	pages := io.Pages()
	if ps <= 0 || ps > maxPageSize {
		return nil, fmt.Errorf("blockdev: page size %d: %w", ps, ErrAllocation)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("blockdev: page count %d: %w", pages, ErrAllocation)
	}

	return &Device{
		io:       io,
		pageSize: ps,
		pages:    pages,
		scratch:  make([]byte, ps),
		rec:      opts.Trace,
	}, nil
}

// Size returns the device capacity in bytes.
func (d *Device) Size() int64 {
	return int64(d.pageSize) * int64(d.pages)
}

// ReadBlockSize returns the smallest readable unit.
func (d *Device) ReadBlockSize() int64 { return int64(d.pageSize) }

// ProgramBlockSize returns the smallest programmable unit.
func (d *Device) ProgramBlockSize() int64 { return int64(d.pageSize) }

// EraseBlockSize returns the erase granularity.
func (d *Device) EraseBlockSize() int64 { return int64(d.pageSize) }

// Program writes p at byte address addr. Partial pages are
// read-modify-written so bytes outside [addr, addr+len(p)) keep their
// prior values. A page failure aborts the rest of the plan; pages
// already written stay written.
func (d *Device) Program(p []byte, addr int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(addr, int64(len(p))); err != nil {
		d.record(trace.OpProgram, addr, len(p), err)
		return err
	}

	idx := 0
	for _, span := range planRange(addr, int64(len(p)), d.pageSize) {
		seg := p[idx : idx+span.n]
		idx += span.n

		if span.n == d.pageSize {
			if err := d.io.WritePage(seg, span.page); err != nil {
				err = fmt.Errorf("blockdev: program page %d: %w", span.page, err)
				d.record(trace.OpProgram, addr, len(p), err)
				return err
			}
			continue
		}

		// Partial page: patch through the scratch page.
		if err := d.io.ReadPage(d.scratch, span.page); err != nil {
			err = fmt.Errorf("blockdev: program read page %d: %w", span.page, err)
			d.record(trace.OpProgram, addr, len(p), err)
			return err
		}
		copy(d.scratch[span.off:span.off+span.n], seg)
		if err := d.io.WritePage(d.scratch, span.page); err != nil {
			err = fmt.Errorf("blockdev: program page %d: %w", span.page, err)
			d.record(trace.OpProgram, addr, len(p), err)
			return err
		}
	}

	d.record(trace.OpProgram, addr, len(p), nil)
	return nil
}

// Read fills p from byte address addr, aborting on the first page
// failure.
func (d *Device) Read(p []byte, addr int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(addr, int64(len(p))); err != nil {
		d.record(trace.OpRead, addr, len(p), err)
		return err
	}

	idx := 0
	for _, span := range planRange(addr, int64(len(p)), d.pageSize) {
		seg := p[idx : idx+span.n]
		idx += span.n

		if span.n == d.pageSize {
			if err := d.io.ReadPage(seg, span.page); err != nil {
				err = fmt.Errorf("blockdev: read page %d: %w", span.page, err)
				d.record(trace.OpRead, addr, len(p), err)
				return err
			}
			continue
		}

		if err := d.io.ReadPage(d.scratch, span.page); err != nil {
			err = fmt.Errorf("blockdev: read page %d: %w", span.page, err)
			d.record(trace.OpRead, addr, len(p), err)
			return err
		}
		copy(seg, d.scratch[span.off:span.off+span.n])
	}

	d.record(trace.OpRead, addr, len(p), nil)
	return nil
}

// Erase resets every page in [addr, addr+size) to ErasedByte. Both addr
// and size must be page-aligned; erase has no sub-page path. The first
// failing page aborts the rest; already-erased pages stay erased.
func (d *Device) Erase(addr, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(addr, size); err != nil {
		d.record(trace.OpErase, addr, int(size), err)
		return err
	}
	ps := int64(d.pageSize)
	if addr%ps != 0 || size%ps != 0 {
		err := fmt.Errorf("blockdev: erase addr=%d size=%d not page aligned: %w", addr, size, ErrOutOfBounds)
		d.record(trace.OpErase, addr, int(size), err)
		return err
	}

	for page := addr / ps; page < (addr+size)/ps; page++ {
		if err := d.io.ErasePage(int(page)); err != nil {
			err = fmt.Errorf("blockdev: erase page %d: %w", page, err)
			d.record(trace.OpErase, addr, int(size), err)
			return err
		}
	}

	d.record(trace.OpErase, addr, int(size), nil)
	return nil
}

// Deinit releases the chip and its bus resource. It is idempotent and
// safe on a device that never completed initialization; operations
// after Deinit fail with ErrReleased.
func (d *Device) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil
	}
	d.released = true
	if d.io == nil {
		return nil
	}
	if err := d.io.Release(); err != nil {
		return fmt.Errorf("blockdev: deinit: %w", err)
	}
	return nil
}

// checkRange validates [addr, addr+size) under d.mu.
func (d *Device) checkRange(addr, size int64) error {
	if d.released {
		return ErrReleased
	}
	if addr < 0 || size < 0 || addr+size > d.Size() {
		return fmt.Errorf("blockdev: range addr=%d size=%d capacity=%d: %w", addr, size, d.Size(), ErrOutOfBounds)
	}
	return nil
}

func (d *Device) record(op trace.Op, addr int64, n int, err error) {
	if d.rec == nil {
		return
	}
	ev := trace.Event{Op: op, Addr: addr, Len: n}
	if err != nil {
		ev.Err = err.Error()
	}
	d.rec.Record(ev)
}
