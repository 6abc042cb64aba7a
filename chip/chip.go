// Package chip provides page-I/O collaborators for blockdev: an
// in-memory chip for tests, a file-backed chip for host tooling, and a
// minimal serial-command chip that drives a shared bus device.
//
// All of them share the flash convention that an erased page reads back
// as 0xFF in every byte, and none of them require an erase before a
// page program.
package chip

import (
	"errors"
	"fmt"
	"sync"
)

var errReleased = errors.New("chip: released")

// Mem is an in-memory page chip. Individual pages can be primed to fail
// so error paths are testable.
type Mem struct {
	mu sync.Mutex

	pageSize int
	mem      []byte

	failRead  map[int]error
	failWrite map[int]error
	failErase map[int]error

	released bool
}

// NewMem returns a Mem with every page erased.
func NewMem(pageSize, pages int) *Mem {
	m := &Mem{
		pageSize: pageSize,
		mem:      make([]byte, pageSize*pages),
	}
	for i := range m.mem {
		m.mem[i] = 0xFF
	}
	return m
}

func (m *Mem) PageSize() int { return m.pageSize }
func (m *Mem) Pages() int    { return len(m.mem) / m.pageSize }

func (m *Mem) ReadPage(buf []byte, page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(buf, page, m.failRead); err != nil {
		return err
	}
	copy(buf, m.mem[page*m.pageSize:(page+1)*m.pageSize])
	return nil
}

func (m *Mem) WritePage(buf []byte, page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(buf, page, m.failWrite); err != nil {
		return err
	}
	copy(m.mem[page*m.pageSize:(page+1)*m.pageSize], buf)
	return nil
}

func (m *Mem) ErasePage(page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(nil, page, m.failErase); err != nil {
		return err
	}
	chunk := m.mem[page*m.pageSize : (page+1)*m.pageSize]
	for i := range chunk {
		chunk[i] = 0xFF
	}
	return nil
}

func (m *Mem) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

// FailRead makes ReadPage on page return err.
func (m *Mem) FailRead(page int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead == nil {
		m.failRead = make(map[int]error)
	}
	m.failRead[page] = err
}

// FailWrite makes WritePage on page return err.
func (m *Mem) FailWrite(page int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite == nil {
		m.failWrite = make(map[int]error)
	}
	m.failWrite[page] = err
}

// FailErase makes ErasePage on page return err.
func (m *Mem) FailErase(page int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErase == nil {
		m.failErase = make(map[int]error)
	}
	m.failErase[page] = err
}

// Page returns a copy of one page's contents.
func (m *Mem) Page(page int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.pageSize)
	copy(out, m.mem[page*m.pageSize:(page+1)*m.pageSize])
	return out
}

func (m *Mem) check(buf []byte, page int, faults map[int]error) error {
	if m.released {
		return errReleased
	}
	if page < 0 || page >= len(m.mem)/m.pageSize {
		return fmt.Errorf("chip: page %d out of range", page)
	}
	if buf != nil && len(buf) != m.pageSize {
		return fmt.Errorf("chip: buffer size %d, want page size %d", len(buf), m.pageSize)
	}
	if err, ok := faults[page]; ok {
		return err
	}
	return nil
}
