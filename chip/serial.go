package chip

import (
	"fmt"

	"flashbd/bus"
)

// Serial command opcodes, dataflash style. Every frame is the opcode
// followed by a 24-bit big-endian page number; reads and writes carry
// one full page of data after the header.
const (
	opReadPage  = 0xD2
	opWritePage = 0x82
	opErasePage = 0x81

	hdrLen = 4
)

// Serial is a page chip reached through a shared-bus device. It covers
// chips whose command layer is a plain opcode/address/page framing; the
// heavier chip-specific protocols live outside this package.
//
// Serial is not safe for concurrent use; blockdev.Device serializes
// its calls.
type Serial struct {
	dev      *bus.Device
	pageSize int
	pages    int

	tx []byte
	rx []byte

	released bool
}

// NewSerial returns a Serial with the given geometry over dev.
func NewSerial(dev *bus.Device, pageSize, pages int) (*Serial, error) {
	if dev == nil {
		return nil, fmt.Errorf("chip: nil bus device")
	}
	if pageSize <= 0 || pages <= 0 || pages > 1<<24 {
		return nil, fmt.Errorf("chip: invalid geometry page_size=%d pages=%d", pageSize, pages)
	}
	return &Serial{
		dev:      dev,
		pageSize: pageSize,
		pages:    pages,
		tx:       make([]byte, hdrLen+pageSize),
		rx:       make([]byte, hdrLen+pageSize),
	}, nil
}

func (c *Serial) PageSize() int { return c.pageSize }
func (c *Serial) Pages() int    { return c.pages }

func (c *Serial) ReadPage(buf []byte, page int) error {
	if err := c.check(buf, page); err != nil {
		return err
	}
	c.header(opReadPage, page)
	for i := hdrLen; i < len(c.tx); i++ {
		c.tx[i] = 0
	}
	if err := c.dev.Tx(c.tx, c.rx); err != nil {
		return fmt.Errorf("chip: read page %d: %w", page, err)
	}
	copy(buf, c.rx[hdrLen:])
	return nil
}

func (c *Serial) WritePage(buf []byte, page int) error {
	if err := c.check(buf, page); err != nil {
		return err
	}
	c.header(opWritePage, page)
	copy(c.tx[hdrLen:], buf)
	if err := c.dev.Tx(c.tx, nil); err != nil {
		return fmt.Errorf("chip: write page %d: %w", page, err)
	}
	return nil
}

func (c *Serial) ErasePage(page int) error {
	if err := c.check(nil, page); err != nil {
		return err
	}
	c.header(opErasePage, page)
	if err := c.dev.Tx(c.tx[:hdrLen], nil); err != nil {
		return fmt.Errorf("chip: erase page %d: %w", page, err)
	}
	return nil
}

// Release is a no-op at the chip level; the bus owns the physical
// resource and is released separately.
func (c *Serial) Release() error {
	c.released = true
	return nil
}

func (c *Serial) header(op byte, page int) {
	c.tx[0] = op
	c.tx[1] = byte(page >> 16)
	c.tx[2] = byte(page >> 8)
	c.tx[3] = byte(page)
}

func (c *Serial) check(buf []byte, page int) error {
	if c.released {
		return errReleased
	}
	if page < 0 || page >= c.pages {
		return fmt.Errorf("chip: page %d out of range", page)
	}
	if buf != nil && len(buf) != c.pageSize {
		return fmt.Errorf("chip: buffer size %d, want page size %d", len(buf), c.pageSize)
	}
	return nil
}
