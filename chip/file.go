package chip

import (
	"fmt"
	"os"
)

// File is a file-backed page chip for host tooling. A fresh image is
// created erased (all 0xFF); an existing image must match the requested
// geometry.
type File struct {
	f        *os.File
	pageSize int
	pages    int
	scratch  []byte
	released bool
}

// OpenFile opens or creates the image at path with the given geometry.
func OpenFile(path string, pageSize, pages int) (*File, error) {
	if pageSize <= 0 || pages <= 0 {
		return nil, fmt.Errorf("chip: invalid geometry page_size=%d pages=%d", pageSize, pages)
	}
	total := int64(pageSize) * int64(pages)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chip: open image %q: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("chip: stat image %q: %w", path, err)
	}

	c := &File{
		f:        f,
		pageSize: pageSize,
		pages:    pages,
		scratch:  make([]byte, pageSize),
	}
	for i := range c.scratch {
		c.scratch[i] = 0xFF
	}

	switch st.Size() {
	case 0:
		if err := f.Truncate(total); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("chip: truncate image %q to %d: %w", path, total, err)
		}
		for page := 0; page < pages; page++ {
			if err := c.ErasePage(page); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
	case total:
		// Existing image with matching geometry.
	default:
		_ = f.Close()
		return nil, fmt.Errorf("chip: image %q is %d bytes, want %d", path, st.Size(), total)
	}

	return c, nil
}

func (c *File) PageSize() int { return c.pageSize }
func (c *File) Pages() int    { return c.pages }

func (c *File) ReadPage(buf []byte, page int) error {
	if err := c.check(buf, page); err != nil {
		return err
	}
	if _, err := c.f.ReadAt(buf, int64(page)*int64(c.pageSize)); err != nil {
		return fmt.Errorf("chip: read page %d: %w", page, err)
	}
	return nil
}

func (c *File) WritePage(buf []byte, page int) error {
	if err := c.check(buf, page); err != nil {
		return err
	}
	if _, err := c.f.WriteAt(buf, int64(page)*int64(c.pageSize)); err != nil {
		return fmt.Errorf("chip: write page %d: %w", page, err)
	}
	return nil
}

func (c *File) ErasePage(page int) error {
	if err := c.check(nil, page); err != nil {
		return err
	}
	if _, err := c.f.WriteAt(c.scratch, int64(page)*int64(c.pageSize)); err != nil {
		return fmt.Errorf("chip: erase page %d: %w", page, err)
	}
	return nil
}

// Release closes the image file. Idempotent.
func (c *File) Release() error {
	if c.released {
		return nil
	}
	c.released = true
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("chip: close image: %w", err)
	}
	return nil
}

func (c *File) check(buf []byte, page int) error {
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
