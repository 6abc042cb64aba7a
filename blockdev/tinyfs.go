package blockdev

import (
	"tinygo.org/x/tinyfs"
)

// Device doubles as a tinyfs block device so littlefs or fatfs can
// mount directly on it.
var _ tinyfs.BlockDevice = (*Device)(nil)

// ReadAt implements tinyfs.BlockDevice.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.Read(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements tinyfs.BlockDevice.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if err := d.Program(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteBlockSize implements tinyfs.BlockDevice; same as
// ProgramBlockSize.
func (d *Device) WriteBlockSize() int64 { return int64(d.pageSize) }

// EraseBlocks implements tinyfs.BlockDevice, erasing len whole pages
// starting at page start.
func (d *Device) EraseBlocks(start, len int64) error {
	ps := int64(d.pageSize)
	return d.Erase(start*ps, len*ps)
}
