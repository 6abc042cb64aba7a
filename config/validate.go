package config

import (
	"fmt"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	d := cfg.Device
	if d.PageSize <= 0 {
		return fmt.Errorf("config: device.page_size must be positive, got %d", d.PageSize)
	}
	if d.PageSize&(d.PageSize-1) != 0 {
		return fmt.Errorf("config: device.page_size must be a power of two, got %d", d.PageSize)
	}
	if d.Pages <= 0 {
		return fmt.Errorf("config: device.pages must be positive, got %d", d.Pages)
	}
	if d.Pages > 1<<24 {
		return fmt.Errorf("config: device.pages must fit a 24-bit page address, got %d", d.Pages)
	}

	b := cfg.Bus
	if b.FrequencyHz <= 0 {
		return fmt.Errorf("config: bus.frequency_hz must be positive, got %d", b.FrequencyHz)
	}
	if b.Mode < 0 || b.Mode > 3 {
		return fmt.Errorf("config: bus.mode must be 0..3, got %d", b.Mode)
	}
	switch b.Bits {
	case 8, 16, 32:
	default:
		return fmt.Errorf("config: bus.bits must be 8, 16 or 32, got %d", b.Bits)
	}
	if b.QueueDepth < 1 || b.QueueDepth > 64 {
		return fmt.Errorf("config: bus.queue_depth must be 1..64, got %d", b.QueueDepth)
	}

	return nil
}
