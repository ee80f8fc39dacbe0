// Package profile loads the machine profile the boot shim builds the
// emulated hardware from: installed memory, timer rate, serial and log
// settings. Profiles are TOML files validated after decoding; a missing
// file yields the defaults.
package profile

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Profile describes the machine and harness configuration.
type Profile struct {
	// MemoryMB is the installed RAM. The classic teaching setup is
	// 128 MiB: 640 KiB low plus the rest above 1 MiB.
	MemoryMB int `toml:"memory_mb"`

	// TimerHz is the PIT rate the kernel programs.
	TimerHz int `toml:"timer_hz"`

	// BootLoaderName is what the Multiboot info reports.
	BootLoaderName string `toml:"boot_loader_name"`

	// SerialCapture mirrors console output onto stdout when the
	// machine finishes.
	SerialCapture bool `toml:"serial_capture"`

	// LogDir and LogLevel configure the diagnostic log.
	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"`
}

// Default returns the stock 128 MiB / 100 Hz machine.
func Default() *Profile {
	return &Profile{
		MemoryMB:       128,
		TimerHz:        100,
		BootLoaderName: "richelieu-boot",
		SerialCapture:  true,
		LogDir:         "logs",
		LogLevel:       "INFO",
	}
}

// Validate applies the per-field range and presence checks.
func (p *Profile) Validate() error {
	if p.MemoryMB < 4 || p.MemoryMB > 4096 {
		return fmt.Errorf("memory_mb %d out of range 4-4096", p.MemoryMB)
	}
	if p.TimerHz < 10 || p.TimerHz > 1000 {
		return fmt.Errorf("timer_hz %d out of range 10-1000", p.TimerHz)
	}
	if p.BootLoaderName == "" {
		return fmt.Errorf("boot_loader_name must not be empty")
	}
	switch p.LogLevel {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("log_level %q not recognized", p.LogLevel)
	}
	return nil
}

// Load reads and validates a TOML profile. An empty path or a missing
// file falls back to the defaults.
func Load(path string) (*Profile, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// MemoryBytes returns the installed RAM in bytes.
func (p *Profile) MemoryBytes() uint32 {
	return uint32(p.MemoryMB) << 20
}
