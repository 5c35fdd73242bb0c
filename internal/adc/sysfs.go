package adc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sysfs reads the Linux industrial I/O raw channel files
// (in_voltage<N>_raw) below an IIO device directory.
type Sysfs struct {
	dir string
}

// NewSysfs returns a reader for the IIO device directory dir.
func NewSysfs(dir string) *Sysfs {
	return &Sysfs{dir: dir}
}

// ReadRaw reads in_voltage<pin>_raw. Every read triggers a fresh
// conversion in the kernel driver.
func (s *Sysfs) ReadRaw(pin int) (uint16, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("in_voltage%d_raw", pin))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint16(v), nil
}

// Close is a no-op; files are opened per read.
func (s *Sysfs) Close() error { return nil }
