// Package adc provides raw analog-to-digital readers for the level
// sensor. Each backend returns the unconverted integer count of one
// conversion on a channel; averaging and scaling happen upstream.
package adc

import (
	"fmt"
	"io"
	"time"

	"github.com/nugget/brunnen/internal/config"
)

// Reader performs one conversion on pin and returns the raw count.
type Reader interface {
	ReadRaw(pin int) (uint16, error)
}

// ReadCloser is a Reader that holds a device handle.
type ReadCloser interface {
	Reader
	io.Closer
}

// Open returns the backend selected by cfg.Backend.
func Open(cfg config.SensorConfig) (ReadCloser, error) {
	switch cfg.Backend {
	case config.BackendSysfs:
		return NewSysfs(cfg.Sysfs.Device), nil
	case config.BackendModbus:
		return NewModbus(cfg.Modbus)
	case config.BackendSerial:
		return OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate, time.Duration(cfg.Serial.TimeoutSec)*time.Second)
	case config.BackendSim:
		return NewSim(cfg.Sim.Values...), nil
	default:
		return nil, fmt.Errorf("unknown adc backend %q", cfg.Backend)
	}
}
