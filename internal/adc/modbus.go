package adc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/nugget/brunnen/internal/config"
)

// inputRegisterReader is the subset of [modbus.Client] the backend
// needs.
type inputRegisterReader interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// Modbus reads raw counts from a 4-20 mA analog input module. The pin
// is the input register address holding the channel's count.
type Modbus struct {
	mu      sync.Mutex
	handler io.Closer
	client  inputRegisterReader
}

// NewModbus connects to a Modbus TCP (tcp://host:port) or RTU
// (rtu:///dev/ttyUSB0) endpoint.
func NewModbus(cfg config.ModbusConfig) (*Modbus, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus adc: endpoint required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("modbus adc: parse endpoint: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch u.Scheme {
	case "tcp":
		h := modbus.NewTCPClientHandler(u.Host)
		h.Timeout = timeout
		h.SlaveId = cfg.UnitID
		if err := h.Connect(); err != nil {
			return nil, fmt.Errorf("modbus adc: connect %s: %w", u.Host, err)
		}
		return &Modbus{handler: h, client: modbus.NewClient(h)}, nil
	case "rtu":
		h := modbus.NewRTUClientHandler(u.Path)
		h.BaudRate = cfg.BaudRate
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = timeout
		h.SlaveId = cfg.UnitID
		if err := h.Connect(); err != nil {
			return nil, fmt.Errorf("modbus adc: open %s: %w", u.Path, err)
		}
		return &Modbus{handler: h, client: modbus.NewClient(h)}, nil
	default:
		return nil, fmt.Errorf("modbus adc: unsupported scheme %q (expected tcp or rtu)", u.Scheme)
	}
}

// ReadRaw reads one input register at address pin.
func (m *Modbus) ReadRaw(pin int) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.client.ReadInputRegisters(uint16(pin), 1)
	if err != nil {
		return 0, fmt.Errorf("modbus adc: read input register %d: %w", pin, err)
	}
	if len(b) < 2 {
		return 0, fmt.Errorf("modbus adc: short response for register %d (%d bytes)", pin, len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// Close releases the TCP connection or serial port.
func (m *Modbus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil {
		return nil
	}
	return m.handler.Close()
}
