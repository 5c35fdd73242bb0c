package adc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial talks to a microcontroller that performs the conversion and
// answers over a line protocol: the host sends "R<pin>\n", the MCU
// replies with the decimal count followed by a newline.
type Serial struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
	r    *bufio.Reader
}

// OpenSerial opens the port at baud and applies a read timeout so a
// silent MCU cannot stall a cycle.
func OpenSerial(name string, baud int, timeout time.Duration) (*Serial, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if timeout > 0 {
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
		}
	}
	return newSerial(port), nil
}

func newSerial(port io.ReadWriteCloser) *Serial {
	return &Serial{port: port, r: bufio.NewReader(port)}
}

// ReadRaw requests one conversion and parses the reply.
func (s *Serial) ReadRaw(pin int) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.port, "R%d\n", pin); err != nil {
		return 0, fmt.Errorf("serial adc: send request: %w", err)
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("serial adc: read reply: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(line), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("serial adc: parse reply %q: %w", strings.TrimSpace(line), err)
	}
	return uint16(v), nil
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}
