package adc

import "sync"

// Sim replays a fixed list of counts cyclically, independent of the
// pin. It backs bench runs and the measure command without hardware.
type Sim struct {
	mu     sync.Mutex
	values []uint16
	next   int
}

// NewSim returns a simulator. With no values it always reads 0.
func NewSim(values ...uint16) *Sim {
	return &Sim{values: values}
}

// ReadRaw returns the next scripted value.
func (s *Sim) ReadRaw(int) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0, nil
	}
	v := s.values[s.next%len(s.values)]
	s.next++
	return v, nil
}

// Close is a no-op.
func (s *Sim) Close() error { return nil }
