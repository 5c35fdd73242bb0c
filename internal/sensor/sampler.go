// Package sensor implements the analog sampler: it averages a burst of
// raw ADC reads into a single integer reading.
package sensor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/brunnen/internal/adc"
	"github.com/nugget/brunnen/internal/config"
	"github.com/nugget/brunnen/internal/telemetry"
)

// Sampler reads a pin repeatedly and reduces the reads to their
// truncated arithmetic mean.
type Sampler struct {
	reader adc.Reader
	sink   telemetry.Sink
	topic  string
	logger *slog.Logger

	mu        sync.Mutex
	lastKnown map[int]uint16
}

// NewSampler creates a Sampler. The first raw read of every burst is
// published to singleTopic on sink.
func NewSampler(reader adc.Reader, sink telemetry.Sink, singleTopic string, logger *slog.Logger) *Sampler {
	if sink == nil {
		sink = telemetry.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		reader:    reader,
		sink:      sink,
		topic:     singleTopic,
		logger:    logger,
		lastKnown: make(map[int]uint16),
	}
}

// Sample performs count reads of pin and returns sum/count with
// integer truncation. It never fails: a read error substitutes the last
// value successfully read from that pin (0 before the first success).
// A count below 1 is treated as 1.
func (s *Sampler) Sample(ctx context.Context, pin, count int) int {
	if count < 1 {
		count = 1
	}

	var sum uint64
	for i := 0; i < count; i++ {
		v := s.read(ctx, pin)
		if i == 0 {
			s.publishProbe(ctx, v)
		}
		sum += uint64(v)
	}

	avg := int(sum / uint64(count))
	s.logger.Debug("sensor burst sampled", "pin", pin, "count", count, "average", avg)
	return avg
}

func (s *Sampler) read(ctx context.Context, pin int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.reader.ReadRaw(pin)
	if err != nil {
		last := s.lastKnown[pin]
		s.logger.Warn("adc read failed, using last known value",
			"pin", pin, "last_known", last, "error", err)
		return last
	}
	s.lastKnown[pin] = v
	s.logger.Log(ctx, config.LevelTrace, "adc read", "pin", pin, "raw", v)
	return v
}

func (s *Sampler) publishProbe(ctx context.Context, v uint16) {
	if err := s.sink.Publish(ctx, s.topic, telemetry.FormatInt(int(v))); err != nil {
		s.logger.Debug("single sample publish failed", "topic", s.topic, "error", err)
	}
}
