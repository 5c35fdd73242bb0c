// Package telemetry defines the publish sink shared by the sampler,
// the level converter and the cycle, together with the fixed topic
// layout and payload formatting.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Sink emits a topic/payload pair. The MQTT client is the production
// implementation. Callers log and otherwise ignore the returned error.
type Sink interface {
	Publish(ctx context.Context, topic, payload string) error
}

// Topic suffixes below the configured prefix.
const (
	SuffixWaterLevel   = "waterlevel"
	SuffixRawLevel     = "rawLevel"
	SuffixVoltage      = "vMeasurement"
	SuffixCurrent      = "iMeasurement"
	SuffixSingleSample = "singeAnalogReading" // spelling is part of the deployed topic contract
	SuffixAvailability = "availability"
)

// Topics is the resolved topic set for one device.
type Topics struct {
	WaterLevel   string
	RawLevel     string
	Voltage      string
	Current      string
	SingleSample string
	Availability string
}

// NewTopics joins prefix and the fixed suffixes with "/".
func NewTopics(prefix string) Topics {
	join := func(s string) string { return prefix + "/" + s }
	return Topics{
		WaterLevel:   join(SuffixWaterLevel),
		RawLevel:     join(SuffixRawLevel),
		Voltage:      join(SuffixVoltage),
		Current:      join(SuffixCurrent),
		SingleSample: join(SuffixSingleSample),
		Availability: join(SuffixAvailability),
	}
}

// FormatFloat renders a measurement in the shortest decimal form that
// round-trips, without exponent notation.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatInt renders a raw ADC value in base 10.
func FormatInt(v int) string {
	return strconv.Itoa(v)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, string) error { return nil }

// WriterSink prints "topic payload" lines to w. The measure command
// uses it to show a cycle's output without a broker.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink that writes to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Publish writes one line.
func (s *WriterSink) Publish(_ context.Context, topic, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s %s\n", topic, payload)
	return err
}
