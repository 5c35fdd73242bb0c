// Package level converts averaged raw ADC readings of a 4-20 mA
// hydrostatic sensor into a water level in metres.
//
// The chain is raw count → voltage across the measurement resistor →
// loop current → level. Currents outside the tolerant 4-20 mA band are
// reported as [OutOfRange] rather than as an error; the publish layer
// decides how to represent them.
package level

import (
	"context"
	"log/slog"

	"github.com/nugget/brunnen/internal/config"
	"github.com/nugget/brunnen/internal/telemetry"
)

// Status tags a Measurement as usable or rejected.
type Status int

const (
	// Valid means the loop current was inside the tolerant band.
	Valid Status = iota
	// OutOfRange means the current was outside the band; Level is 0.
	OutOfRange
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case OutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

// Calibration describes the sensor loop. It is fixed for the process
// lifetime.
type Calibration struct {
	ReferenceVoltage float64 // ADC reference, volts
	MaxRawValue      int     // full-scale ADC count
	ResistorOhms     float64 // measurement resistor
	CurrentSpan      float64 // amps between 0% and 100% output
	CurrentOffset    float64 // amps at 0% level
	MaxLevel         float64 // metres at full-scale current
	MinCurrent       float64 // nominal low end of the loop, amps
	MaxCurrent       float64 // nominal high end of the loop, amps
	Tolerance        float64 // fractional slack on both band edges
}

// FromConfig maps the YAML calibration section.
func FromConfig(c config.CalibrationConfig) Calibration {
	return Calibration{
		ReferenceVoltage: c.ReferenceVoltage,
		MaxRawValue:      c.MaxRawValue,
		ResistorOhms:     c.ResistorOhms,
		CurrentSpan:      c.CurrentSpan,
		CurrentOffset:    c.CurrentOffset,
		MaxLevel:         c.MaxLevel,
		MinCurrent:       c.MinCurrent,
		MaxCurrent:       c.MaxCurrent,
		Tolerance:        c.Tolerance,
	}
}

// Band returns the inclusive accepted current range.
func (c Calibration) Band() (lo, hi float64) {
	return c.MinCurrent * (1 - c.Tolerance), c.MaxCurrent * (1 + c.Tolerance)
}

// InBand reports whether current lies within [Band].
func (c Calibration) InBand(current float64) bool {
	lo, hi := c.Band()
	return current >= lo && current <= hi
}

// Measurement is the derived result of one raw reading.
type Measurement struct {
	Raw     int
	Voltage float64
	Current float64
	Level   float64
	Status  Status
}

// Valid reports whether the reading passed the range check.
func (m Measurement) Valid() bool {
	return m.Status == Valid
}

// PublishedLevel is the level as it appears on the water level topic:
// rejected readings read as 0.
func (m Measurement) PublishedLevel() float64 {
	if m.Status != Valid {
		return 0
	}
	return m.Level
}

// Measure converts raw with no side effects. A valid level is clamped
// into [0, MaxLevel] so a current between the band edge and the
// configured offset cannot yield a negative depth.
func (c Calibration) Measure(raw int) Measurement {
	m := Measurement{Raw: raw}
	m.Voltage = float64(raw) / float64(c.MaxRawValue) * c.ReferenceVoltage
	m.Current = m.Voltage / c.ResistorOhms

	if !c.InBand(m.Current) {
		m.Status = OutOfRange
		return m
	}

	lvl := (m.Current - c.CurrentOffset) / c.CurrentSpan * c.MaxLevel
	switch {
	case lvl < 0:
		lvl = 0
	case lvl > c.MaxLevel:
		lvl = c.MaxLevel
	}
	m.Level = lvl
	m.Status = Valid
	return m
}

// Converter wraps a Calibration and publishes the intermediate voltage
// and current of every conversion.
type Converter struct {
	cal     Calibration
	sink    telemetry.Sink
	voltage string
	current string
	logger  *slog.Logger
}

// NewConverter creates a Converter publishing intermediates to the
// voltage and current topics of topics.
func NewConverter(cal Calibration, sink telemetry.Sink, topics telemetry.Topics, logger *slog.Logger) *Converter {
	if sink == nil {
		sink = telemetry.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		cal:     cal,
		sink:    sink,
		voltage: topics.Voltage,
		current: topics.Current,
		logger:  logger,
	}
}

// Calibration returns the converter's calibration.
func (c *Converter) Calibration() Calibration {
	return c.cal
}

// Convert measures raw and publishes voltage and current regardless of
// the range check outcome.
func (c *Converter) Convert(ctx context.Context, raw int) Measurement {
	m := c.cal.Measure(raw)

	c.publish(ctx, c.voltage, telemetry.FormatFloat(m.Voltage))
	c.publish(ctx, c.current, telemetry.FormatFloat(m.Current))

	if m.Status == OutOfRange {
		lo, hi := c.cal.Band()
		c.logger.Warn("sensor current out of range",
			"raw", raw, "current_a", m.Current, "band_lo_a", lo, "band_hi_a", hi)
	} else {
		c.logger.Debug("level converted",
			"raw", raw, "voltage_v", m.Voltage, "current_a", m.Current, "level_m", m.Level)
	}
	return m
}

func (c *Converter) publish(ctx context.Context, topic, payload string) {
	if err := c.sink.Publish(ctx, topic, payload); err != nil {
		c.logger.Debug("diagnostic publish failed", "topic", topic, "error", err)
	}
}
