package level

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/brunnen/internal/config"
	"github.com/nugget/brunnen/internal/telemetry"
)

// fieldCalibration is the calibration of the deployed well sensor.
func fieldCalibration() Calibration {
	return FromConfig(config.Default().Calibration)
}

// linearCalibration maps raw counts to 10 µA each with a nominal 4 mA
// live zero, which keeps the expected levels easy to compute.
func linearCalibration() Calibration {
	return Calibration{
		ReferenceVoltage: 1,
		MaxRawValue:      1000,
		ResistorOhms:     100,
		CurrentSpan:      0.016,
		CurrentOffset:    0.004,
		MaxLevel:         20,
		MinCurrent:       0.004,
		MaxCurrent:       0.020,
		Tolerance:        0.05,
	}
}

type recordingSink struct {
	topics   []string
	payloads []string
}

func (r *recordingSink) Publish(_ context.Context, topic, payload string) error {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestMeasure_HalfScaleEndToEnd(t *testing.T) {
	m := fieldCalibration().Measure(2048)

	assert.InDelta(t, 1.6504, m.Voltage, 0.0001)
	assert.InDelta(t, 0.0111816, m.Current, 0.0000005)
	require.Equal(t, Valid, m.Status)
	// (0.0111816 - 0.0108) / 0.016 * 20
	assert.InDelta(t, 0.477, m.Level, 0.001)
	assert.Equal(t, m.Level, m.PublishedLevel())
}

func TestMeasure_LinearMap(t *testing.T) {
	cal := linearCalibration()
	tests := []struct {
		raw  int
		want float64
	}{
		{400, 0},
		{800, 5},
		{1200, 10},
		{2000, 20},
	}
	for _, tt := range tests {
		m := cal.Measure(tt.raw)
		require.True(t, m.Valid(), "raw %d should be valid (current %g)", tt.raw, m.Current)
		assert.InDelta(t, tt.want, m.Level, 1e-9, "raw %d", tt.raw)
	}
}

func TestMeasure_OutOfRange(t *testing.T) {
	tests := []struct {
		name string
		raw  int
	}{
		{"open loop", 0},
		{"just below band", 695},
		{"just above band", 3848},
		{"full scale", 4095},
	}
	cal := fieldCalibration()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := cal.Measure(tt.raw)
			assert.Equal(t, OutOfRange, m.Status)
			assert.Zero(t, m.Level)
			assert.Zero(t, m.PublishedLevel())
			assert.InDelta(t, float64(tt.raw)/4095*3.3, m.Voltage, 1e-9, "voltage still computed")
		})
	}
}

func TestMeasure_InsideBandEdges(t *testing.T) {
	cal := fieldCalibration()

	lowEdge := cal.Measure(698)
	assert.Equal(t, Valid, lowEdge.Status)
	assert.Zero(t, lowEdge.Level, "current below the offset clamps to 0")

	highEdge := cal.Measure(3845)
	assert.Equal(t, Valid, highEdge.Status)
	assert.InDelta(t, 12.74, highEdge.Level, 0.01)
}

func TestInBand_Boundaries(t *testing.T) {
	cal := fieldCalibration()
	lo, hi := cal.Band()

	assert.InDelta(t, 0.0038, lo, 1e-12)
	assert.InDelta(t, 0.021, hi, 1e-12)

	assert.True(t, cal.InBand(lo))
	assert.True(t, cal.InBand(hi))
	assert.False(t, cal.InBand(lo*0.999))
	assert.False(t, cal.InBand(hi*1.001))
}

func TestMeasure_RangeProperty(t *testing.T) {
	cal := fieldCalibration()
	for raw := 0; raw <= cal.MaxRawValue; raw++ {
		m := cal.Measure(raw)
		if cal.InBand(m.Current) {
			require.Equal(t, Valid, m.Status, "raw %d", raw)
			require.GreaterOrEqual(t, m.Level, 0.0, "raw %d", raw)
			require.LessOrEqual(t, m.Level, cal.MaxLevel, "raw %d", raw)
		} else {
			require.Equal(t, OutOfRange, m.Status, "raw %d", raw)
			require.Zero(t, m.PublishedLevel(), "raw %d", raw)
		}
	}
}

func TestMeasure_ClampsAtMaxLevel(t *testing.T) {
	cal := linearCalibration()
	cal.CurrentSpan = 0.008

	m := cal.Measure(2000)
	require.True(t, m.Valid())
	assert.Equal(t, cal.MaxLevel, m.Level)
}

func TestConvert_PublishesDiagnostics(t *testing.T) {
	sink := &recordingSink{}
	topics := telemetry.NewTopics("/heizung/brunnen")
	c := NewConverter(linearCalibration(), sink, topics, nil)

	m := c.Convert(context.Background(), 1200)

	assert.InDelta(t, 10, m.Level, 1e-9)
	assert.Equal(t, []string{topics.Voltage, topics.Current}, sink.topics)
	assert.Equal(t, []string{telemetry.FormatFloat(m.Voltage), telemetry.FormatFloat(m.Current)}, sink.payloads)
}

func TestConvert_PublishesDiagnosticsWhenOutOfRange(t *testing.T) {
	sink := &recordingSink{}
	c := NewConverter(fieldCalibration(), sink, telemetry.NewTopics("/p"), nil)

	m := c.Convert(context.Background(), 0)

	assert.Equal(t, OutOfRange, m.Status)
	assert.Equal(t, []string{"/p/vMeasurement", "/p/iMeasurement"}, sink.topics)
	assert.Equal(t, []string{"0", "0"}, sink.payloads)
}

func TestConvert_Deterministic(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	cal := fieldCalibration()
	topics := telemetry.NewTopics("/p")

	a := NewConverter(cal, first, topics, nil).Convert(context.Background(), 2048)
	b := NewConverter(cal, second, topics, nil).Convert(context.Background(), 2048)

	assert.Equal(t, a, b)
	assert.Equal(t, first.payloads, second.payloads)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "valid", Valid.String())
	assert.Equal(t, "out_of_range", OutOfRange.String())
	assert.Equal(t, "unknown", Status(9).String())
}
