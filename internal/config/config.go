// Package config handles brunnen configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/brunnen/config.yaml, /etc/brunnen/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "brunnen", "config.yaml"))
	}

	paths = append(paths, "/etc/brunnen/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all brunnen configuration.
type Config struct {
	Sensor      SensorConfig      `yaml:"sensor"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Network     NetworkConfig     `yaml:"network"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // "text" (default) or "json"
}

// ADC backend names accepted in sensor.backend.
const (
	BackendSysfs  = "sysfs"
	BackendModbus = "modbus"
	BackendSerial = "serial"
	BackendSim    = "sim"
)

// SensorConfig selects the ADC backend and the sampling geometry.
type SensorConfig struct {
	// Backend is one of sysfs, modbus, serial or sim.
	Backend string `yaml:"backend"`
	// Pin is the ADC channel. For sysfs it is the IIO channel index,
	// for modbus the input register address, for serial the channel
	// number sent to the MCU.
	Pin int `yaml:"pin"`
	// Samples is the number of raw reads averaged per cycle (default 10).
	Samples int `yaml:"samples"`

	Sysfs  SysfsConfig  `yaml:"sysfs"`
	Modbus ModbusConfig `yaml:"modbus"`
	Serial SerialConfig `yaml:"serial"`
	Sim    SimConfig    `yaml:"sim"`
}

// SysfsConfig configures the Linux IIO sysfs backend.
type SysfsConfig struct {
	// Device is the IIO device directory
	// (default /sys/bus/iio/devices/iio:device0).
	Device string `yaml:"device"`
}

// ModbusConfig configures a Modbus analog input module.
type ModbusConfig struct {
	// Endpoint is tcp://host:port or rtu:///dev/ttyUSB0.
	Endpoint   string `yaml:"endpoint"`
	UnitID     uint8  `yaml:"unit_id"`
	BaudRate   int    `yaml:"baud_rate"` // RTU only (default 9600)
	TimeoutSec int    `yaml:"timeout_sec"`
}

// SerialConfig configures a serial-attached MCU that answers raw ADC
// counts over a line protocol.
type SerialConfig struct {
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate"` // default 115200
	TimeoutSec int    `yaml:"timeout_sec"`
}

// SimConfig scripts the values returned by the sim backend. The list
// is replayed cyclically.
type SimConfig struct {
	Values []uint16 `yaml:"values"`
}

// CalibrationConfig holds the sensor calibration. Keys missing from the
// file keep the values of [DefaultCalibration]; an explicit zero is kept
// as written.
type CalibrationConfig struct {
	ReferenceVoltage float64 `yaml:"reference_voltage"`
	MaxRawValue      int     `yaml:"max_raw_value"`
	ResistorOhms     float64 `yaml:"resistor_ohms"`
	CurrentSpan      float64 `yaml:"current_span"`
	CurrentOffset    float64 `yaml:"current_offset"`
	MaxLevel         float64 `yaml:"max_level"`
	MinCurrent       float64 `yaml:"min_current"`
	MaxCurrent       float64 `yaml:"max_current"`
	Tolerance        float64 `yaml:"tolerance"`
}

// ScheduleConfig controls the measurement cadence.
type ScheduleConfig struct {
	// IntervalMS is the minimum time between cycles (default 30000).
	IntervalMS int `yaml:"interval_ms"`
	// PollIntervalMS is how often the cooperative loop evaluates a
	// tick (default 100).
	PollIntervalMS int `yaml:"poll_interval_ms"`
	// DriftCorrection resets the last-cycle time to the previous
	// deadline instead of the firing time.
	DriftCorrection bool `yaml:"drift_correction"`
}

// Out-of-range publish policies accepted in mqtt.out_of_range.
const (
	OutOfRangeZero = "zero"
	OutOfRangeSkip = "skip"
)

// MQTTConfig defines the broker connection and publishing behavior.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`    // mqtt://host:1883, mqtts://host:8883 or ws://host:9001/mqtt
	ClientID string `yaml:"client_id"` // default: brunnen-<instance id prefix>
	// TopicPrefix is prepended to every topic (default /heizung/brunnen).
	TopicPrefix string `yaml:"topic_prefix"`
	// DiscoveryPrefix enables Home Assistant MQTT discovery when set
	// (typically "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
	KeepAliveSec    int    `yaml:"keep_alive_sec"`     // default 15
	ConnectTimeout  int    `yaml:"connect_timeout_sec"` // per attempt, default 10
	RetryDelaySec   int    `yaml:"retry_delay_sec"`    // default 30
	// MaxRetries bounds the reconnect loop. 0 retries forever.
	MaxRetries int  `yaml:"max_retries"`
	Retain     bool `yaml:"retain"`
	// OutOfRange is "zero" (publish 0, default) or "skip".
	OutOfRange string `yaml:"out_of_range"`
}

// Configured reports whether a broker URL has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// RetryDelay returns the fixed backoff between connect attempts.
func (c MQTTConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

// ConnectTimeoutDuration returns the per-attempt connect timeout.
func (c MQTTConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// NetworkConfig names the interface that must be up before the
// broker is dialed. Empty disables the check.
type NetworkConfig struct {
	Interface string `yaml:"interface"`
}

// CredentialsConfig locates the credential store.
type CredentialsConfig struct {
	// Path is the SQLite database (default <data_dir>/credentials.db).
	Path string `yaml:"path"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	// Listen is the bind address for /metrics (e.g. ":9120"). Empty
	// disables the listener; collectors are still updated.
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{Calibration: DefaultCalibration()}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration using the sim backend.
func Default() *Config {
	cfg := &Config{
		Sensor:      SensorConfig{Backend: BackendSim},
		Calibration: DefaultCalibration(),
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultCalibration returns the calibration of the original field
// installation: a 147.6 ohm shunt read by a 12-bit ADC at 3.3 V, and a
// 20 m sensor span.
func DefaultCalibration() CalibrationConfig {
	return CalibrationConfig{
		ReferenceVoltage: 3.3,
		MaxRawValue:      4095,
		ResistorOhms:     147.6,
		CurrentSpan:      0.016,
		CurrentOffset:    0.0108,
		MaxLevel:         20,
		MinCurrent:       0.004,
		MaxCurrent:       0.020,
		Tolerance:        0.05,
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Sensor.Backend == "" {
		c.Sensor.Backend = BackendSysfs
	}
	if c.Sensor.Samples == 0 {
		c.Sensor.Samples = 10
	}
	if c.Sensor.Sysfs.Device == "" {
		c.Sensor.Sysfs.Device = "/sys/bus/iio/devices/iio:device0"
	}
	if c.Sensor.Modbus.UnitID == 0 {
		c.Sensor.Modbus.UnitID = 1
	}
	if c.Sensor.Modbus.BaudRate == 0 {
		c.Sensor.Modbus.BaudRate = 9600
	}
	if c.Sensor.Modbus.TimeoutSec == 0 {
		c.Sensor.Modbus.TimeoutSec = 2
	}
	if c.Sensor.Serial.BaudRate == 0 {
		c.Sensor.Serial.BaudRate = 115200
	}
	if c.Sensor.Serial.TimeoutSec == 0 {
		c.Sensor.Serial.TimeoutSec = 2
	}
	if len(c.Sensor.Sim.Values) == 0 {
		c.Sensor.Sim.Values = []uint16{2048}
	}

	if c.Schedule.IntervalMS == 0 {
		c.Schedule.IntervalMS = 30000
	}
	if c.Schedule.PollIntervalMS == 0 {
		c.Schedule.PollIntervalMS = 100
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "/heizung/brunnen"
	}
	c.MQTT.TopicPrefix = strings.TrimSuffix(c.MQTT.TopicPrefix, "/")
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "brunnen"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 15
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10
	}
	if c.MQTT.RetryDelaySec == 0 {
		c.MQTT.RetryDelaySec = 30
	}
	if c.MQTT.OutOfRange == "" {
		c.MQTT.OutOfRange = OutOfRangeZero
	}

	if c.Credentials.Path == "" {
		c.Credentials.Path = filepath.Join(c.DataDir, "credentials.db")
	}
}

// Validate checks the configuration for values that would make the
// monitor misbehave at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat))
	}

	switch c.Sensor.Backend {
	case BackendSysfs, BackendSim:
	case BackendModbus:
		if c.Sensor.Modbus.Endpoint == "" {
			errs = append(errs, errors.New("sensor.modbus.endpoint is required for the modbus backend"))
		}
		if c.Sensor.Pin > 0xFFFF {
			errs = append(errs, fmt.Errorf("sensor.pin %d is not a valid register address", c.Sensor.Pin))
		}
	case BackendSerial:
		if c.Sensor.Serial.Port == "" {
			errs = append(errs, errors.New("sensor.serial.port is required for the serial backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("sensor.backend %q unknown (valid: sysfs, modbus, serial, sim)", c.Sensor.Backend))
	}
	if c.Sensor.Pin < 0 {
		errs = append(errs, fmt.Errorf("sensor.pin must not be negative, got %d", c.Sensor.Pin))
	}
	if c.Sensor.Samples < 1 {
		errs = append(errs, fmt.Errorf("sensor.samples must be at least 1, got %d", c.Sensor.Samples))
	}

	cal := c.Calibration
	if cal.ReferenceVoltage <= 0 {
		errs = append(errs, errors.New("calibration.reference_voltage must be positive"))
	}
	if cal.MaxRawValue <= 0 {
		errs = append(errs, errors.New("calibration.max_raw_value must be positive"))
	}
	if cal.ResistorOhms <= 0 {
		errs = append(errs, errors.New("calibration.resistor_ohms must be positive"))
	}
	if cal.CurrentSpan <= 0 {
		errs = append(errs, errors.New("calibration.current_span must be positive"))
	}
	if cal.MaxLevel <= 0 {
		errs = append(errs, errors.New("calibration.max_level must be positive"))
	}
	if cal.MinCurrent >= cal.MaxCurrent {
		errs = append(errs, fmt.Errorf("calibration.min_current (%g) must be below max_current (%g)", cal.MinCurrent, cal.MaxCurrent))
	}
	if cal.Tolerance < 0 || cal.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("calibration.tolerance %g out of range [0, 1)", cal.Tolerance))
	}

	if c.Schedule.IntervalMS < 0 {
		errs = append(errs, errors.New("schedule.interval_ms must not be negative"))
	}
	if c.Schedule.PollIntervalMS <= 0 {
		errs = append(errs, errors.New("schedule.poll_interval_ms must be positive"))
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		} else {
			switch u.Scheme {
			case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker scheme %q unsupported (valid: mqtt, tcp, mqtts, ssl, tls, ws, wss)", u.Scheme))
			}
		}
	}
	if c.MQTT.MaxRetries < 0 {
		errs = append(errs, errors.New("mqtt.max_retries must not be negative"))
	}
	if c.MQTT.RetryDelaySec < 0 || c.MQTT.ConnectTimeout < 0 {
		errs = append(errs, errors.New("mqtt.retry_delay_sec and mqtt.connect_timeout_sec must not be negative"))
	}
	if c.MQTT.OutOfRange != OutOfRangeZero && c.MQTT.OutOfRange != OutOfRangeSkip {
		errs = append(errs, fmt.Errorf("mqtt.out_of_range %q invalid (expected zero or skip)", c.MQTT.OutOfRange))
	}

	return errors.Join(errs...)
}

// Interval returns the measurement interval.
func (s ScheduleConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// PollInterval returns the tick evaluation period.
func (s ScheduleConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}
