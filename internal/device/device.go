// Package device assembles the water level monitor: it owns the ADC
// backend, the credential store, the broker client and the measurement
// pipeline, and runs the cycle loop.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/brunnen/internal/adc"
	"github.com/nugget/brunnen/internal/config"
	"github.com/nugget/brunnen/internal/connwatch"
	"github.com/nugget/brunnen/internal/credstore"
	"github.com/nugget/brunnen/internal/level"
	"github.com/nugget/brunnen/internal/metrics"
	"github.com/nugget/brunnen/internal/mqtt"
	"github.com/nugget/brunnen/internal/netcheck"
	"github.com/nugget/brunnen/internal/scheduler"
	"github.com/nugget/brunnen/internal/sensor"
	"github.com/nugget/brunnen/internal/telemetry"
)

// Device is the running monitor.
type Device struct {
	cfg    *config.Config
	logger *slog.Logger

	reader    adc.ReadCloser
	store     *credstore.Store
	client    *mqtt.Client
	sink      telemetry.Sink
	topics    telemetry.Topics
	metrics   *metrics.Collector
	guard     *connwatch.Guard
	sampler   *sensor.Sampler
	converter *level.Converter
	scheduler *scheduler.Scheduler
}

// parts are the externally provided pieces a Device is built from.
type parts struct {
	reader  adc.ReadCloser
	sink    telemetry.Sink
	broker  connwatch.Broker
	creds   connwatch.CredentialSource
	network connwatch.Network
	metrics *metrics.Collector
}

// Open builds a Device for serve mode: it opens the ADC backend and the
// credential store and, when a broker is configured, creates the MQTT
// client and connectivity guard.
func Open(cfg *config.Config, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reader, err := adc.Open(cfg.Sensor)
	if err != nil {
		return nil, fmt.Errorf("open adc: %w", err)
	}

	store, err := credstore.NewStore(cfg.Credentials.Path)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	creds := credstore.NewCredentials(store, logger.With("component", "credentials"))

	col := metrics.New()
	p := parts{
		reader:  reader,
		sink:    telemetry.Discard,
		creds:   creds,
		network: netcheck.New(cfg.Network.Interface, logger.With("component", "netcheck")),
		metrics: col,
	}

	var client *mqtt.Client
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			reader.Close()
			store.Close()
			return nil, fmt.Errorf("instance id: %w", err)
		}
		client, err = mqtt.New(cfg.MQTT, instanceID, logger.With("component", "mqtt"))
		if err != nil {
			reader.Close()
			store.Close()
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = mqtt.DefaultClientID(instanceID)
		}
		p.sink = client
		p.broker = client
	} else {
		logger.Warn("no mqtt broker configured, readings will not be published")
	}

	logger.Info("credentials loaded", "ssid", creds.NetworkName())

	d := build(cfg, p, logger)
	d.store = store
	d.client = client
	return d, nil
}

// OpenLocal builds a Device without broker or credential store. Every
// publish is written to w as "topic payload" lines.
func OpenLocal(cfg *config.Config, w io.Writer, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reader, err := adc.Open(cfg.Sensor)
	if err != nil {
		return nil, fmt.Errorf("open adc: %w", err)
	}
	return build(cfg, parts{reader: reader, sink: telemetry.NewWriterSink(w)}, logger), nil
}

// build wires the measurement pipeline from p.
func build(cfg *config.Config, p parts, logger *slog.Logger) *Device {
	topics := telemetry.NewTopics(cfg.MQTT.TopicPrefix)

	d := &Device{
		cfg:     cfg,
		logger:  logger,
		reader:  p.reader,
		topics:  topics,
		metrics: p.metrics,
	}
	d.sink = &countingSink{next: p.sink, metrics: p.metrics}

	d.sampler = sensor.NewSampler(p.reader, d.sink, topics.SingleSample, logger.With("component", "sampler"))
	d.converter = level.NewConverter(level.FromConfig(cfg.Calibration), d.sink, topics, logger.With("component", "converter"))

	var guard scheduler.Guard
	if p.broker != nil {
		opts := []connwatch.Option{connwatch.WithObserver(p.metrics)}
		if p.network != nil {
			opts = append(opts, connwatch.WithNetwork(p.network))
		}
		d.guard = connwatch.New(p.broker, p.creds, connwatch.Config{
			ClientID:       cfg.MQTT.ClientID,
			RetryDelay:     cfg.MQTT.RetryDelay(),
			ConnectTimeout: cfg.MQTT.ConnectTimeoutDuration(),
			MaxRetries:     cfg.MQTT.MaxRetries,
		}, logger.With("component", "connwatch"), opts...)
		guard = d.guard
	}

	d.scheduler = scheduler.New(scheduler.Config{
		Interval:        cfg.Schedule.Interval(),
		PollInterval:    cfg.Schedule.PollInterval(),
		DriftCorrection: cfg.Schedule.DriftCorrection,
	}, guard, d.Cycle, logger.With("component", "scheduler"))

	return d
}

// Topics returns the telemetry topics in use.
func (d *Device) Topics() telemetry.Topics {
	return d.topics
}

// Metrics returns the device's collector, or nil in local mode.
func (d *Device) Metrics() *metrics.Collector {
	return d.metrics
}

// Cycle runs one complete measurement: sample, publish the raw reading,
// convert, and publish the level. Out-of-range readings publish 0 or
// nothing, depending on mqtt.out_of_range.
func (d *Device) Cycle(ctx context.Context) error {
	_, err := d.Measure(ctx)
	return err
}

// Measure runs one cycle like Cycle and also returns the measurement.
func (d *Device) Measure(ctx context.Context) (level.Measurement, error) {
	raw := d.sampler.Sample(ctx, d.cfg.Sensor.Pin, d.cfg.Sensor.Samples)

	var errs []error
	if err := d.sink.Publish(ctx, d.topics.RawLevel, telemetry.FormatInt(raw)); err != nil {
		errs = append(errs, err)
	}

	m := d.converter.Convert(ctx, raw)

	if m.Valid() || d.cfg.MQTT.OutOfRange != config.OutOfRangeSkip {
		if err := d.sink.Publish(ctx, d.topics.WaterLevel, telemetry.FormatFloat(m.PublishedLevel())); err != nil {
			errs = append(errs, err)
		}
	}

	d.metrics.ObserveCycle(m.Raw, m.Current, m.Level, m.Valid())
	if d.client != nil {
		d.metrics.SetConnected(d.client.Connected())
	}

	d.logger.Debug("cycle complete",
		"raw", m.Raw,
		"level_m", m.Level,
		"status", m.Status.String(),
	)
	return m, errors.Join(errs...)
}

// Run starts the optional metrics listener and runs the cycle loop
// until ctx is cancelled. It returns nil on cancellation.
func (d *Device) Run(ctx context.Context) error {
	if d.cfg.Metrics.Listen != "" && d.metrics != nil {
		go func() {
			if err := d.metrics.Serve(ctx, d.cfg.Metrics.Listen, d.logger.With("component", "metrics")); err != nil {
				d.logger.Error("metrics listener failed", "addr", d.cfg.Metrics.Listen, "error", err)
			}
		}()
	}

	err := d.scheduler.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// GuardStatus returns the connectivity guard's bookkeeping. ok is false
// when no broker is configured.
func (d *Device) GuardStatus() (status connwatch.Status, ok bool) {
	if d.guard == nil {
		return connwatch.Status{}, false
	}
	return d.guard.Status(), true
}

// Close disconnects from the broker and releases the ADC backend and
// credential store.
func (d *Device) Close() error {
	var errs []error

	if d.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt disconnect: %w", err))
		}
		cancel()
	}
	if d.reader != nil {
		if err := d.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adc: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close credential store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// countingSink forwards publishes and counts failures per topic.
type countingSink struct {
	next    telemetry.Sink
	metrics *metrics.Collector
}

func (s *countingSink) Publish(ctx context.Context, topic, payload string) error {
	err := s.next.Publish(ctx, topic, payload)
	if err != nil {
		s.metrics.PublishFailed(topic)
	}
	return err
}
