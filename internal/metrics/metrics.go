// Package metrics exposes the monitor's counters and gauges in the
// Prometheus text format. All methods are safe to call on a nil
// *Collector, which records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/brunnen/internal/buildinfo"
)

const namespace = "brunnen"

// Collector owns a private registry with the monitor's metrics.
type Collector struct {
	registry *prometheus.Registry

	cycles          prometheus.Counter
	outOfRange      prometheus.Counter
	publishFailures *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	connected       prometheus.Gauge
	raw             prometheus.Gauge
	current         prometheus.Gauge
	level           prometheus.Gauge
	lastCycle       prometheus.Gauge
}

// New creates a Collector with a fresh registry, including the Go
// runtime collectors and a build info gauge.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Measurement cycles completed.",
		}),
		outOfRange: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_range_total",
			Help:      "Cycles whose loop current was outside the sensor band.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Telemetry publishes that returned an error, by topic.",
		}, []string{"topic"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Broker connect attempts by result and state code.",
		}, []string{"result", "code"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker session is up.",
		}),
		raw: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_reading",
			Help:      "Averaged ADC reading of the last cycle.",
		}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_current_amperes",
			Help:      "Loop current derived in the last cycle.",
		}),
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "water_level_meters",
			Help:      "Water level of the last valid cycle.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed cycle.",
		}),
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata; the value is always 1.",
		ConstLabels: prometheus.Labels{
			"version": buildinfo.Version,
			"commit":  buildinfo.GitCommit,
			"branch":  buildinfo.GitBranch,
		},
	})
	info.Set(1)

	c.registry.MustRegister(
		c.cycles, c.outOfRange, c.publishFailures, c.connectAttempts,
		c.connected, c.raw, c.current, c.level, c.lastCycle, info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveCycle records the outcome of one measurement cycle. The level
// gauge keeps its previous value for out-of-range cycles.
func (c *Collector) ObserveCycle(raw int, current, level float64, valid bool) {
	if c == nil {
		return
	}
	c.cycles.Inc()
	c.raw.Set(float64(raw))
	c.current.Set(current)
	if valid {
		c.level.Set(level)
	} else {
		c.outOfRange.Inc()
	}
	c.lastCycle.SetToCurrentTime()
}

// PublishFailed counts a failed telemetry publish.
func (c *Collector) PublishFailed(topic string) {
	if c == nil {
		return
	}
	c.publishFailures.WithLabelValues(topic).Inc()
}

// ConnectAttempt counts one broker connect attempt.
func (c *Collector) ConnectAttempt(ok bool, code int) {
	if c == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	c.connectAttempts.WithLabelValues(result, strconv.Itoa(code)).Inc()
	c.SetConnected(ok)
}

// SetConnected updates the broker connection gauge.
func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve listens on addr and serves /metrics and /healthz until ctx is
// cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
