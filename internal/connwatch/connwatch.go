// Package connwatch keeps the device attached to its MQTT broker.
//
// A Guard is consulted once per loop tick. When the broker link is up it
// returns immediately; otherwise it blocks in a fixed-delay retry loop,
// re-reading credentials before every attempt, until a connect succeeds,
// the context is cancelled, or an optional attempt bound is reached.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Failure codes used when an attempt fails without a broker-provided
// code. They follow the classic MQTT client state numbering.
const (
	CodeTimeout       = -4
	CodeConnectFailed = -2
)

// ErrRetriesExhausted is returned by EnsureConnected when MaxRetries
// attempts have failed in a row.
var ErrRetriesExhausted = errors.New("connwatch: connect retries exhausted")

// ErrNetworkDown is recorded for attempts skipped because the local
// network is not ready.
var ErrNetworkDown = errors.New("connwatch: network not ready")

// Broker is the connection the guard maintains.
type Broker interface {
	Connected() bool
	Connect(ctx context.Context, clientID, username, password string) error
}

// CredentialSource supplies broker credentials. It is queried before
// every connect attempt so that re-provisioned values take effect
// without a restart.
type CredentialSource interface {
	BrokerCredentials() (username, password string)
}

// Network reports whether the local link is usable. Optional.
type Network interface {
	Ready() bool
}

// Observer receives attempt outcomes, e.g. for metrics. Optional.
type Observer interface {
	ConnectAttempt(ok bool, code int)
}

// Config controls the retry loop.
type Config struct {
	// ClientID is sent with every connect.
	ClientID string

	// RetryDelay is the fixed pause between failed attempts (default: 30s).
	RetryDelay time.Duration

	// ConnectTimeout limits a single attempt (default: 10s).
	ConnectTimeout time.Duration

	// MaxRetries bounds consecutive failed attempts. Zero retries forever.
	MaxRetries int
}

// DefaultConfig returns the fixed 30-second retry schedule.
func DefaultConfig() Config {
	return Config{
		RetryDelay:     30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Status is a snapshot of the guard's bookkeeping, suitable for JSON
// serialization.
type Status struct {
	Connected   bool      `json:"connected"`
	Attempts    int       `json:"attempts"`
	Failures    int       `json:"failures"`
	LastCode    int       `json:"last_code"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

// Guard ensures broker connectivity before each cycle.
type Guard struct {
	broker  Broker
	creds   CredentialSource
	network Network
	obs     Observer
	config  Config
	logger  *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool

	mu          sync.Mutex
	attempts    int
	failures    int
	lastCode    int
	lastAttempt time.Time
	lastErr     error
}

// Option customizes a Guard.
type Option func(*Guard)

// WithNetwork makes every attempt wait for n to report ready.
func WithNetwork(n Network) Option {
	return func(g *Guard) { g.network = n }
}

// WithObserver reports attempt outcomes to o.
func WithObserver(o Observer) Option {
	return func(g *Guard) { g.obs = o }
}

// New creates a Guard. Zero-value Config fields are replaced with
// defaults.
func New(broker Broker, creds CredentialSource, cfg Config, logger *slog.Logger, opts ...Option) *Guard {
	if broker == nil {
		panic("connwatch: broker must not be nil")
	}
	if creds == nil {
		panic("connwatch: credential source must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	g := &Guard{
		broker:   broker,
		creds:    creds,
		config:   cfg,
		logger:   logger,
		sleep:    sleepCtx,
		lastCode: -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureConnected returns nil once the broker is connected. It returns
// ctx.Err() if the context ends first, or ErrRetriesExhausted when a
// retry bound is configured and reached.
func (g *Guard) EnsureConnected(ctx context.Context) error {
	if g.broker.Connected() {
		return nil
	}

	g.logger.Info("broker disconnected, reconnecting",
		"client_id", g.config.ClientID,
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.attempt(ctx)
		code := failureCode(err)
		g.recordResult(code, err)

		if err == nil {
			g.logger.Info("broker connected",
				"client_id", g.config.ClientID,
				"after_attempts", attempt,
			)
			return nil
		}

		// A cancelled parent is not a broker failure worth retrying.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.logger.Warn("broker connect failed",
			"rc", code,
			"attempt", attempt,
			"retry_in", g.config.RetryDelay.String(),
			"error", err,
		)

		if g.config.MaxRetries > 0 && attempt >= g.config.MaxRetries {
			return ErrRetriesExhausted
		}

		if !g.sleep(ctx, g.config.RetryDelay) {
			return ctx.Err()
		}
	}
}

// attempt makes one connect try with the per-attempt timeout applied.
func (g *Guard) attempt(ctx context.Context) error {
	if g.network != nil && !g.network.Ready() {
		return ErrNetworkDown
	}

	user, pass := g.creds.BrokerCredentials()

	attemptCtx, cancel := context.WithTimeout(ctx, g.config.ConnectTimeout)
	defer cancel()

	err := g.broker.Connect(attemptCtx, g.config.ClientID, user, pass)
	if err == nil && !g.broker.Connected() {
		err = errors.New("connect returned without an established session")
	}
	return err
}

// failureCode extracts the numeric state code from err. Errors that do
// not carry one map to CodeConnectFailed, or CodeTimeout for deadlines.
func failureCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ StateCode() int }
	if errors.As(err, &coded) {
		return coded.StateCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeConnectFailed
}

// recordResult stores the attempt outcome under the mutex.
func (g *Guard) recordResult(code int, err error) {
	g.mu.Lock()
	g.attempts++
	if err != nil {
		g.failures++
	}
	g.lastCode = code
	g.lastErr = err
	g.lastAttempt = time.Now()
	g.mu.Unlock()

	if g.obs != nil {
		g.obs.ConnectAttempt(err == nil, code)
	}
}

// Status returns the current bookkeeping.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Status{
		Connected:   g.broker.Connected(),
		Attempts:    g.attempts,
		Failures:    g.failures,
		LastCode:    g.lastCode,
		LastAttempt: g.lastAttempt,
	}
	if g.lastErr != nil {
		s.LastError = g.lastErr.Error()
	}
	return s
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
