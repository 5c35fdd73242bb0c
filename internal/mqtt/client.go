// Package mqtt is the broker transport of the monitor. It wraps the
// low-level Eclipse Paho v2 client so each connect attempt is a single,
// explicit operation the connectivity guard can time out, retry and
// report on. Connection loss is detected through Paho's error and
// server-disconnect callbacks and surfaced lazily via [Client.Connected].
//
// On every successful connect the client publishes a retained "online"
// message to the availability topic (the will message flips it to
// "offline" on unexpected loss) and, when a discovery prefix is
// configured, Home Assistant sensor discovery configs.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/brunnen/internal/config"
	"github.com/nugget/brunnen/internal/telemetry"
)

// Connection state codes. Non-negative values above zero are broker
// CONNACK reason codes.
const (
	StateConnectionTimeout = -4
	StateConnectionLost    = -3
	StateConnectFailed     = -2
	StateDisconnected      = -1
	StateConnected         = 0
)

// ErrNotConnected is returned by Publish while no session is up.
var ErrNotConnected = errors.New("mqtt: not connected")

// ConnectError is a failed connect attempt with its state code.
type ConnectError struct {
	Code int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt connect failed (state %d): %v", e.Code, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StateCode returns the numeric failure code.
func (e *ConnectError) StateCode() int { return e.Code }

// DialFunc opens the transport connection to the broker.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Client owns the broker connection.
type Client struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	topics     telemetry.Topics
	dial       DialFunc
	logger     *slog.Logger

	mu   sync.Mutex
	cli  *paho.Client
	conn net.Conn

	gen       atomic.Uint64
	connected atomic.Bool
	state     atomic.Int64
}

// New creates a Client for cfg.Broker. It does not connect.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) (*Client, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Host == "" {
		return nil, fmt.Errorf("mqtt broker URL %q has no host", cfg.Broker)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		topics:     telemetry.NewTopics(cfg.TopicPrefix),
		dial:       brokerDialer(brokerURL),
		logger:     logger,
	}
	c.state.Store(StateDisconnected)
	return c, nil
}

// SetDialer replaces the transport dialer.
func (c *Client) SetDialer(d DialFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = d
}

// brokerDialer returns a dialer for mqtt/tcp (plain) or mqtts/ssl/tls
// (TLS 1.2+) URLs, defaulting the port to 1883 or 8883. ws/wss URLs
// use the WebSocket transport.
func brokerDialer(u *url.URL) DialFunc {
	if u.Scheme == "ws" || u.Scheme == "wss" {
		return websocketDialer(u)
	}

	secure := u.Scheme == "mqtts" || u.Scheme == "ssl" || u.Scheme == "tls"
	addr := u.Host
	if u.Port() == "" {
		port := "1883"
		if secure {
			port = "8883"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	if secure {
		d := &tls.Dialer{Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: u.Hostname(),
		}}
		return func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Connected reports whether the last connect succeeded and no loss has
// been observed since.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// State returns the current state code (0 when connected).
func (c *Client) State() int {
	return int(c.state.Load())
}

// Topics returns the resolved topic set.
func (c *Client) Topics() telemetry.Topics {
	return c.topics
}

// Connect performs one connect attempt. Any previous session is torn
// down first. ctx bounds the dial and the CONNECT/CONNACK exchange.
// Failures are returned as *ConnectError.
func (c *Client) Connect(ctx context.Context, clientID, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	gen := c.gen.Add(1)

	conn, err := c.dial(ctx)
	if err != nil {
		return c.fail(ctx, StateConnectFailed, fmt.Errorf("dial: %w", err))
	}

	cli := paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.markLost(gen, fmt.Errorf("server disconnect, reason %d", d.ReasonCode))
		},
		OnClientError: func(err error) {
			c.markLost(gen, err)
		},
	})

	cp := &paho.Connect{
		ClientID:     clientID,
		KeepAlive:    uint16(c.cfg.KeepAliveSec),
		CleanStart:   true,
		Username:     username,
		UsernameFlag: username != "",
		Password:     []byte(password),
		PasswordFlag: password != "",
		WillMessage: &paho.WillMessage{
			Topic:   c.topics.Availability,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
	}

	ca, err := cli.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		code := StateConnectFailed
		if ca != nil && ca.ReasonCode != 0 {
			code = int(ca.ReasonCode)
		}
		return c.fail(ctx, code, err)
	}

	c.cli = cli
	c.conn = conn
	c.connected.Store(true)
	c.state.Store(StateConnected)
	c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", clientID)

	c.publishAvailabilityLocked(ctx, "online")
	c.publishDiscoveryLocked(ctx)
	return nil
}

// fail records a failed attempt. A context deadline overrides code
// with the timeout state.
func (c *Client) fail(ctx context.Context, code int, err error) error {
	if code == StateConnectFailed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = StateConnectionTimeout
	}
	c.connected.Store(false)
	c.state.Store(int64(code))
	return &ConnectError{Code: code, Err: err}
}

// markLost is called from Paho goroutines. It must not take c.mu.
func (c *Client) markLost(gen uint64, err error) {
	if c.gen.Load() != gen {
		return
	}
	if c.connected.Swap(false) {
		c.state.Store(StateConnectionLost)
		c.logger.Warn("mqtt connection lost", "error", err)
	}
}

// Publish sends payload to topic at QoS 0. It satisfies
// [telemetry.Sink].
func (c *Client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cli == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	return c.publishLocked(ctx, topic, payload, c.cfg.Retain)
}

func (c *Client) publishLocked(ctx context.Context, topic, payload string, retain bool) error {
	if _, err := c.cli.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		c.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "payload", payload)
	return nil
}

// publishAvailabilityLocked publishes the retained availability state.
// A failure is logged and otherwise ignored; the broker's will message
// covers a lost "offline".
func (c *Client) publishAvailabilityLocked(ctx context.Context, state string) {
	if err := c.publishLocked(ctx, c.topics.Availability, state, true); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"topic", c.topics.Availability,
			"state", state,
			"error", err,
		)
		return
	}
	c.logger.Debug("mqtt availability published", "state", state)
}

// Disconnect publishes "offline" and closes the session. It is a no-op
// when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cli == nil {
		return nil
	}
	if c.connected.Load() {
		c.publishAvailabilityLocked(ctx, "offline")
	}
	// Detach the callbacks before Paho tears the connection down.
	c.gen.Add(1)
	c.connected.Store(false)
	err := c.cli.Disconnect(&paho.Disconnect{ReasonCode: 0})
	c.closeLocked()
	c.state.Store(StateDisconnected)
	return err
}

// closeLocked drops the current session without a DISCONNECT packet.
func (c *Client) closeLocked() {
	c.gen.Add(1)
	c.connected.Store(false)
	if c.conn != nil {
		c.conn.Close()
	}
	c.cli = nil
	c.conn = nil
}
