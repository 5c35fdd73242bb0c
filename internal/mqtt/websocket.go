package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketDialer returns a dialer for ws/wss broker URLs. MQTT packets
// travel as binary WebSocket messages with the "mqtt" subprotocol.
func websocketDialer(u *url.URL) DialFunc {
	d := &websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		d.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: u.Hostname(),
		}
	}
	target := u.String()

	return func(ctx context.Context) (net.Conn, error) {
		ws, resp, err := d.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", target, err)
		}
		return newWSConn(ws), nil
	}
}

// wsConn adapts a WebSocket connection to the byte stream net.Conn the
// Paho client expects. Message boundaries are ignored on read.
type wsConn struct {
	*websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{Conn: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.r == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
