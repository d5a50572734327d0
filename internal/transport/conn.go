package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
)

// ErrConnClosed is returned by Conn operations after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn is one established connection carrying envelopes.
type Conn interface {
	// Read blocks for the next envelope. It returns an error once the
	// connection is closed from either side.
	Read() (protocol.Envelope, error)
	Write(env protocol.Envelope) error
	Close() error
}

// Dialer opens connections. Dial must return promptly once ctx ends.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WebSocketDialer dials the gateway's /ws endpoint.
type WebSocketDialer struct {
	URL          string
	Subprotocol  string
	Header       http.Header
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	sub := d.Subprotocol
	if sub == "" {
		sub = protocol.Subprotocol
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{sub},
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if got := conn.Subprotocol(); got != sub {
		conn.Close()
		return nil, fmt.Errorf("dial %s: server negotiated sub-protocol %q, want %q", d.URL, got, sub)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout, logger: logger}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Read skips frames that are not valid envelopes.
func (c *wsConn) Read() (protocol.Envelope, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		env, err := protocol.Parse(data)
		if err != nil {
			c.logger.Debug("dropping invalid frame", slog.String("error", err.Error()))
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Write(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
