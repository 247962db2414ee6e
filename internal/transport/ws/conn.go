// Package ws provides the WebSocket transport to the relay, built on gobwas/ws.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/trenches-chat/internal/transport"
)

// DefaultHandshakeTimeout bounds dialing plus the HTTP upgrade.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrAlreadyConnected is returned by Connect on a transport that was already
// connected or closed. Each transport is good for a single attempt.
var ErrAlreadyConnected = errors.New("transport already connected")

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Option configures a Conn.
type Option func(*Conn)

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Conn) { c.dialer.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// Conn is a single WebSocket connection attempt to the relay.
type Conn struct {
	url    string
	events transport.Events
	dialer ws.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	state   state
	conn    net.Conn
	cancel  context.CancelFunc
	closing bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ transport.Transport = (*Conn)(nil)

// New validates rawURL and creates an unconnected transport reporting to events.
func New(rawURL string, events transport.Events, opts ...Option) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid relay address %q: scheme must be ws or wss", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid relay address %q: missing host", rawURL)
	}

	c := &Conn{
		url:    rawURL,
		events: events,
		dialer: ws.Dialer{Timeout: DefaultHandshakeTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// NewFactory returns a transport.Factory dialing rawURL.
func NewFactory(rawURL string, opts ...Option) transport.Factory {
	return func(events transport.Events) (transport.Transport, error) {
		return New(rawURL, events, opts...)
	}
}

// Connect implements transport.Transport. Dialing happens on a goroutine.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.state = stateConnecting
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Send implements transport.Transport.
func (c *Conn) Send(payload string) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == stateOpen && !c.closing
	c.mu.Unlock()

	if !open || conn == nil {
		return transport.ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientText(conn, []byte(payload)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close implements transport.Transport. It cancels a pending dial or sends a
// normal close frame; Closed is reported once the reader notices.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing || c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	if c.state == stateIdle {
		c.state = stateClosed
	}
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Conn) run(ctx context.Context) {
	conn, br, _, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		if c.isClosing() {
			c.finish(transport.CloseNormal, "closed by client")
			return
		}
		c.logger.Warn("dial failed", "url", c.url, "error", err)
		c.events.Errored(fmt.Errorf("failed to connect to %s: %w", c.url, err))
		c.finish(transport.CloseAbnormal, err.Error())
		return
	}
	if br != nil {
		defer ws.PutReader(br)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		c.finish(transport.CloseNormal, "closed by client")
		return
	}
	c.conn = conn
	c.state = stateOpen
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)
	c.events.Opened()

	// The handshake reader may already hold the first frames.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.readLoop(&bufferedConn{Reader: r, w: conn, mu: &c.writeMu})
}

func (c *Conn) readLoop(rw io.ReadWriter) {
	for {
		data, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.events.Received(string(data))
	}
}

func (c *Conn) handleReadError(err error) {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed):
		c.logger.Info("relay closed connection", "code", closed.Code, "reason", closed.Reason)
		c.finish(int(closed.Code), closed.Reason)
	case c.isClosing():
		c.finish(transport.CloseNormal, "closed by client")
	default:
		c.logger.Warn("read failed", "url", c.url, "error", err)
		c.events.Errored(fmt.Errorf("failed to read from %s: %w", c.url, err))
		c.finish(transport.CloseAbnormal, err.Error())
	}
}

// finish reports Closed exactly once and releases the connection.
func (c *Conn) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		conn := c.conn
		cancel := c.cancel
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if cancel != nil {
			cancel()
		}
		c.events.Closed(code, reason)
	})
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// bufferedConn reads through the handshake buffer and serializes the control
// frame replies written by the reader with Send.
type bufferedConn struct {
	io.Reader
	w  io.Writer
	mu *sync.Mutex
}

func (bc *bufferedConn) Write(p []byte) (int, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.w.Write(p)
}
