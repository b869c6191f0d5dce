package gobox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPingInterval matches the keep-alive the storage expects.
	DefaultPingInterval = 30 * time.Second

	defaultWriteTimeout   = 10 * time.Second
	defaultHandshakeLimit = 15 * time.Second
	maxFrameSize          = 10 * 1024 * 1024 // 10MB, listings with children get large
)

var errAlreadyOpen = errors.New("connection already open")

// WebSocketConn implements Connection over a gorilla/websocket client.
type WebSocketConn struct {
	connHooks

	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	writeTimeout time.Duration
	log          *logrus.Entry

	mu         sync.Mutex
	conn       *websocket.Conn
	ep         *episode
	connecting bool

	writeMu sync.Mutex
}

// WebSocketOption configures a WebSocketConn.
type WebSocketOption func(*WebSocketConn)

// WithPingInterval sets the keep-alive ping interval. Zero disables pings.
func WithPingInterval(d time.Duration) WebSocketOption {
	return func(c *WebSocketConn) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(c *WebSocketConn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithProxy routes the websocket handshake through an HTTP proxy.
func WithProxy(proxy *url.URL) WebSocketOption {
	return func(c *WebSocketConn) {
		c.dialer.Proxy = http.ProxyURL(proxy)
	}
}

// WithTLSConfig sets the TLS configuration used for wss:// URLs.
func WithTLSConfig(cfg *tls.Config) WebSocketOption {
	return func(c *WebSocketConn) {
		c.dialer.TLSClientConfig = cfg
	}
}

// WithWebSocketLogger sets the logger used by the connection.
func WithWebSocketLogger(log *logrus.Entry) WebSocketOption {
	return func(c *WebSocketConn) {
		if log != nil {
			c.log = log
		}
	}
}

// NewWebSocketConn creates a connection to rawURL. header is sent with the
// opening handshake; it usually carries the Authorization header.
// The connection is not opened until Connect is called.
func NewWebSocketConn(rawURL string, header http.Header, opts ...WebSocketOption) *WebSocketConn {
	c := &WebSocketConn{
		url:          rawURL,
		header:       header.Clone(),
		pingInterval: DefaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		log:          defaultLogger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeLimit,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server and starts the read loop.
func (c *WebSocketConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return NewTransportError("connect", errAlreadyOpen)
	}
	c.connecting = true
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		c.log.WithError(err).WithField("url", c.url).Warn("Websocket dial failed")
		return NewTransportError("connect", err)
	}
	ep := newEpisode()
	c.conn = ws
	c.ep = ep
	c.mu.Unlock()

	ws.SetReadLimit(maxFrameSize)
	if c.pingInterval > 0 {
		grace := 2 * c.pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(grace))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(grace))
		})
		go c.pingLoop(ws, ep)
	}

	c.log.WithField("url", c.url).Info("Websocket connection established")
	c.emit(LifecycleEvent{Kind: EventOpen})

	go c.readLoop(ws, ep)
	return nil
}

// Send writes one text frame.
func (c *WebSocketConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		c.log.Warn("Dropping outbound frame: websocket not open")
		return NewTransportError("send", errNotOpen)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return NewTransportError("send", err)
	}
	return nil
}

// Disconnect sends a close frame and tears down the socket. Safe to call
// multiple times; only the first call reports EventClose.
func (c *WebSocketConn) Disconnect() error {
	c.mu.Lock()
	ws, ep := c.conn, c.ep
	c.conn = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}

	// End the episode first so the read loop sees a local close, not an error.
	ep.end(&c.connHooks, nil)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := ws.Close()

	c.log.Info("Websocket disconnected")
	if err != nil {
		return NewTransportError("disconnect", err)
	}
	return nil
}

func (c *WebSocketConn) readLoop(ws *websocket.Conn, ep *episode) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.finish(ws, ep, closeCause(err))
			return
		}
		if ep.ended() {
			return
		}
		c.deliver(data)
	}
}

func (c *WebSocketConn) pingLoop(ws *websocket.Conn, ep *episode) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ep.done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.log.WithError(err).Debug("Websocket ping failed")
				return
			}
		}
	}
}

// finish ends the episode after the read loop observed a failure.
func (c *WebSocketConn) finish(ws *websocket.Conn, ep *episode, cause error) {
	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = ws.Close()

	if ep.ended() {
		return
	}
	if cause != nil {
		c.log.WithError(cause).Warn("Websocket error")
	} else {
		c.log.Info("Websocket closed by server")
	}
	ep.end(&c.connHooks, cause)
}

// closeCause maps a read error to the lifecycle cause: nil for a clean close.
func closeCause(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}
