package gobox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// State is the readiness of a Client.
type State int

const (
	// StateNotReady: no usable connection to a storage.
	StateNotReady State = iota
	// StateInitializing: connected, waiting for the storage handshake.
	StateInitializing
	// StateReady: the storage announced itself connected.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not ready"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ConnectionFactory builds the Connection used by Init. header carries the
// Authorization header of the credentials.
type ConnectionFactory func(header http.Header) (Connection, error)

// Client is the entry point to a GoBox storage. It owns one Dispatcher per
// Init, tracks readiness through the storageInfo handshake, and exposes the
// file operations.
type Client struct {
	creds         *Credentials
	urls          *URLBuilder
	log           *logrus.Entry
	newConn       ConnectionFactory
	dispOpts      []DispatcherOption
	wsOpts        []WebSocketOption
	cache         *FileCache
	echoFilter    bool
	fs            afero.Fs
	transportBase http.RoundTripper

	mu           sync.Mutex
	state        State
	disp         *Dispatcher
	onDisconnect func()
	profile      *TransferProfile

	listenersMu   sync.RWMutex
	syncListeners map[uint64]SyncEventListener
	listenerSeq   uint64

	echoMu sync.Mutex
	echoes map[string]int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger of the client and of its dispatchers.
func WithLogger(log *logrus.Entry) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithURLBuilder sets the service URLs.
func WithURLBuilder(urls *URLBuilder) ClientOption {
	return func(c *Client) {
		if urls != nil {
			c.urls = urls
		}
	}
}

// WithConnectionFactory replaces the websocket connection built by Init.
func WithConnectionFactory(factory ConnectionFactory) ClientOption {
	return func(c *Client) {
		if factory != nil {
			c.newConn = factory
		}
	}
}

// WithDispatcherOptions passes options to every dispatcher the client creates.
func WithDispatcherOptions(opts ...DispatcherOption) ClientOption {
	return func(c *Client) {
		c.dispOpts = append(c.dispOpts, opts...)
	}
}

// WithWebSocketOptions passes options to the default websocket connection.
func WithWebSocketOptions(opts ...WebSocketOption) ClientOption {
	return func(c *Client) {
		c.wsOpts = append(c.wsOpts, opts...)
	}
}

// WithFileCache replaces the file info cache.
func WithFileCache(cache *FileCache) ClientOption {
	return func(c *Client) {
		if cache != nil {
			c.cache = cache
		}
	}
}

// WithEchoFilter controls whether sync events caused by this client's own
// changes are suppressed. Enabled by default.
func WithEchoFilter(enabled bool) ClientOption {
	return func(c *Client) {
		c.echoFilter = enabled
	}
}

// WithFs sets the filesystem used by DownloadTo and UploadFrom.
func WithFs(fs afero.Fs) ClientOption {
	return func(c *Client) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// WithTransferTransport sets the base round tripper for bridge transfers.
func WithTransferTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.transportBase = rt
	}
}

// NewClient creates a client authenticated by creds. The client does not
// connect until Init is called.
func NewClient(creds *Credentials, opts ...ClientOption) *Client {
	c := &Client{
		creds:         creds,
		urls:          NewURLBuilder(DefaultHost),
		log:           defaultLogger(),
		cache:         NewFileCache(0),
		echoFilter:    true,
		fs:            afero.NewOsFs(),
		syncListeners: make(map[uint64]SyncEventListener),
		echoes:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newConn == nil {
		c.newConn = c.dialWebSocket
	}
	c.profile = NewBridgeProfile(c.urls, c.creds, c.transportBase)
	return c
}

func (c *Client) dialWebSocket(header http.Header) (Connection, error) {
	u, err := c.urls.Get(URLSocketClient)
	if err != nil {
		return nil, err
	}
	opts := append([]WebSocketOption{WithWebSocketLogger(c.log)}, c.wsOpts...)
	return NewWebSocketConn(u.String(), header, opts...), nil
}

// State returns the current readiness state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether the storage handshake completed.
func (c *Client) IsReady() bool {
	return c.State() == StateReady
}

// Dispatcher returns the dispatcher of the current connection, nil when not
// connected. Applications may register their own listeners and handlers on it.
func (c *Client) Dispatcher() *Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disp
}

// Cache returns the file info cache.
func (c *Client) Cache() *FileCache {
	return c.cache
}

// OnDisconnect registers the observer called when a Ready client loses its
// storage. It is called once per disconnection, never for Shutdown.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Init connects to the service and waits for the storage handshake. It
// returns true when the storage is connected. A false result leaves the
// connection open; a later positive handshake still makes the client Ready.
func (c *Client) Init(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state != StateNotReady {
		c.mu.Unlock()
		return false, ErrAlreadyConnected
	}
	c.state = StateInitializing
	stale := c.disp
	c.disp = nil
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Disconnect()
	}

	header := http.Header{}
	c.creds.Authorize(header)
	conn, err := c.newConn(header)
	if err != nil {
		c.setState(StateNotReady)
		return false, err
	}

	opts := append([]DispatcherOption{WithDispatcherLogger(c.log)}, c.dispOpts...)
	disp := NewDispatcher(conn, opts...)
	handshake := make(chan bool, 1)
	lost := make(chan error, 1)
	disp.OnNotification(EventStorageInfo, func(_ context.Context, payload json.RawMessage) {
		c.handleStorageInfo(disp, payload, handshake)
	})
	disp.OnLifecycle(func(ev LifecycleEvent) {
		c.handleLifecycle(disp, ev, lost)
	})

	c.mu.Lock()
	c.disp = disp
	c.mu.Unlock()

	if err := disp.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.disp == disp {
			c.disp = nil
			c.state = StateNotReady
		}
		c.mu.Unlock()
		return false, err
	}

	select {
	case connected := <-handshake:
		return connected, nil
	case cause := <-lost:
		return false, NewTransportError("storage info not received", cause)
	case <-ctx.Done():
		c.mu.Lock()
		if c.disp == disp {
			c.disp = nil
			c.state = StateNotReady
		}
		c.mu.Unlock()
		_ = disp.Disconnect()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, NewTimeoutError("storage info not received", ctx.Err())
		}
		return false, NewCanceledError("init", ctx.Err())
	}
}

// Shutdown closes the connection of a Ready client. It does not call the
// disconnect observer.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateNotReady
	disp := c.disp
	c.disp = nil
	c.mu.Unlock()

	c.cache.Flush()
	c.log.Info("Client shut down")
	return disp.Disconnect()
}

// Disconnect tears down the connection in any state. Calling it again is a
// no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	disp := c.disp
	c.disp = nil
	c.state = StateNotReady
	c.mu.Unlock()

	if disp == nil {
		return nil
	}
	return disp.Disconnect()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// handleStorageInfo applies a storageInfo notification from disp. Only the
// current dispatcher may change the state.
func (c *Client) handleStorageInfo(disp *Dispatcher, payload json.RawMessage, handshake chan<- bool) {
	var info struct {
		Connected bool `json:"connected"`
	}
	if !isNullPayload(payload) {
		if err := json.Unmarshal(payload, &info); err != nil {
			c.log.WithError(err).Warn("Malformed storage info")
		}
	}

	c.mu.Lock()
	if c.disp != disp {
		c.mu.Unlock()
		c.log.Debug("Ignoring storage info from a previous connection")
		return
	}
	prev := c.state
	var notify func()
	if info.Connected {
		disp.OnNotification(EventSync, c.handleSyncEvent)
		c.state = StateReady
	} else {
		c.state = StateNotReady
		if prev == StateReady {
			notify = c.onDisconnect
		}
	}
	c.mu.Unlock()

	if info.Connected {
		c.log.Info("Storage connected")
	} else {
		c.log.Info("Storage not connected")
	}

	select {
	case handshake <- info.Connected:
	default:
	}
	if notify != nil {
		notify()
	}
}

// handleLifecycle applies a connection lifecycle event from disp.
func (c *Client) handleLifecycle(disp *Dispatcher, ev LifecycleEvent, lost chan<- error) {
	if ev.Kind == EventOpen {
		return
	}

	// Forgetting disp ends its episode: a storageInfo still queued on one of
	// its workers finds a different dispatcher and is ignored.
	c.mu.Lock()
	if c.disp != disp {
		c.mu.Unlock()
		return
	}
	c.disp = nil
	prev := c.state
	c.state = StateNotReady
	var notify func()
	if prev == StateReady {
		notify = c.onDisconnect
	}
	c.mu.Unlock()

	cause := ev.Err
	if cause == nil {
		cause = errConnectionClosed
	}
	select {
	case lost <- cause:
	default:
	}
	if notify != nil {
		notify()
	}
}

// readyDispatcher returns the dispatcher of a Ready client.
func (c *Client) readyDispatcher() (*Dispatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.disp == nil {
		return nil, ErrNotReady
	}
	return c.disp, nil
}

func (c *Client) transferProfile() *TransferProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}
