package gobox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultQueryTimeout is applied to every query unless overridden with
	// WithQueryTimeout.
	DefaultQueryTimeout = 30 * time.Second

	// DefaultHandlerWorkers bounds how many listeners and query handlers run
	// at the same time.
	DefaultHandlerWorkers = 8

	// DefaultHandlerBacklog is how many listeners and query handlers may wait
	// for a worker before the receive path blocks.
	DefaultHandlerBacklog = 256

	faultUnknownQuery  = "unknown query"
	faultInternalError = "internal handler error"
)

var errConnectionClosed = errors.New("connection closed")

// NotificationListener handles a named notification pushed by the peer.
type NotificationListener func(ctx context.Context, payload json.RawMessage)

// QueryHandler answers a named query made by the peer. The returned value is
// JSON-encoded as the response data. A returned error is sent to the peer as
// {"error": err.Error()}; return a *HandlerFault to choose the message.
type QueryHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Dispatcher multiplexes notifications, outgoing queries and incoming
// queries over one Connection.
type Dispatcher struct {
	conn         Connection
	log          *logrus.Entry
	clock        clockwork.Clock
	newID        func() string
	queryTimeout time.Duration
	workers      int64
	backlog      int64

	pending *pendingTable
	sem     *semaphore.Weighted
	queued  *semaphore.Weighted

	mu          sync.RWMutex
	listeners   map[string]NotificationListener
	handlers    map[string]QueryHandler
	onLifecycle LifecycleHandler
	onPanic     func(v any)
	ctx         context.Context
	cancel      context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueryTimeout sets how long a query waits for its response. Zero
// disables the timeout; callers may still bound Wait with a context.
func WithQueryTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.queryTimeout = d
		}
	}
}

// WithHandlerWorkers bounds how many listeners and query handlers may run
// concurrently.
func WithHandlerWorkers(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.workers = int64(n)
		}
	}
}

// WithHandlerBacklog bounds how many listeners and query handlers may wait
// for a worker. When the backlog is full, receiving the next message waits
// for a slot.
func WithHandlerBacklog(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n >= 0 {
			disp.backlog = int64(n)
		}
	}
}

// WithDispatcherLogger sets the logger used by the dispatcher.
func WithDispatcherLogger(log *logrus.Entry) DispatcherOption {
	return func(disp *Dispatcher) {
		if log != nil {
			disp.log = log
		}
	}
}

// WithClock sets the clock used for query creation times and timeouts.
func WithClock(clock clockwork.Clock) DispatcherOption {
	return func(disp *Dispatcher) {
		if clock != nil {
			disp.clock = clock
		}
	}
}

// WithIDGenerator replaces the correlation id generator.
func WithIDGenerator(fn func() string) DispatcherOption {
	return func(disp *Dispatcher) {
		if fn != nil {
			disp.newID = fn
		}
	}
}

// NewDispatcher creates a dispatcher bound to conn. It takes over conn's
// message and lifecycle hooks.
func NewDispatcher(conn Connection, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		conn:         conn,
		log:          defaultLogger(),
		clock:        clockwork.NewRealClock(),
		newID:        uuid.NewString,
		queryTimeout: DefaultQueryTimeout,
		workers:      DefaultHandlerWorkers,
		backlog:      DefaultHandlerBacklog,
		listeners:    make(map[string]NotificationListener),
		handlers:     make(map[string]QueryHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pending = newPendingTable(d.clock, d.newID)
	d.sem = semaphore.NewWeighted(d.workers)
	d.queued = semaphore.NewWeighted(d.workers + d.backlog)
	d.ctx, d.cancel = context.WithCancel(context.Background())

	conn.OnMessage(d.receive)
	conn.OnLifecycle(d.lifecycle)
	return d
}

// Connect opens the underlying connection.
func (d *Dispatcher) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.ctx, d.cancel = context.WithCancel(context.Background())
	}
	d.mu.Unlock()
	return d.conn.Connect(ctx)
}

// Disconnect closes the underlying connection and fails every pending query
// with a TransportError. Safe to call multiple times.
func (d *Dispatcher) Disconnect() error {
	err := d.conn.Disconnect()
	d.pending.failAll(NewTransportError("disconnected", errConnectionClosed))
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	return err
}

// Pending returns the number of outstanding queries.
func (d *Dispatcher) Pending() int {
	return d.pending.len()
}

// OnNotification registers the listener for notifications named name.
// Only one listener can be registered per name; subsequent calls replace the
// previous listener. Passing nil removes it.
func (d *Dispatcher) OnNotification(name string, listener NotificationListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if listener == nil {
		delete(d.listeners, name)
		return
	}
	d.listeners[name] = listener
}

// OnQuery registers the handler answering queries named name. Same
// replacement semantics as OnNotification.
func (d *Dispatcher) OnQuery(name string, handler QueryHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handler == nil {
		delete(d.handlers, name)
		return
	}
	d.handlers[name] = handler
}

// OnLifecycle registers the observer of connection lifecycle events. It is
// called after pending queries have been failed.
func (d *Dispatcher) OnLifecycle(handler LifecycleHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLifecycle = handler
}

// OnPanic registers a handler called when a listener or query handler
// panics. The dispatcher recovers and keeps running.
func (d *Dispatcher) OnPanic(handler func(v any)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPanic = handler
}

// SendNotification transmits a notification. No response is expected.
func (d *Dispatcher) SendNotification(ctx context.Context, name string, payload interface{}) error {
	env, err := NewEnvelope(name, payload, "")
	if err != nil {
		return err
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	d.log.WithField("event", name).Debug("Sending notification")
	return asTransportError(d.conn.Send(ctx, data))
}

// SendQuery transmits a query and returns its handle. The query completes
// when the response arrives, the timeout elapses, or the connection drops.
func (d *Dispatcher) SendQuery(ctx context.Context, name string, payload interface{}) (*Query, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, NewProtocolError(fmt.Sprintf("marshal %s payload", name), err)
	}

	q, err := d.pending.insert(name)
	if err != nil {
		d.log.WithError(err).WithField("event", name).Error("Could not allocate query id")
		return nil, err
	}

	// The deadline covers the write too.
	d.pending.arm(q, d.queryTimeout)

	frame, err := EncodeEnvelope(Envelope{Name: name, Payload: data, QueryID: q.id})
	if err != nil {
		if taken, ok := d.pending.take(q.id); ok {
			taken.complete(nil, err)
		}
		return nil, err
	}

	log := d.log.WithFields(logrus.Fields{"event": name, "queryId": q.id})
	log.Debug("Sending query")
	if err := d.conn.Send(ctx, frame); err != nil {
		if taken, ok := d.pending.take(q.id); ok {
			taken.complete(nil, asTransportError(err))
		}
		log.WithError(err).Warn("Query send failed")
		return nil, asTransportError(err)
	}
	return q, nil
}

// Call sends a query, waits for the response and decodes it into result.
// A nil result discards the response payload.
func (d *Dispatcher) Call(ctx context.Context, name string, params, result interface{}) error {
	q, err := d.SendQuery(ctx, name, params)
	if err != nil {
		return err
	}
	payload, err := q.Wait(ctx)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if isNullPayload(payload) {
		return fmt.Errorf("%s: %w", name, ErrEmptyResult)
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return NewProtocolError(fmt.Sprintf("unmarshal %s response", name), err)
	}
	return nil
}

// receive is the Connection message hook. It never runs application code
// inline: listeners and handlers go to the worker pool, responses settle
// directly.
func (d *Dispatcher) receive(data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		d.log.WithError(err).Warn("Dropping malformed frame")
		return
	}

	switch {
	case !env.IsQuery():
		d.dispatchNotification(env)
	case env.Name == EventQueryResponse:
		if !d.pending.settle(env.QueryID, env.Payload, nil) {
			d.log.WithField("queryId", env.QueryID).Warn("Dropping response to unknown query")
		}
	default:
		d.dispatchQuery(env)
	}
}

func (d *Dispatcher) dispatchNotification(env Envelope) {
	d.mu.RLock()
	listener := d.listeners[env.Name]
	ctx := d.ctx
	d.mu.RUnlock()

	if listener == nil {
		d.log.WithField("event", env.Name).Warn("Unhandled event")
		return
	}

	d.spawn(ctx, func() {
		defer d.recoverHandler(env, nil)
		listener(ctx, env.Payload)
	})
}

func (d *Dispatcher) dispatchQuery(env Envelope) {
	d.mu.RLock()
	handler := d.handlers[env.Name]
	ctx := d.ctx
	d.mu.RUnlock()

	if handler == nil {
		d.log.WithFields(logrus.Fields{"event": env.Name, "queryId": env.QueryID}).Warn("Unknown query")
		d.spawn(ctx, func() {
			d.reply(ctx, env, NewHandlerFault(faultUnknownQuery))
		})
		return
	}

	d.spawn(ctx, func() {
		replied := false
		defer d.recoverHandler(env, func() {
			if !replied {
				d.reply(ctx, env, NewHandlerFault(faultInternalError))
			}
		})

		result, err := handler(ctx, env.Payload)
		if err != nil {
			var fault *HandlerFault
			if !errors.As(err, &fault) {
				fault = NewHandlerFault(err.Error())
			}
			d.log.WithError(err).WithField("event", env.Name).Debug("Query handler failed")
			replied = true
			d.reply(ctx, env, fault)
			return
		}
		replied = true
		d.reply(ctx, env, result)
	})
}

// reply sends the response for query env.
func (d *Dispatcher) reply(ctx context.Context, env Envelope, result interface{}) {
	resp, err := NewEnvelope(EventQueryResponse, result, env.QueryID)
	if err != nil {
		d.log.WithError(err).WithField("event", env.Name).Warn("Could not encode query result")
		resp, _ = NewEnvelope(EventQueryResponse, NewHandlerFault(faultInternalError), env.QueryID)
	}
	data, err := EncodeEnvelope(resp)
	if err != nil {
		d.log.WithError(err).Warn("Could not encode query response")
		return
	}
	if err := d.conn.Send(ctx, data); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"event": env.Name, "queryId": env.QueryID}).Warn("Could not send query response")
	}
}

// spawn runs fn on its own goroutine once a worker slot is free. At most
// workers+backlog goroutines exist; past that the receive path waits for one
// to finish, or for the connection to end.
func (d *Dispatcher) spawn(ctx context.Context, fn func()) {
	if !d.queued.TryAcquire(1) {
		d.log.WithField("backlog", d.backlog).Warn("Handler backlog full, waiting for a worker")
		if err := d.queued.Acquire(ctx, 1); err != nil {
			d.log.WithError(err).Warn("Dropping message, connection ended")
			return
		}
	}
	go func() {
		defer d.queued.Release(1)
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		fn()
	}()
}

// recoverHandler is deferred around application callbacks. after runs once
// a panic has been recovered.
func (d *Dispatcher) recoverHandler(env Envelope, after func()) {
	r := recover()
	if r == nil {
		return
	}
	d.log.WithFields(logrus.Fields{
		"event":   env.Name,
		"queryId": env.QueryID,
		"panic":   r,
	}).Error("Recovered from handler panic")
	if after != nil {
		after()
	}
	d.mu.RLock()
	panicFn := d.onPanic
	d.mu.RUnlock()
	if panicFn != nil {
		panicFn(r)
	}
}

// lifecycle is the Connection lifecycle hook.
func (d *Dispatcher) lifecycle(ev LifecycleEvent) {
	log := d.log.WithField("event", ev.Kind)
	switch ev.Kind {
	case EventError, EventClose:
		cause := ev.Err
		if cause == nil {
			cause = errConnectionClosed
		}
		if n := d.pending.failAll(NewTransportError("connection lost", cause)); n > 0 {
			log.WithField("pending", n).Warn("Failed pending queries")
		}
		// Running handlers can no longer reply.
		d.mu.Lock()
		d.cancel()
		d.mu.Unlock()
		if ev.Err != nil {
			log.WithError(ev.Err).Warn("Connection error")
		} else {
			log.Info("Connection closed")
		}
	default:
		log.Info("Connection opened")
	}

	d.mu.RLock()
	observer := d.onLifecycle
	d.mu.RUnlock()
	if observer != nil {
		observer(ev)
	}
}

// asTransportError wraps err as a TransportError unless it already is one.
func asTransportError(err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return NewTransportError("send", err)
}
