package gobox

import (
	"context"
	"sync"
)

// MessageHandler receives one raw inbound frame.
type MessageHandler func(data []byte)

// LifecycleHandler receives connection lifecycle transitions.
type LifecycleHandler func(ev LifecycleEvent)

// LifecycleEvent describes a connection lifecycle transition. Kind is one of
// EventOpen, EventError or EventClose; Err is set only for EventError.
type LifecycleEvent struct {
	Kind string
	Err  error
}

// Connection abstracts the single duplex transport between client and server.
//
// Implementations must:
//   - report EventOpen at most once per successful Connect
//   - report exactly one of EventError or EventClose per disconnection
//   - make Disconnect idempotent
type Connection interface {
	// Connect establishes the transport. Returns a TransportError if the
	// underlying open fails.
	Connect(ctx context.Context) error

	// Send transmits one raw frame. If the transport is not open the failure
	// is logged as a warning and a TransportError is returned.
	Send(ctx context.Context, data []byte) error

	// Disconnect tears down the transport. Safe to call multiple times.
	Disconnect() error

	// OnMessage registers the handler for inbound frames. Only one handler
	// can be registered; subsequent calls replace the previous handler.
	OnMessage(handler MessageHandler)

	// OnLifecycle registers the handler for lifecycle transitions. Only one
	// handler can be registered; subsequent calls replace the previous handler.
	OnLifecycle(handler LifecycleHandler)
}

// connHooks holds the handlers shared by the Connection implementations and
// guarantees the one-signal-per-episode contract.
type connHooks struct {
	mu          sync.RWMutex
	onMessage   MessageHandler
	onLifecycle LifecycleHandler
}

func (h *connHooks) OnMessage(handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = handler
}

func (h *connHooks) OnLifecycle(handler LifecycleHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLifecycle = handler
}

func (h *connHooks) deliver(data []byte) {
	h.mu.RLock()
	handler := h.onMessage
	h.mu.RUnlock()
	if handler != nil {
		handler(data)
	}
}

func (h *connHooks) emit(ev LifecycleEvent) {
	h.mu.RLock()
	handler := h.onLifecycle
	h.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// episode tracks one connect..disconnect span. end reports the terminal
// signal at most once no matter how many goroutines observe the failure.
type episode struct {
	once sync.Once
	done chan struct{}
}

func newEpisode() *episode {
	return &episode{done: make(chan struct{})}
}

func (e *episode) end(h *connHooks, cause error) {
	e.once.Do(func() {
		close(e.done)
		if cause != nil {
			h.emit(LifecycleEvent{Kind: EventError, Err: cause})
			return
		}
		h.emit(LifecycleEvent{Kind: EventClose})
	})
}

func (e *episode) ended() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
