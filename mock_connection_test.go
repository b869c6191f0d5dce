package gobox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gobox "github.com/dominicnunez/gobox-sdk-go"
)

// waitTimeout bounds every wait on asynchronous dispatch in the tests.
const waitTimeout = 2 * time.Second

// MockConnection is a test implementation of the Connection interface that
// records sent frames and allows injecting inbound frames and lifecycle
// events.
type MockConnection struct {
	mu sync.Mutex

	sent        [][]byte
	sentCh      chan gobox.Envelope
	onMessage   gobox.MessageHandler
	onLifecycle gobox.LifecycleHandler

	open        bool
	connects    int
	disconnects int

	connectErr error
	sendErr    error

	// handshake, when set, is announced as a storageInfo notification right
	// after Connect.
	handshake *bool

	// responder, when set, answers every sent query.
	responder func(env gobox.Envelope) (interface{}, bool)
}

// NewMockConnection creates a closed MockConnection.
func NewMockConnection() *MockConnection {
	return &MockConnection{sentCh: make(chan gobox.Envelope, 256)}
}

// Connect implements Connection.Connect.
func (m *MockConnection) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connectErr != nil {
		err := m.connectErr
		m.mu.Unlock()
		return gobox.NewTransportError("connect", err)
	}
	m.open = true
	m.connects++
	handshake := m.handshake
	m.mu.Unlock()

	m.emit(gobox.LifecycleEvent{Kind: gobox.EventOpen})
	if handshake != nil {
		connected := *handshake
		go m.Inject(envelopeJSON(gobox.EventStorageInfo, map[string]bool{"connected": connected}, ""))
	}
	return nil
}

// Send implements Connection.Send by recording the frame.
func (m *MockConnection) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return gobox.NewTransportError("send", errors.New("connection not open"))
	}
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return gobox.NewTransportError("send", err)
	}
	frame := append([]byte(nil), data...)
	m.sent = append(m.sent, frame)
	responder := m.responder
	m.mu.Unlock()

	env, err := gobox.DecodeEnvelope(frame)
	if err != nil {
		return nil
	}
	select {
	case m.sentCh <- env:
	default:
	}
	if responder != nil && env.IsQuery() && !env.IsResponse() {
		if result, ok := responder(env); ok {
			go m.Inject(envelopeJSON(gobox.EventQueryResponse, result, env.QueryID))
		}
	}
	return nil
}

// Disconnect implements Connection.Disconnect. Only the first call after a
// Connect reports EventClose.
func (m *MockConnection) Disconnect() error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = false
	m.disconnects++
	m.mu.Unlock()

	m.emit(gobox.LifecycleEvent{Kind: gobox.EventClose})
	return nil
}

// OnMessage implements Connection.OnMessage.
func (m *MockConnection) OnMessage(handler gobox.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = handler
}

// OnLifecycle implements Connection.OnLifecycle.
func (m *MockConnection) OnLifecycle(handler gobox.LifecycleHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLifecycle = handler
}

// Inject delivers an inbound frame as if the peer had sent it.
func (m *MockConnection) Inject(frame string) {
	m.mu.Lock()
	handler := m.onMessage
	m.mu.Unlock()
	if handler != nil {
		handler([]byte(frame))
	}
}

// Drop simulates the peer going away. A nil cause reports EventClose.
func (m *MockConnection) Drop(cause error) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return
	}
	m.open = false
	m.mu.Unlock()

	if cause != nil {
		m.emit(gobox.LifecycleEvent{Kind: gobox.EventError, Err: cause})
		return
	}
	m.emit(gobox.LifecycleEvent{Kind: gobox.EventClose})
}

// SetConnectError makes Connect fail with err.
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError makes Send fail with err.
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetHandshake announces storageInfo{connected} after every Connect.
func (m *MockConnection) SetHandshake(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshake = &connected
}

// SetResponder answers each sent query with the value fn returns.
func (m *MockConnection) SetResponder(fn func(env gobox.Envelope) (interface{}, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

// Sent returns a copy of every frame sent so far.
func (m *MockConnection) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// Disconnects returns how many times Disconnect closed the connection.
func (m *MockConnection) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// IsOpen reports whether the connection is open.
func (m *MockConnection) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// NextSent waits for the next sent envelope.
func (m *MockConnection) NextSent(t *testing.T) gobox.Envelope {
	t.Helper()
	select {
	case env := <-m.sentCh:
		return env
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a sent envelope")
		return gobox.Envelope{}
	}
}

// NoneSent asserts nothing is sent within d.
func (m *MockConnection) NoneSent(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env := <-m.sentCh:
		t.Fatalf("unexpected envelope sent: %+v", env)
	case <-time.After(d):
	}
}

func (m *MockConnection) emit(ev gobox.LifecycleEvent) {
	m.mu.Lock()
	handler := m.onLifecycle
	m.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// envelopeJSON builds a wire frame. An empty id produces a notification.
func envelopeJSON(name string, data interface{}, id string) string {
	env := map[string]interface{}{"event": name, "data": data}
	if id != "" {
		env["_queryId"] = id
	}
	out, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return string(out)
}

// decodeData unmarshals the payload of env into a generic map.
func decodeData(t *testing.T, env gobox.Envelope) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}

// waitFor fails the test if ch is not closed or written within waitTimeout.
func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}
