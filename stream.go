package gobox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// DialFunc opens the byte stream used by a StreamConn.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamConn implements Connection with newline-delimited frames over any
// io.ReadWriteCloser: a unix socket to a local storage, a TCP socket, or an
// in-memory pipe.
type StreamConn struct {
	connHooks

	dial DialFunc
	log  *logrus.Entry

	mu     sync.Mutex
	rw     io.ReadWriteCloser
	ep     *episode
	opened bool

	writeMu sync.Mutex
}

// NewStreamConn creates a stream connection that calls dial on Connect.
func NewStreamConn(dial DialFunc, log *logrus.Entry) *StreamConn {
	if log == nil {
		log = defaultLogger()
	}
	return &StreamConn{dial: dial, log: log}
}

// NetDialer returns a DialFunc dialing network/address, e.g. "unix" and a
// socket path.
func NetDialer(network, address string) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
}

// Connect opens the stream and starts the read loop.
func (s *StreamConn) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return NewTransportError("connect", errAlreadyOpen)
	}
	s.opened = true
	s.mu.Unlock()

	rw, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.opened = false
		s.mu.Unlock()
		return NewTransportError("connect", err)
	}

	ep := newEpisode()
	s.mu.Lock()
	s.rw = rw
	s.ep = ep
	s.mu.Unlock()

	s.log.Info("Stream connection established")
	s.emit(LifecycleEvent{Kind: EventOpen})
	go s.readLoop(rw, ep)
	return nil
}

// Send writes data followed by a newline, handling short writes.
func (s *StreamConn) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	rw, ep := s.rw, s.ep
	s.mu.Unlock()
	if rw == nil || ep.ended() {
		s.log.Warn("Dropping outbound frame: stream not open")
		return NewTransportError("send", errNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return NewTransportError("send", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Re-check after acquiring the lock: Disconnect may have run while we
	// were waiting on writeMu.
	if ep.ended() {
		return NewTransportError("send", errNotOpen)
	}
	if err := writeFull(rw, data); err != nil {
		return NewTransportError("send", err)
	}
	if err := writeFull(rw, []byte{'\n'}); err != nil {
		return NewTransportError("send", err)
	}
	return nil
}

// Disconnect closes the stream. Safe to call multiple times.
func (s *StreamConn) Disconnect() error {
	s.mu.Lock()
	rw, ep := s.rw, s.ep
	s.rw = nil
	s.opened = false
	s.mu.Unlock()

	if rw == nil {
		return nil
	}
	// End the episode first so the read loop sees a local close, not an error.
	ep.end(&s.connHooks, nil)
	err := rw.Close()
	s.log.Info("Stream disconnected")
	if err != nil {
		return NewTransportError("disconnect", err)
	}
	return nil
}

func (s *StreamConn) readLoop(rw io.ReadWriteCloser, ep *episode) {
	const initialBufferSize = 64 * 1024 // 64KB
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, initialBufferSize), maxFrameSize)
	for scanner.Scan() {
		if ep.ended() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; handlers may retain the frame.
		frame := make([]byte, len(line))
		copy(frame, line)
		s.deliver(frame)
	}

	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		err = fmt.Errorf("frame exceeded %d byte limit: %w", maxFrameSize, err)
	}
	s.finish(rw, ep, err)
}

func (s *StreamConn) finish(rw io.ReadWriteCloser, ep *episode, cause error) {
	s.mu.Lock()
	if s.rw == rw {
		s.rw = nil
		s.opened = false
	}
	s.mu.Unlock()
	_ = rw.Close()

	if ep.ended() {
		return
	}
	if cause != nil {
		s.log.WithError(cause).Warn("Stream error")
	} else {
		s.log.Info("Stream closed by peer")
	}
	ep.end(&s.connHooks, cause)
}

func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("writer returned zero bytes written without error")
		}
		data = data[n:]
	}
	return nil
}
