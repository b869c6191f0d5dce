package gobox

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned by Client.Init when the client is not in
	// the NotReady state.
	ErrAlreadyConnected = errors.New("client already connected")

	// ErrNotConnected is returned by Client.Shutdown when the client is not ready.
	ErrNotConnected = errors.New("client not connected")

	// ErrNotReady is returned by file operations invoked before the storage
	// handshake completed.
	ErrNotReady = errors.New("client not ready")

	// ErrEmptyResult indicates the storage answered a query with a null payload
	// where the caller expected a value.
	ErrEmptyResult = errors.New("storage returned empty result")

	// ErrFileNotFound is returned by Client.Info when the storage has no file
	// matching the reference.
	ErrFileNotFound = errors.New("file not found")

	// ErrIsDirectory is returned when file content is requested for a folder.
	ErrIsDirectory = errors.New("file is a folder")

	errNotOpen = errors.New("connection not open")
)

// TransportError wraps IO/connection failures: a failed open, a failed send,
// or the connection dropping while queries were outstanding.
type TransportError struct {
	msg   string
	cause error
}

// NewTransportError creates a new TransportError with a message and optional cause.
func NewTransportError(msg string, cause error) *TransportError {
	return &TransportError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transport error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("transport error: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *TransportError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all TransportError instances.
func (e *TransportError) Is(target error) bool {
	_, ok := target.(*TransportError)
	return ok
}

// TimeoutError reports a query that received no response before its deadline.
type TimeoutError struct {
	msg   string
	cause error
}

// NewTimeoutError creates a new TimeoutError with the given message and cause.
func NewTimeoutError(msg string, cause error) *TimeoutError {
	return &TimeoutError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("timeout error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("timeout error: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *TimeoutError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all TimeoutError instances.
// All timeouts are semantically equivalent.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// CanceledError represents an explicit context cancellation by the caller
// waiting on a query. Distinct from TimeoutError which is deadline-driven.
type CanceledError struct {
	msg   string
	cause error
}

// NewCanceledError creates a new CanceledError with the given message and cause.
func NewCanceledError(msg string, cause error) *CanceledError {
	return &CanceledError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *CanceledError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("canceled: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("canceled: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *CanceledError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all CanceledError instances.
func (e *CanceledError) Is(target error) bool {
	_, ok := target.(*CanceledError)
	return ok
}

// ProtocolError reports a frame that could not be decoded as an envelope, or
// an envelope that violates the protocol (for example a correlation id that
// cannot be allocated).
type ProtocolError struct {
	msg   string
	cause error
}

// NewProtocolError creates a new ProtocolError with the given message and cause.
func NewProtocolError(msg string, cause error) *ProtocolError {
	return &ProtocolError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("protocol error: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *ProtocolError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all ProtocolError instances.
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

// HandlerFault is the fault payload sent back to the peer when an inbound
// query cannot be answered. It travels as response data and is never raised
// locally by the dispatcher.
//
// Query handlers may also return a *HandlerFault to control the message the
// peer receives.
type HandlerFault struct {
	Message string `json:"error"`
}

// NewHandlerFault creates a HandlerFault carrying msg.
func NewHandlerFault(msg string) *HandlerFault {
	return &HandlerFault{Message: msg}
}

// Error implements the error interface.
func (f *HandlerFault) Error() string {
	return fmt.Sprintf("handler fault: %s", f.Message)
}

// QueryError is returned when the storage answers a query with
// {"success": false, "error": "..."}.
type QueryError struct {
	Query   string
	Message string
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %s", e.Query, e.Message)
}
