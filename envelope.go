package gobox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Reserved event names.
const (
	// EventQueryResponse marks an envelope as the response to a query.
	EventQueryResponse = "queryResponse"

	// Lifecycle events reported by a Connection. They never travel on the wire.
	EventOpen  = "open"
	EventError = "error"
	EventClose = "close"

	// EventStorageInfo is the readiness announcement sent by the server.
	EventStorageInfo = "storageInfo"

	// EventSync carries a SyncEvent pushed by the storage.
	EventSync = "syncEvent"
)

// Envelope is one wire message unit.
type Envelope struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"data,omitempty"`
	QueryID string          `json:"_queryId,omitempty"`
}

// IsQuery reports whether the envelope carries a correlation id, i.e. it is a
// query or the response to one.
func (e Envelope) IsQuery() bool {
	return e.QueryID != ""
}

// IsResponse reports whether the envelope answers a query.
func (e Envelope) IsResponse() bool {
	return e.IsQuery() && e.Name == EventQueryResponse
}

var (
	errMissingEvent     = errors.New("missing event name")
	errUnexpectedIDType = errors.New("unexpected query id type")
)

// EncodeEnvelope serializes env to its wire representation.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Name == "" {
		return nil, NewProtocolError("encode envelope", errMissingEvent)
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, NewProtocolError("encode envelope", err)
	}
	return data, nil
}

// NewEnvelope builds an envelope whose payload is the JSON encoding of v.
func NewEnvelope(name string, v interface{}, queryID string) (Envelope, error) {
	payload, err := marshalPayload(v)
	if err != nil {
		return Envelope{}, NewProtocolError(fmt.Sprintf("marshal %s payload", name), err)
	}
	return Envelope{Name: name, Payload: payload, QueryID: queryID}, nil
}

// DecodeEnvelope parses a wire frame. A frame without an event name, or with
// a correlation id that is neither a string nor a number, is a ProtocolError.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Event   *string         `json:"event"`
		Data    json.RawMessage `json:"data"`
		QueryID json.RawMessage `json:"_queryId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, NewProtocolError("decode envelope", err)
	}
	if raw.Event == nil || *raw.Event == "" {
		return Envelope{}, NewProtocolError("decode envelope", errMissingEvent)
	}
	id, err := normalizeQueryID(raw.QueryID)
	if err != nil {
		return Envelope{}, NewProtocolError("decode envelope", err)
	}
	return Envelope{Name: *raw.Event, Payload: raw.Data, QueryID: id}, nil
}

// normalizeQueryID turns the raw _queryId value into the string key used by
// the pending table. Absent and null ids yield "". Numbers are formatted
// without exponent so that 12 and 12.0 match the same entry.
func normalizeQueryID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch id := v.(type) {
	case string:
		return id, nil
	case json.Number:
		if i, err := id.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := id.Float64()
		if err != nil {
			return "", err
		}
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %T", errUnexpectedIDType, v)
	}
}

// marshalPayload encodes v as envelope data. A json.RawMessage passes through
// untouched; nil encodes as null.
func marshalPayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// isNullPayload reports whether a payload is absent or JSON null.
func isNullPayload(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	return len(p) == 0 || string(p) == "null"
}
