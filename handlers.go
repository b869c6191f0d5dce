package gobox

// handlers.go holds the typed adapters around the Dispatcher registries.
//
// The socket is bidirectional and carries three kinds of traffic:
// - Storage → Client: notifications (syncEvent, storageInfo)
// - Client → Storage: queries (info, search, ...) answered with queryResponse
// - Storage → Client: queries the client must answer
//
// # Notification Dispatch
//
// Notifications are routed by event name to the listener registered with
// OnNotification. Unknown names are logged at warn level and dropped.
//
// Example notification flow:
//  1. Storage sends: {"event":"syncEvent","data":{"kind":"FILE_CREATED",...}}
//  2. Dispatcher.receive decodes the envelope, sees no _queryId
//  3. The listener for "syncEvent" runs on a worker goroutine
//
// # Query Dispatch
//
// Envelopes carrying a _queryId and an event other than queryResponse are
// queries from the peer. The registered QueryHandler's result is sent back as
// {"event":"queryResponse","data":<result>,"_queryId":<same id>}. Unknown
// names get {"error":"unknown query"}, handler errors get
// {"error":"<message>"} and panics get {"error":"internal handler error"}.
//
// # Thread Safety
//
// Registries are guarded by an RWMutex and may be changed while messages
// arrive. Listeners and handlers run concurrently, bounded by the worker
// budget set with WithHandlerWorkers.

import (
	"context"
	"encoding/json"
)

// Listen adapts a typed callback into a NotificationListener. Payloads that
// do not decode into P are ignored.
func Listen[P any](fn func(ctx context.Context, params P)) NotificationListener {
	return func(ctx context.Context, payload json.RawMessage) {
		var params P
		if !isNullPayload(payload) {
			if err := json.Unmarshal(payload, &params); err != nil {
				return
			}
		}
		fn(ctx, params)
	}
}

// Answer adapts a typed handler into a QueryHandler. Payloads that do not
// decode into P are answered with {"error":"invalid params"}.
func Answer[P, R any](fn func(ctx context.Context, params P) (R, error)) QueryHandler {
	return func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var params P
		if !isNullPayload(payload) {
			if err := json.Unmarshal(payload, &params); err != nil {
				return nil, NewHandlerFault("invalid params")
			}
		}
		result, err := fn(ctx, params)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
