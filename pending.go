package gobox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxIDAttempts bounds how many fresh ids SendQuery draws before giving up
// on a colliding id generator.
const maxIDAttempts = 3

var errIDCollision = errors.New("correlation id collision")

// Query is the caller's handle on an outstanding query. It completes exactly
// once: with the response payload, a TimeoutError, a CanceledError, or a
// TransportError when the connection drops.
type Query struct {
	id      string
	name    string
	created time.Time
	table   *pendingTable

	once    sync.Once
	done    chan struct{}
	payload json.RawMessage
	err     error

	timerMu sync.Mutex
	timer   clockwork.Timer
}

// ID returns the correlation id carried in the query envelope.
func (q *Query) ID() string { return q.id }

// Name returns the query event name.
func (q *Query) Name() string { return q.name }

// Created returns the time the query was registered.
func (q *Query) Created() time.Time { return q.created }

// Done is closed once the query has a result.
func (q *Query) Done() <-chan struct{} { return q.done }

// Result returns the settled payload and error. It is only meaningful once
// Done is closed.
func (q *Query) Result() (json.RawMessage, error) {
	select {
	case <-q.done:
		return q.payload, q.err
	default:
		return nil, nil
	}
}

// Wait blocks until the query completes or ctx is done. When ctx ends first
// the query is removed from the pending table, so a late response is dropped,
// and the result is a TimeoutError (deadline) or a CanceledError.
func (q *Query) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-q.done:
		return q.payload, q.err
	case <-ctx.Done():
	}

	var err error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = NewTimeoutError(fmt.Sprintf("query %s", q.name), ctx.Err())
	} else {
		err = NewCanceledError(fmt.Sprintf("query %s", q.name), ctx.Err())
	}
	q.table.settle(q.id, nil, err)

	// Either we settled it, or whoever took it first is settling it now.
	<-q.done
	return q.payload, q.err
}

// Then registers fn to run on its own goroutine once the query completes.
func (q *Query) Then(fn func(payload json.RawMessage, err error)) {
	go func() {
		<-q.done
		fn(q.payload, q.err)
	}()
}

// Cancel abandons the query. Waiters receive a CanceledError and a late
// response is dropped. Cancel after completion has no effect.
func (q *Query) Cancel() {
	q.table.settle(q.id, nil, NewCanceledError(fmt.Sprintf("query %s", q.name), context.Canceled))
}

// complete stores the result. It reports whether this call won.
func (q *Query) complete(payload json.RawMessage, err error) bool {
	won := false
	q.once.Do(func() {
		q.payload = payload
		q.err = err
		q.timerMu.Lock()
		if q.timer != nil {
			q.timer.Stop()
		}
		q.timerMu.Unlock()
		close(q.done)
		won = true
	})
	return won
}

// pendingTable is the correlation-id keyed set of outstanding queries.
// Settlement is take-then-settle: only the goroutine that removed an entry
// completes it.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*Query
	clock   clockwork.Clock
	newID   func() string
}

func newPendingTable(clock clockwork.Clock, newID func() string) *pendingTable {
	return &pendingTable{
		entries: make(map[string]*Query),
		clock:   clock,
		newID:   newID,
	}
}

// insert allocates a fresh id and registers a query under it. Generation and
// insertion happen in one critical section.
func (t *pendingTable) insert(name string) (*Query, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := t.newID()
		if id == "" {
			continue
		}
		if _, exists := t.entries[id]; exists {
			continue
		}
		q := &Query{
			id:      id,
			name:    name,
			created: t.clock.Now(),
			table:   t,
			done:    make(chan struct{}),
		}
		t.entries[id] = q
		return q, nil
	}
	return nil, NewProtocolError(fmt.Sprintf("allocate id for %s", name), errIDCollision)
}

// arm starts the timeout timer for q. A zero or negative d disables it.
func (t *pendingTable) arm(q *Query, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := t.clock.AfterFunc(d, func() {
		t.settle(q.id, nil, NewTimeoutError(fmt.Sprintf("query %s", q.name), fmt.Errorf("no response after %s", d)))
	})
	q.timerMu.Lock()
	q.timer = timer
	q.timerMu.Unlock()

	// The query may have completed before the timer was stored.
	select {
	case <-q.done:
		timer.Stop()
	default:
	}
}

func (t *pendingTable) take(id string) (*Query, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return q, ok
}

// settle removes the entry for id and completes it. It reports false when no
// such entry exists, i.e. the query was already settled or never existed.
func (t *pendingTable) settle(id string, payload json.RawMessage, err error) bool {
	q, ok := t.take(id)
	if !ok {
		return false
	}
	return q.complete(payload, err)
}

// failAll completes every outstanding query with err and returns how many
// were failed.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*Query)
	t.mu.Unlock()

	n := 0
	for _, q := range entries {
		if q.complete(nil, err) {
			n++
		}
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
