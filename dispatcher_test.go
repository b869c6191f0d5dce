package gobox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	gobox "github.com/dominicnunez/gobox-sdk-go"
)

func newTestLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

// hasLog reports whether hook recorded msg at level.
func hasLog(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Level == level && entry.Message == msg {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T, opts ...gobox.DispatcherOption) (*gobox.Dispatcher, *MockConnection, *test.Hook) {
	t.Helper()
	mock := NewMockConnection()
	log, hook := newTestLogger()
	opts = append([]gobox.DispatcherOption{gobox.WithDispatcherLogger(log)}, opts...)
	d := gobox.NewDispatcher(mock, opts...)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect() })
	return d, mock, hook
}

func TestConcurrentQueriesGetTheirOwnResponse(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)
	ctx := context.Background()

	const n = 32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			var res struct {
				N int `json:"n"`
			}
			if err := d.Call(ctx, "info", map[string]int{"n": i}, &res); err != nil {
				return err
			}
			if res.N != i {
				return fmt.Errorf("query %d received the response for %d", i, res.N)
			}
			return nil
		})
	}

	envs := make([]gobox.Envelope, 0, n)
	for i := 0; i < n; i++ {
		envs = append(envs, mock.NextSent(t))
	}
	ids := make(map[string]bool)
	for i := len(envs) - 1; i >= 0; i-- {
		env := envs[i]
		ids[env.QueryID] = true
		mock.Inject(envelopeJSON(gobox.EventQueryResponse, decodeData(t, env), env.QueryID))
	}

	require.NoError(t, g.Wait())
	assert.Len(t, ids, n, "every query carries a distinct id")
	assert.Equal(t, 0, d.Pending())
}

func TestInfoQueryScenario(t *testing.T) {
	d, mock, _ := newTestDispatcher(t, gobox.WithIDGenerator(func() string { return "abc" }))

	type result struct {
		Found bool        `json:"found"`
		File  *gobox.File `json:"file"`
	}
	done := make(chan result, 1)
	errs := make(chan error, 1)
	go func() {
		var res result
		if err := d.Call(context.Background(), "info", map[string]int{"id": 1}, &res); err != nil {
			errs <- err
			return
		}
		done <- res
	}()

	sent := mock.NextSent(t)
	assert.Equal(t, "info", sent.Name)
	assert.Equal(t, "abc", sent.QueryID)
	assert.JSONEq(t, `{"id":1}`, string(sent.Payload))

	mock.Inject(`{"event":"queryResponse","data":{"found":true,"file":{"ID":1,"fatherID":0,"isDirectory":true}},"_queryId":"abc"}`)

	select {
	case res := <-done:
		assert.True(t, res.Found)
		require.NotNil(t, res.File)
		assert.Equal(t, gobox.RootID, res.File.ID)
		assert.True(t, res.File.IsDirectory)
	case err := <-errs:
		t.Fatalf("call failed: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("call never completed")
	}
}

func TestResponseWithUnknownIDIsDropped(t *testing.T) {
	d, mock, hook := newTestDispatcher(t)

	q, err := d.SendQuery(context.Background(), "search", nil)
	require.NoError(t, err)
	mock.NextSent(t)

	mock.Inject(envelopeJSON(gobox.EventQueryResponse, map[string]int{"x": 1}, "not-"+q.ID()))
	assert.True(t, hasLog(hook, logrus.WarnLevel, "Dropping response to unknown query"))
	assert.Equal(t, 1, d.Pending())
	select {
	case <-q.Done():
		t.Fatal("query settled by a foreign response")
	default:
	}

	mock.Inject(envelopeJSON(gobox.EventQueryResponse, map[string]int{"x": 2}, q.ID()))
	payload, err := q.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":2}`, string(payload))
}

func TestMalformedFrameIsDropped(t *testing.T) {
	d, mock, hook := newTestDispatcher(t)

	mock.Inject(`{not json`)
	mock.Inject(`{"data":{}}`)
	assert.True(t, hasLog(hook, logrus.WarnLevel, "Dropping malformed frame"))

	got := make(chan struct{}, 1)
	d.OnNotification("ping", func(context.Context, json.RawMessage) { got <- struct{}{} })
	mock.Inject(envelopeJSON("ping", nil, ""))
	waitFor(t, got)
}

func TestNotificationReachesListenerWithoutReply(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	got := make(chan json.RawMessage, 4)
	d.OnNotification(gobox.EventSync, func(_ context.Context, payload json.RawMessage) {
		got <- payload
	})

	mock.Inject(`{"event":"syncEvent","data":{"ID":7,"kind":"FILE_CREATED"}}`)

	payload := waitFor(t, got)
	assert.JSONEq(t, `{"ID":7,"kind":"FILE_CREATED"}`, string(payload))
	select {
	case <-got:
		t.Fatal("listener invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
	mock.NoneSent(t, 50*time.Millisecond)
}

func TestRegistrationReplacesPreviousListener(t *testing.T) {
	d, mock, hook := newTestDispatcher(t)

	var oldCalls, newCalls int32
	newCalled := make(chan struct{}, 1)
	d.OnNotification("syncEvent", func(context.Context, json.RawMessage) { atomic.AddInt32(&oldCalls, 1) })
	d.OnNotification("syncEvent", func(context.Context, json.RawMessage) {
		atomic.AddInt32(&newCalls, 1)
		newCalled <- struct{}{}
	})

	mock.Inject(envelopeJSON("syncEvent", map[string]int{"ID": 1}, ""))
	waitFor(t, newCalled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&oldCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&newCalls))

	d.OnNotification("syncEvent", nil)
	mock.Inject(envelopeJSON("syncEvent", map[string]int{"ID": 2}, ""))
	assert.True(t, hasLog(hook, logrus.WarnLevel, "Unhandled event"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&newCalls))
}

func TestRegistrationReplacesPreviousHandler(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	d.OnQuery("ping", func(context.Context, json.RawMessage) (interface{}, error) { return "old", nil })
	d.OnQuery("ping", func(context.Context, json.RawMessage) (interface{}, error) { return "new", nil })

	mock.Inject(envelopeJSON("ping", nil, "p1"))
	resp := mock.NextSent(t)
	assert.Equal(t, `"new"`, string(resp.Payload))
}

func TestUnknownInboundQuery(t *testing.T) {
	_, mock, hook := newTestDispatcher(t)

	mock.Inject(`{"event":"createFolder","data":{"name":"docs"},"_queryId":"x1"}`)

	resp := mock.NextSent(t)
	assert.Equal(t, gobox.EventQueryResponse, resp.Name)
	assert.Equal(t, "x1", resp.QueryID)
	assert.JSONEq(t, `{"error":"unknown query"}`, string(resp.Payload))
	assert.True(t, hasLog(hook, logrus.WarnLevel, "Unknown query"))
}

func TestInboundQueryHandlerOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		handler gobox.QueryHandler
		want    string
	}{
		{
			name: "result",
			handler: func(_ context.Context, payload json.RawMessage) (interface{}, error) {
				return map[string]json.RawMessage{"echo": payload}, nil
			},
			want: `{"echo":{"v":1}}`,
		},
		{
			name: "error",
			handler: func(context.Context, json.RawMessage) (interface{}, error) {
				return nil, errors.New("disk full")
			},
			want: `{"error":"disk full"}`,
		},
		{
			name: "fault",
			handler: func(context.Context, json.RawMessage) (interface{}, error) {
				return nil, fmt.Errorf("wrapped: %w", gobox.NewHandlerFault("quota exceeded"))
			},
			want: `{"error":"quota exceeded"}`,
		},
		{
			name: "panic",
			handler: func(context.Context, json.RawMessage) (interface{}, error) {
				panic("boom")
			},
			want: `{"error":"internal handler error"}`,
		},
		{
			name: "unencodable result",
			handler: func(context.Context, json.RawMessage) (interface{}, error) {
				return make(chan int), nil
			},
			want: `{"error":"internal handler error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mock, _ := newTestDispatcher(t)
			d.OnQuery("work", tt.handler)

			mock.Inject(`{"event":"work","data":{"v":1},"_queryId":"w1"}`)

			resp := mock.NextSent(t)
			assert.Equal(t, gobox.EventQueryResponse, resp.Name)
			assert.Equal(t, "w1", resp.QueryID)
			assert.JSONEq(t, tt.want, string(resp.Payload))
		})
	}
}

func TestPanicIsReportedAndDispatchContinues(t *testing.T) {
	d, mock, hook := newTestDispatcher(t)

	panics := make(chan any, 2)
	d.OnPanic(func(v any) { panics <- v })
	d.OnNotification("bad", func(context.Context, json.RawMessage) { panic("listener broke") })
	d.OnQuery("ok", func(context.Context, json.RawMessage) (interface{}, error) { return true, nil })

	mock.Inject(envelopeJSON("bad", nil, ""))
	assert.Equal(t, "listener broke", waitFor(t, panics))
	assert.True(t, hasLog(hook, logrus.ErrorLevel, "Recovered from handler panic"))

	mock.Inject(envelopeJSON("ok", nil, "q1"))
	resp := mock.NextSent(t)
	assert.Equal(t, "true", string(resp.Payload))
}

func TestTypedAdapters(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	type renameParams struct {
		ID      int64  `json:"ID"`
		NewName string `json:"newName"`
	}
	type renameResult struct {
		Success bool `json:"success"`
	}
	d.OnQuery("rename", gobox.Answer(func(_ context.Context, p renameParams) (renameResult, error) {
		if p.NewName == "" {
			return renameResult{}, gobox.NewHandlerFault("empty name")
		}
		return renameResult{Success: true}, nil
	}))

	events := make(chan gobox.SyncEvent, 1)
	d.OnNotification(gobox.EventSync, gobox.Listen(func(_ context.Context, ev gobox.SyncEvent) {
		events <- ev
	}))

	mock.Inject(`{"event":"rename","data":{"ID":4,"newName":"b.txt"},"_queryId":"r1"}`)
	assert.JSONEq(t, `{"success":true}`, string(mock.NextSent(t).Payload))

	mock.Inject(`{"event":"rename","data":{"ID":4},"_queryId":"r2"}`)
	assert.JSONEq(t, `{"error":"empty name"}`, string(mock.NextSent(t).Payload))

	mock.Inject(`{"event":"rename","data":"nonsense","_queryId":"r3"}`)
	assert.JSONEq(t, `{"error":"invalid params"}`, string(mock.NextSent(t).Payload))

	mock.Inject(`{"event":"syncEvent","data":{"ID":9,"kind":"FILE_DELETED","file":{"ID":5,"name":"a"}}}`)
	ev := waitFor(t, events)
	assert.Equal(t, int64(9), ev.ID)
	assert.Equal(t, gobox.FileDeleted, ev.Kind)
	assert.Equal(t, "a", ev.File.Name)
}

func TestHandlerWorkerBudget(t *testing.T) {
	d, mock, _ := newTestDispatcher(t, gobox.WithHandlerWorkers(1))

	release := make(chan struct{})
	var running, maxRunning int32
	finished := make(chan struct{}, 3)
	d.OnNotification("slow", func(context.Context, json.RawMessage) {
		now := atomic.AddInt32(&running, 1)
		for {
			prev := atomic.LoadInt32(&maxRunning)
			if now <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, now) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		finished <- struct{}{}
	})

	// The receive path must not block even though every worker is busy.
	injected := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			mock.Inject(envelopeJSON("slow", nil, ""))
		}
		close(injected)
	}()
	waitFor(t, injected)

	close(release)
	for i := 0; i < 3; i++ {
		waitFor(t, finished)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestSendNotification(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	require.NoError(t, d.SendNotification(context.Background(), "getEventsList", map[string]int{"ID": 41}))

	env := mock.NextSent(t)
	assert.Equal(t, "getEventsList", env.Name)
	assert.Empty(t, env.QueryID)
	assert.JSONEq(t, `{"ID":41}`, string(env.Payload))
}

func TestSendFailureRemovesQuery(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)
	mock.SetSendError(errors.New("broken pipe"))

	_, err := d.SendQuery(context.Background(), "info", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &gobox.TransportError{}))
	assert.Equal(t, 0, d.Pending())

	err = d.SendNotification(context.Background(), "getEventsList", nil)
	assert.True(t, errors.Is(err, &gobox.TransportError{}))
}

func TestQueryTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, mock, hook := newTestDispatcher(t, gobox.WithClock(clock), gobox.WithQueryTimeout(3*time.Second))

	q, err := d.SendQuery(context.Background(), "info", nil)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), q.Created())

	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)

	_, err = q.Wait(context.Background())
	assert.True(t, errors.Is(err, &gobox.TimeoutError{}), "got %v", err)
	assert.Equal(t, 0, d.Pending())

	mock.Inject(envelopeJSON(gobox.EventQueryResponse, map[string]bool{"found": true}, q.ID()))
	assert.True(t, hasLog(hook, logrus.WarnLevel, "Dropping response to unknown query"))
}

func TestCallResultDecoding(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)
	mock.SetResponder(func(env gobox.Envelope) (interface{}, bool) {
		switch env.Name {
		case "null":
			return nil, true
		case "text":
			return "just text", true
		}
		return map[string]bool{"ok": true}, true
	})
	ctx := context.Background()

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, d.Call(ctx, "obj", nil, &out))
	assert.True(t, out.OK)

	err := d.Call(ctx, "null", nil, &out)
	assert.True(t, errors.Is(err, gobox.ErrEmptyResult))

	require.NoError(t, d.Call(ctx, "null", nil, nil), "a nil result discards the payload")

	err = d.Call(ctx, "text", nil, &out)
	assert.True(t, errors.Is(err, &gobox.ProtocolError{}))
}

func TestConnectionLossFailsEveryPendingQueryOnce(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	pendingAtObserver := make(chan int, 1)
	d.OnLifecycle(func(ev gobox.LifecycleEvent) {
		if ev.Kind != gobox.EventOpen {
			pendingAtObserver <- d.Pending()
		}
	})

	const n = 10
	queries := make([]*gobox.Query, 0, n)
	for i := 0; i < n; i++ {
		q, err := d.SendQuery(context.Background(), "info", nil)
		require.NoError(t, err)
		queries = append(queries, q)
	}

	var mu sync.Mutex
	settled := make(map[string]int)
	var wg sync.WaitGroup
	for _, q := range queries {
		q := q
		wg.Add(1)
		q.Then(func(_ json.RawMessage, err error) {
			defer wg.Done()
			assert.True(t, errors.Is(err, &gobox.TransportError{}), "got %v", err)
			mu.Lock()
			settled[q.ID()]++
			mu.Unlock()
		})
	}

	mock.Drop(errors.New("connection reset"))
	assert.Equal(t, 0, waitFor(t, pendingAtObserver), "queries fail before the observer runs")

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	waitFor(t, waitCh)

	assert.Len(t, settled, n)
	for id, count := range settled {
		assert.Equal(t, 1, count, "query %s", id)
	}
}

func TestDisconnectCancelsHandlerContext(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	ctxs := make(chan context.Context, 1)
	d.OnNotification("hello", func(ctx context.Context, _ json.RawMessage) { ctxs <- ctx })
	mock.Inject(envelopeJSON("hello", nil, ""))
	ctx := waitFor(t, ctxs)
	require.NoError(t, ctx.Err())

	require.NoError(t, d.Disconnect())
	assert.Error(t, ctx.Err())
	require.NoError(t, d.Disconnect(), "disconnect is idempotent")

	require.NoError(t, d.Connect(context.Background()))
	mock.Inject(envelopeJSON("hello", nil, ""))
	assert.NoError(t, waitFor(t, ctxs).Err(), "a new connection gets a live context")
}

// blockingListener registers a listener on name that waits for release and
// reports each finished call on the returned channel.
func blockingListener(d *gobox.Dispatcher, name string, release <-chan struct{}) <-chan struct{} {
	finished := make(chan struct{}, 8)
	d.OnNotification(name, func(context.Context, json.RawMessage) {
		<-release
		finished <- struct{}{}
	})
	return finished
}

func TestHandlerBacklogBoundsReceive(t *testing.T) {
	d, mock, hook := newTestDispatcher(t, gobox.WithHandlerWorkers(1), gobox.WithHandlerBacklog(1))
	release := make(chan struct{})
	finished := blockingListener(d, "slow", release)

	// One running, one waiting for the worker.
	mock.Inject(envelopeJSON("slow", nil, ""))
	mock.Inject(envelopeJSON("slow", nil, ""))

	injected := make(chan struct{})
	go func() {
		mock.Inject(envelopeJSON("slow", nil, ""))
		close(injected)
	}()
	select {
	case <-injected:
		t.Fatal("receive did not wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Eventually(t, func() bool {
		return hasLog(hook, logrus.WarnLevel, "Handler backlog full, waiting for a worker")
	}, waitTimeout, time.Millisecond)

	close(release)
	waitFor(t, injected)
	for i := 0; i < 3; i++ {
		waitFor(t, finished)
	}
}

func TestHandlerBacklogWaitEndsWithConnection(t *testing.T) {
	d, mock, hook := newTestDispatcher(t, gobox.WithHandlerWorkers(1), gobox.WithHandlerBacklog(0))
	release := make(chan struct{})
	defer close(release)
	blockingListener(d, "slow", release)

	mock.Inject(envelopeJSON("slow", nil, ""))
	injected := make(chan struct{})
	go func() {
		mock.Inject(envelopeJSON("slow", nil, ""))
		close(injected)
	}()
	assert.Eventually(t, func() bool {
		return hasLog(hook, logrus.WarnLevel, "Handler backlog full, waiting for a worker")
	}, waitTimeout, time.Millisecond)

	mock.Drop(errors.New("connection reset"))
	waitFor(t, injected)
	assert.True(t, hasLog(hook, logrus.WarnLevel, "Dropping message, connection ended"))
}

func TestConnectionLossCancelsHandlerContext(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	ctxs := make(chan context.Context, 1)
	d.OnNotification("hello", func(ctx context.Context, _ json.RawMessage) { ctxs <- ctx })
	mock.Inject(envelopeJSON("hello", nil, ""))
	ctx := waitFor(t, ctxs)
	require.NoError(t, ctx.Err())

	mock.Drop(errors.New("connection reset"))
	assert.Error(t, ctx.Err(), "a dropped connection ends running handlers")

	require.NoError(t, d.Connect(context.Background()))
	mock.Inject(envelopeJSON("hello", nil, ""))
	assert.NoError(t, waitFor(t, ctxs).Err())
}

func TestQueryTimeoutCoversSlowSend(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, mock, _ := newTestDispatcher(t, gobox.WithClock(clock), gobox.WithQueryTimeout(time.Second))

	sending := make(chan struct{})
	unblock := make(chan struct{})
	mock.SetResponder(func(gobox.Envelope) (interface{}, bool) {
		close(sending)
		<-unblock
		return nil, false
	})

	queries := make(chan *gobox.Query, 1)
	go func() {
		q, err := d.SendQuery(context.Background(), "info", nil)
		assert.NoError(t, err)
		queries <- q
	}()

	waitFor(t, sending)
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	close(unblock)

	q := waitFor(t, queries)
	_, err := q.Wait(context.Background())
	assert.True(t, errors.Is(err, &gobox.TimeoutError{}), "got %v", err)
	assert.Equal(t, 0, d.Pending())
}
