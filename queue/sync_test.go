package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"corsgate/client"
	"corsgate/formats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	reqs []client.Request
	fn   func(client.Request) error
}

func (f *fakeSender) Do(ctx context.Context, req client.Request) (*client.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(req); err != nil {
			return nil, err
		}
	}
	return &client.Response{StatusCode: http.StatusOK}, nil
}

func (f *fakeSender) requests() []client.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.Request(nil), f.reqs...)
}

var testEndpoints = map[string]Endpoint{
	"bed-reservation": {URL: "https://registry.example.org/reservations"},
	"bed-release":     {URL: "https://registry.example.org/releases", Method: http.MethodPut},
}

func newTestSyncer(t *testing.T, sender Sender, conn Connectivity) (*Syncer, *Queue) {
	t.Helper()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), nil)
	t.Cleanup(func() { q.Close() })
	return NewSyncer(SyncerConfig{
		Queue:        q,
		Sender:       sender,
		Endpoints:    testEndpoints,
		Connectivity: conn,
	}), q
}

func enqueueN(t *testing.T, q *Queue, n int) []Mutation {
	t.Helper()
	var out []Mutation
	for i := range n {
		m, err := q.Enqueue(context.Background(), "bed-reservation", map[string]int{"n": i})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestSyncReplaysInOrderAndClears(t *testing.T) {
	sender := &fakeSender{}
	s, q := newTestSyncer(t, sender, nil)
	ctx := context.Background()

	reserved, err := q.Enqueue(ctx, "bed-reservation", map[string]int{"bed": 1})
	require.NoError(t, err)
	released, err := q.Enqueue(ctx, "bed-release", map[string]int{"bed": 2})
	require.NoError(t, err)

	pass, err := s.SyncPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Synced)
	assert.Len(t, pass.Items, 2)
	assert.False(t, s.InProgress())

	reqs := sender.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "https://registry.example.org/reservations", reqs[0].URL)
	assert.Equal(t, reserved.ID, reqs[0].Header.Get(MutationIDHeader))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"bed":1}`, string(reqs[0].Body))
	assert.Equal(t, http.MethodPut, reqs[1].Method)
	assert.Equal(t, released.ID, reqs[1].Header.Get(MutationIDHeader))

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncIsSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	sender := &fakeSender{fn: func(client.Request) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	s, q := newTestSyncer(t, sender, nil)
	items := enqueueN(t, q, 3)

	done := make(chan error, 1)
	go func() {
		_, err := s.SyncPendingUpdates(context.Background())
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the network")
	}
	assert.True(t, s.InProgress())

	pass, err := s.SyncPendingUpdates(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Nil(t, pass)

	close(release)
	require.NoError(t, <-done)

	perItem := map[string]int{}
	for _, req := range sender.requests() {
		perItem[req.Header.Get(MutationIDHeader)]++
	}
	require.Len(t, perItem, len(items))
	for _, m := range items {
		assert.Equal(t, 1, perItem[m.ID], m.ID)
	}
}

func TestConcurrentTriggersWriteEachItemOnce(t *testing.T) {
	var writes atomic.Int64
	sender := &fakeSender{fn: func(client.Request) error {
		writes.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	}}
	s, q := newTestSyncer(t, sender, nil)
	enqueueN(t, q, 4)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Trigger(context.Background())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 4, writes.Load())
	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedPassLeavesQueueIntact(t *testing.T) {
	upstreamErr := errors.New("registry unavailable")
	var calls atomic.Int64
	sender := &fakeSender{fn: func(client.Request) error {
		if calls.Add(1) == 2 {
			return upstreamErr
		}
		return nil
	}}
	s, q := newTestSyncer(t, sender, nil)
	items := enqueueN(t, q, 3)

	pass, err := s.SyncPendingUpdates(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncItem)
	assert.ErrorIs(t, err, upstreamErr)
	assert.Equal(t, 1, pass.Synced)
	assert.False(t, s.InProgress())

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, items[0].ID, pending[0].ID)

	// the next pass starts from the beginning
	pass, err = s.SyncPendingUpdates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, pass.Synced)
	assert.Len(t, sender.requests(), 2+3)
}

func TestUnknownStoreFailsThePass(t *testing.T) {
	sender := &fakeSender{}
	s, q := newTestSyncer(t, sender, nil)

	_, err := q.Enqueue(context.Background(), "patient-note", map[string]any{})
	require.NoError(t, err)

	_, err = s.SyncPendingUpdates(context.Background())
	assert.ErrorIs(t, err, ErrSyncItem)
	assert.Empty(t, sender.requests())

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueDuringPassIsKeptForNextPass(t *testing.T) {
	var q *Queue
	var late Mutation
	var once sync.Once

	sender := &fakeSender{}
	sender.fn = func(client.Request) error {
		var err error
		once.Do(func() {
			late, err = q.Enqueue(context.Background(), "bed-release", map[string]int{"bed": 9})
		})
		return err
	}
	var s *Syncer
	s, q = newTestSyncer(t, sender, nil)
	enqueueN(t, q, 2)

	pass, err := s.SyncPendingUpdates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Synced)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, late.ID, pending[0].ID)
}

func TestOfflineSyncIsNoop(t *testing.T) {
	sender := &fakeSender{}
	w := NewWatcher(false, nil)
	s, q := newTestSyncer(t, sender, w)
	enqueueN(t, q, 2)

	pass, err := s.SyncPendingUpdates(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Nil(t, pass)
	assert.Empty(t, sender.requests())
	assert.False(t, s.InProgress())

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubmitQueuesBeforeSending(t *testing.T) {
	var q *Queue
	sender := &fakeSender{}
	sender.fn = func(client.Request) error {
		n, err := q.Len()
		require.NoError(t, err)
		assert.Equal(t, 1, n, "mutation is persisted before the network attempt")
		return errors.New("connection refused")
	}
	var s *Syncer
	s, q = newTestSyncer(t, sender, nil)

	m, err := s.Submit(context.Background(), "bed-reservation", map[string]int{"bed": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)
}

func TestRestartedQueueIsSyncedThroughClient(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q := openTestQueue(t, path, formats.MsgpackCodec{})
	_, err := q.Enqueue(ctx, "bed-reservation", map[string]int{"bed": 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "bed-reservation", map[string]int{"bed": 2})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q = openTestQueue(t, path, formats.MsgpackCodec{})
	defer q.Close()
	s := NewSyncer(SyncerConfig{
		Queue:     q,
		Sender:    client.New(client.Config{RetryAttempts: 1}),
		Endpoints: map[string]Endpoint{"bed-reservation": {URL: upstream.URL + "/reservations"}},
	})

	pass, err := s.SyncPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Synced)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.JSONEq(t, `{"bed":1}`, bodies[0])
	assert.JSONEq(t, `{"bed":2}`, bodies[1])

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}
