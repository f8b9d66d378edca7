package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"corsgate/formats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, path string, codec formats.Codec) *Queue {
	t.Helper()
	q, err := Open(path, Options{Codec: codec})
	require.NoError(t, err)
	return q
}

func TestEnqueueKeepsOrder(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), nil)
	defer q.Close()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "bed-reservation", map[string]any{"bed": 1})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "bed-release", json.RawMessage(`{"bed":2}`))
	require.NoError(t, err)

	assert.Less(t, first.Seq, second.Seq)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.EnqueuedAt.IsZero())

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, "bed-reservation", pending[0].StoreName)
	assert.JSONEq(t, `{"bed":1}`, string(pending[0].Payload))
	assert.Equal(t, second.ID, pending[1].ID)
	assert.JSONEq(t, `{"bed":2}`, string(pending[1].Payload))
	assert.Equal(t, first.EnqueuedAt.UnixNano(), pending[0].EnqueuedAt.UnixNano())
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), nil)
	defer q.Close()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", map[string]any{})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, "bed-reservation", []byte(`{"bed":`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Enqueue(cancelled, "bed-reservation", map[string]any{})
	assert.ErrorIs(t, err, context.Canceled)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueSurvivesRestart(t *testing.T) {
	for _, codec := range []formats.Codec{formats.JSONCodec{}, formats.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "queue.db")
			ctx := context.Background()

			q := openTestQueue(t, path, codec)
			m, err := q.Enqueue(ctx, "bed-reservation", map[string]any{"bed": 7, "ward": "A"})
			require.NoError(t, err)
			require.NoError(t, q.Close())

			q = openTestQueue(t, path, codec)
			defer q.Close()

			pending, err := q.Pending()
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, m.ID, pending[0].ID)
			assert.Equal(t, m.Seq, pending[0].Seq)
			assert.Equal(t, "bed-reservation", pending[0].StoreName)
			assert.JSONEq(t, `{"bed":7,"ward":"A"}`, string(pending[0].Payload))
			assert.True(t, m.EnqueuedAt.Equal(pending[0].EnqueuedAt))

			next, err := q.Enqueue(ctx, "bed-reservation", map[string]any{})
			require.NoError(t, err)
			assert.Greater(t, next.Seq, m.Seq)
		})
	}
}

func TestRemoveThroughKeepsLaterMutations(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), nil)
	defer q.Close()
	ctx := context.Background()

	var seqs []uint64
	for i := range 4 {
		m, err := q.Enqueue(ctx, "bed-reservation", map[string]int{"n": i})
		require.NoError(t, err)
		seqs = append(seqs, m.Seq)
	}

	removed, err := q.RemoveThrough(seqs[1])
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, seqs[2], pending[0].Seq)
	assert.Equal(t, seqs[3], pending[1].Seq)
}

func TestClearKeepsSequenceMonotonic(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), formats.MsgpackCodec{})
	defer q.Close()
	ctx := context.Background()

	m, err := q.Enqueue(ctx, "bed-reservation", map[string]any{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "bed-reservation", map[string]any{})
	require.NoError(t, err)

	removed, err := q.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	next, err := q.Enqueue(ctx, "bed-reservation", map[string]any{})
	require.NoError(t, err)
	assert.Greater(t, next.Seq, m.Seq+1)
}
