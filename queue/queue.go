package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"corsgate/formats"
	"corsgate/metrics"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketName = []byte("mutations")

// ErrInvalidPayload is returned when a raw payload is not valid JSON
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// Mutation is a client write waiting to be replayed upstream
type Mutation struct {
	// Seq orders mutations; it is assigned by the store and never reused
	Seq        uint64          `json:"seq"`
	ID         string          `json:"id"`
	StoreName  string          `json:"storeName"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// record is the persisted form of a Mutation
type record struct {
	ID         string          `json:"id" codec:"id"`
	StoreName  string          `json:"storeName" codec:"storeName"`
	Payload    json.RawMessage `json:"payload" codec:"payload"`
	EnqueuedAt int64           `json:"enqueuedAt" codec:"enqueuedAt"`
}

// Options configures Open
type Options struct {
	// Codec encodes records; JSON when nil
	Codec   formats.Codec
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Queue is a durable FIFO of mutations backed by a bbolt file.
// It is safe for concurrent use.
type Queue struct {
	db      *bolt.DB
	codec   formats.Codec
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Open opens or creates the queue file at path
func Open(path string, opts Options) (*Queue, error) {
	if opts.Codec == nil {
		opts.Codec = formats.JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue bucket: %w", err)
	}

	q := &Queue{db: db, codec: opts.Codec, logger: opts.Logger, metrics: opts.Metrics}
	n, err := q.Len()
	if err != nil {
		db.Close()
		return nil, err
	}
	q.metrics.QueueDepth(n)
	q.logger.Info("Mutation queue opened",
		zap.String("path", path),
		zap.String("codec", opts.Codec.Name()),
		zap.Int("pending", n),
	)
	return q, nil
}

// Close releases the underlying file
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue persists a mutation for storeName. It returns once the write is
// committed to disk. payload may be raw JSON ([]byte, json.RawMessage) or any
// value that marshals to JSON.
func (q *Queue) Enqueue(ctx context.Context, storeName string, payload any) (Mutation, error) {
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}
	if storeName == "" {
		return Mutation{}, errors.New("store name is required")
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Mutation{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to generate mutation id: %w", err)
	}

	m := Mutation{
		ID:         id.String(),
		StoreName:  storeName,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	var depth int
	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.Seq = seq

		data, err := q.codec.Marshal(record{
			ID:         m.ID,
			StoreName:  m.StoreName,
			Payload:    m.Payload,
			EnqueuedAt: m.EnqueuedAt.UnixNano(),
		})
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		depth = count(b)
		return nil
	})
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	q.metrics.QueueDepth(depth)
	q.logger.Debug("Mutation enqueued",
		zap.String("id", m.ID),
		zap.Uint64("seq", m.Seq),
		zap.String("store", storeName),
	)
	return m, nil
}

// Pending returns a snapshot of all queued mutations in enqueue order
func (q *Queue) Pending() ([]Mutation, error) {
	var out []Mutation
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			// decoders may alias their input; bbolt memory is only valid inside the tx
			var rec record
			if err := q.codec.Unmarshal(append([]byte(nil), v...), &rec); err != nil {
				return fmt.Errorf("mutation %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, Mutation{
				Seq:        binary.BigEndian.Uint64(k),
				ID:         rec.ID,
				StoreName:  rec.StoreName,
				Payload:    rec.Payload,
				EnqueuedAt: time.Unix(0, rec.EnqueuedAt).UTC(),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return out, nil
}

// Len returns the number of queued mutations
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = count(tx.Bucket(bucketName))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// RemoveThrough deletes every mutation with Seq <= seq. Mutations enqueued
// after a snapshot was taken have larger sequences and are kept.
func (q *Queue) RemoveThrough(seq uint64) (int, error) {
	return q.remove(func(s uint64) bool { return s <= seq })
}

// Clear deletes all queued mutations. Sequences keep increasing afterwards.
func (q *Queue) Clear() (int, error) {
	return q.remove(func(uint64) bool { return true })
}

func (q *Queue) remove(match func(seq uint64) bool) (int, error) {
	var removed, depth int
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !match(binary.BigEndian.Uint64(k)) {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		depth = count(b)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove mutations: %w", err)
	}
	q.metrics.QueueDepth(depth)
	return removed, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return data, nil
	}
	if !sonic.Valid(raw) {
		return nil, ErrInvalidPayload
	}
	return append(json.RawMessage(nil), raw...), nil
}

func count(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
