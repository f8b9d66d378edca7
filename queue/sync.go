package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"corsgate/client"
	"corsgate/metrics"

	"go.uber.org/zap"
)

var (
	// ErrSyncItem wraps the failure of a single mutation; the pass is not committed
	ErrSyncItem = errors.New("sync item failed")
	// ErrSyncInProgress is returned when another pass is already running
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned when connectivity is known to be unavailable
	ErrOffline = errors.New("offline")
)

// MutationIDHeader lets upstream handlers deduplicate re-delivered mutations
const MutationIDHeader = "X-Mutation-ID"

// Sender issues one logical write; *client.Client satisfies it
type Sender interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
}

// Connectivity reports the host's view of network availability
type Connectivity interface {
	Online() bool
}

// Endpoint is the fixed upstream target for a store name
type Endpoint struct {
	URL string
	// Method defaults to POST
	Method string
}

// Pass describes one sync pass
type Pass struct {
	StartedAt time.Time
	// Items is the snapshot taken at pass start, in enqueue order
	Items    []Mutation
	Synced   int
	Duration time.Duration
}

// SyncerConfig configures a Syncer
type SyncerConfig struct {
	Queue     *Queue
	Sender    Sender
	Endpoints map[string]Endpoint
	// Connectivity is optional; without it the host is assumed online
	Connectivity Connectivity
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Syncer drains the queue through the resilient client, one pass at a time
type Syncer struct {
	queue        *Queue
	sender       Sender
	endpoints    map[string]Endpoint
	connectivity Connectivity
	logger       *zap.Logger
	metrics      *metrics.Metrics

	inProgress atomic.Bool
}

func NewSyncer(cfg SyncerConfig) *Syncer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	endpoints := make(map[string]Endpoint, len(cfg.Endpoints))
	for name, ep := range cfg.Endpoints {
		if ep.Method == "" {
			ep.Method = http.MethodPost
		}
		endpoints[name] = ep
	}
	return &Syncer{
		queue:        cfg.Queue,
		sender:       cfg.Sender,
		endpoints:    endpoints,
		connectivity: cfg.Connectivity,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// InProgress reports whether a pass is running
func (s *Syncer) InProgress() bool {
	return s.inProgress.Load()
}

// SyncPendingUpdates replays the queued mutations in enqueue order. It returns
// ErrSyncInProgress if another pass is running and ErrOffline when the host is
// offline; neither touches the queue. The snapshot is removed only if every
// item succeeds, so a failed pass is retried from the start next time.
func (s *Syncer) SyncPendingUpdates(ctx context.Context) (*Pass, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		s.metrics.SyncPass("skipped")
		return nil, ErrSyncInProgress
	}
	defer s.inProgress.Store(false)

	if s.connectivity != nil && !s.connectivity.Online() {
		s.metrics.SyncPass("offline")
		return nil, ErrOffline
	}

	pass := &Pass{StartedAt: time.Now()}
	items, err := s.queue.Pending()
	if err != nil {
		s.metrics.SyncPass("error")
		return pass, err
	}
	pass.Items = items
	if len(items) == 0 {
		s.metrics.SyncPass("empty")
		return pass, nil
	}

	s.logger.Info("Sync pass started", zap.Int("items", len(items)))
	for _, m := range items {
		if err := s.send(ctx, m); err != nil {
			pass.Duration = time.Since(pass.StartedAt)
			s.metrics.SyncPass("failed")
			return pass, fmt.Errorf("%w: mutation %s (%s): %w", ErrSyncItem, m.ID, m.StoreName, err)
		}
		pass.Synced++
	}

	if _, err := s.queue.RemoveThrough(items[len(items)-1].Seq); err != nil {
		s.metrics.SyncPass("error")
		return pass, err
	}
	pass.Duration = time.Since(pass.StartedAt)
	s.metrics.SyncPass("ok")
	s.logger.Info("Sync pass completed",
		zap.Int("synced", pass.Synced),
		zap.Duration("duration", pass.Duration),
	)
	return pass, nil
}

func (s *Syncer) send(ctx context.Context, m Mutation) error {
	ep, ok := s.endpoints[m.StoreName]
	if !ok {
		return fmt.Errorf("no endpoint for store %q", m.StoreName)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set(MutationIDHeader, m.ID)

	_, err := s.sender.Do(ctx, client.Request{
		Method: ep.Method,
		URL:    ep.URL,
		Header: header,
		Body:   m.Payload,
	})
	return err
}

// Trigger runs a pass and logs its outcome. It is the handler for explicit
// sync requests and offline-to-online transitions.
func (s *Syncer) Trigger(ctx context.Context) {
	pass, err := s.SyncPendingUpdates(ctx)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrOffline):
		s.logger.Debug("Sync skipped", zap.Error(err))
	default:
		synced := 0
		if pass != nil {
			synced = pass.Synced
		}
		s.logger.Warn("Sync pass failed, queue left intact",
			zap.Int("replayed", synced),
			zap.Error(err),
		)
	}
}

// Submit durably queues a mutation and then attempts a sync. A failed sync
// only delays the write; the returned error reports enqueue failures only.
func (s *Syncer) Submit(ctx context.Context, storeName string, payload any) (Mutation, error) {
	m, err := s.queue.Enqueue(ctx, storeName, payload)
	if err != nil {
		return Mutation{}, err
	}
	s.Trigger(ctx)
	return m, nil
}
