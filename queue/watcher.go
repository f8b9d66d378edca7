package queue

import (
	"context"
	"sync"
	"time"

	"corsgate/client"

	"go.uber.org/zap"
)

// Watcher tracks host connectivity and fires its handlers on every
// offline-to-online transition
type Watcher struct {
	mu       sync.Mutex
	online   bool
	handlers []func(context.Context)
	wg       sync.WaitGroup
	logger   *zap.Logger
}

func NewWatcher(online bool, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{online: online, logger: logger}
}

// Online implements Connectivity
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// OnOnline registers fn to run on each transition to online
func (w *Watcher) OnOnline(fn func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// SetOnline records the current connectivity state. Handlers run in their
// own goroutines; use Wait to block until they return.
func (w *Watcher) SetOnline(ctx context.Context, online bool) {
	w.mu.Lock()
	was := w.online
	w.online = online
	var handlers []func(context.Context)
	if online && !was {
		handlers = append(handlers, w.handlers...)
	}
	w.mu.Unlock()

	if was != online {
		w.logger.Info("Connectivity changed", zap.Bool("online", online))
	}
	for _, fn := range handlers {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			fn(ctx)
		}()
	}
}

// Wait blocks until all triggered handlers have returned
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// Probe checks reachability of a URL; *client.Client satisfies it
type Probe interface {
	TestConnectivity(ctx context.Context, target string) client.ConnectivityReport
}

// Prober feeds a Watcher from periodic reachability checks. It only detects
// connectivity; syncs still happen solely on transitions.
type Prober struct {
	Probe    Probe
	URL      string
	Interval time.Duration
	Watcher  *Watcher
	Logger   *zap.Logger
}

// Check runs one probe and updates the watcher
func (p *Prober) Check(ctx context.Context) bool {
	report := p.Probe.TestConnectivity(ctx, p.URL)
	if !report.Reachable && p.Logger != nil {
		p.Logger.Debug("Connectivity probe failed", zap.String("url", p.URL), zap.String("error", report.Error))
	}
	p.Watcher.SetOnline(ctx, report.Reachable)
	return report.Reachable
}

// Run probes every Interval until ctx is cancelled
func (p *Prober) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
