package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corsgate/client"
	"corsgate/config"
	"corsgate/formats"
	"corsgate/gateway"
	"corsgate/handlers"
	"corsgate/logging"
	"corsgate/metrics"
	middleware "corsgate/middlewares"
	"corsgate/queue"
	"corsgate/ratelimit"

	"github.com/alecthomas/kong"
	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Version is set via ldflags during build
var Version = "dev"

var CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Start the gateway" default:"1"`
	Enqueue EnqueueCmd `cmd:"" help:"Queue a mutation for later sync"`
	Pending PendingCmd `cmd:"" help:"List queued mutations"`
	Sync    SyncCmd    `cmd:"" help:"Replay queued mutations through the resilient client"`
	Probe   ProbeCmd   `cmd:"" help:"Check direct reachability of a URL"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

type ServeCmd struct {
	Port       string `help:"Port to listen on (overrides PORT env var)"`
	RoutesFile string `help:"YAML route table (overrides ROUTES_FILE env var)" type:"existingfile"`
}

func (s *ServeCmd) Run() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if s.Port != "" {
		cfg.Port = s.Port
	}
	if s.RoutesFile != "" {
		cfg.RoutesFile = s.RoutesFile
	}

	table, err := cfg.LoadRoutes()
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}

	limiter, closeLimiter, err := newLimiter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	logger.Info("Starting gateway",
		zap.String("version", Version),
		zap.String("port", cfg.Port),
		zap.String("mode", cfg.Mode),
		zap.Strings("routes", table.Prefixes()),
		zap.Bool("shared_limiter", cfg.RedisURL != ""),
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	app := newApp(cfg, logger, &handlers.HandlerContext{
		Routes:     table,
		Forwarder:  gateway.NewForwarder(logger),
		Limiter:    limiter,
		Restricted: cfg.Restricted(),
		Logger:     logger,
		Metrics:    m,
		Version:    Version,
		StartedAt:  time.Now(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down, draining in-flight requests", zap.Duration("timeout", cfg.ShutdownTimeout))
	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Gateway stopped")
	return nil
}

func newApp(cfg *config.Config, logger *zap.Logger, hc *handlers.HandlerContext) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          handlers.ErrorHandler(logger),
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		BodyLimit:             32 << 20,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(logger))

	prom := fiberprometheus.New("corsgate")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Use(middleware.CORS(cfg.GetAllowedOrigins(), hc.Routes))

	handlers.Register(app, hc)
	return app
}

// newLimiter returns the shared redis limiter when REDIS_URL is set and the
// in-process limiter otherwise
func newLimiter(cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemory(), func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// the limiter fails open, so an unavailable redis is not fatal
		logger.Warn("Redis unreachable at startup", zap.String("addr", opt.Addr), zap.Error(err))
	}
	return ratelimit.NewRedis(rdb, ""), func() { rdb.Close() }, nil
}

type EnqueueCmd struct {
	Store   string `arg:"" help:"Logical store name, e.g. bed-reservation"`
	Payload string `arg:"" help:"JSON payload"`
}

func (e *EnqueueCmd) Run() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	q, err := openQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	m, err := q.Enqueue(context.Background(), e.Store, []byte(e.Payload))
	if err != nil {
		return err
	}
	return printJSON(m)
}

type PendingCmd struct{}

func (p *PendingCmd) Run() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	q, err := openQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	pending, err := q.Pending()
	if err != nil {
		return err
	}
	if pending == nil {
		pending = []queue.Mutation{}
	}
	return printJSON(pending)
}

type SyncCmd struct {
	Watch    bool          `help:"Keep running and sync on every offline-to-online transition"`
	ProbeURL string        `help:"URL probed to detect connectivity in watch mode (defaults to PROXY_URL)" env:"PROBE_URL"`
	Interval time.Duration `help:"Connectivity probe interval in watch mode" default:"30s"`
}

func (s *SyncCmd) Run() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	q, err := openQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	endpoints, err := cfg.GetSyncEndpoints()
	if err != nil {
		return err
	}
	eps := make(map[string]queue.Endpoint, len(endpoints))
	for name, target := range endpoints {
		eps[name] = queue.Endpoint{URL: target}
	}

	c := newClient(cfg, logger)
	syncCfg := queue.SyncerConfig{
		Queue:     q,
		Sender:    c,
		Endpoints: eps,
		Logger:    logger,
	}

	if !s.Watch {
		pass, err := queue.NewSyncer(syncCfg).SyncPendingUpdates(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("synced %d mutation(s)\n", pass.Synced)
		return nil
	}

	probeURL := s.ProbeURL
	if probeURL == "" {
		probeURL = cfg.ProxyURL
	}
	if probeURL == "" {
		return errors.New("--probe-url or PROXY_URL is required in watch mode")
	}

	watcher := queue.NewWatcher(false, logger)
	syncCfg.Connectivity = watcher
	syncer := queue.NewSyncer(syncCfg)
	watcher.OnOnline(syncer.Trigger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prober := &queue.Prober{
		Probe:    c,
		URL:      probeURL,
		Interval: s.Interval,
		Watcher:  watcher,
		Logger:   logger,
	}
	logger.Info("Watching connectivity", zap.String("probe_url", probeURL), zap.Duration("interval", s.Interval))
	err = prober.Run(ctx)
	watcher.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type ProbeCmd struct {
	URL string `arg:"" help:"URL to probe"`
}

func (p *ProbeCmd) Run() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	report := newClient(cfg, logger).TestConnectivity(context.Background(), p.URL)
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Reachable {
		return fmt.Errorf("%s is unreachable", p.URL)
	}
	return nil
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Printf("corsgate %s\n", Version)
	return nil
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func openQueue(cfg *config.Config, logger *zap.Logger) (*queue.Queue, error) {
	codec, err := formats.GetCodec(cfg.QueueCodec)
	if err != nil {
		return nil, fmt.Errorf("QUEUE_CODEC %q: %w", cfg.QueueCodec, err)
	}
	return queue.Open(cfg.QueuePath, queue.Options{Codec: codec, Logger: logger})
}

// newClient builds the resilient client from configuration and installs it as
// the application-wide default
func newClient(cfg *config.Config, logger *zap.Logger) *client.Client {
	c := client.New(client.Config{
		ProxyURL:        cfg.ProxyURL,
		FallbackEnabled: cfg.FallbackEnabled,
		RetryAttempts:   cfg.RetryAttempts,
		RetryDelay:      cfg.RetryDelay,
		Timeout:         cfg.RequestTimeout,
		Logger:          logger,
	})
	client.SetDefault(c)
	return c
}

func printJSON(v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("corsgate"),
		kong.Description("Cross-origin gateway, resilient client and offline mutation queue"),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
