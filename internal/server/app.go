// Package server builds the watch process: progress client, event hub and
// sinks, run history, and the local status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/api"
	"github.com/JakeFAU/conversion-progress/internal/backend"
	"github.com/JakeFAU/conversion-progress/internal/clock/system"
	"github.com/JakeFAU/conversion-progress/internal/config"
	"github.com/JakeFAU/conversion-progress/internal/id/uuid"
	"github.com/JakeFAU/conversion-progress/internal/logging"
	"github.com/JakeFAU/conversion-progress/internal/metrics"
	"github.com/JakeFAU/conversion-progress/internal/policy/ratelimit"
	"github.com/JakeFAU/conversion-progress/internal/progress"
	progresssinks "github.com/JakeFAU/conversion-progress/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/conversion-progress/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/conversion-progress/internal/storage/gcs"
	localstorage "github.com/JakeFAU/conversion-progress/internal/storage/local"
	memorystorage "github.com/JakeFAU/conversion-progress/internal/storage/memory"
	pgstore "github.com/JakeFAU/conversion-progress/internal/storage/postgres"
	"github.com/JakeFAU/conversion-progress/internal/store"
	"github.com/JakeFAU/conversion-progress/internal/telemetry"
	"github.com/JakeFAU/conversion-progress/internal/transport/gorilla"
)

const shutdownTimeout = 10 * time.Second

// App contains the watch process dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	apiServer *api.Server
	client    *progress.Client
	hub       *progress.Hub
	backend   *backend.Client

	runs           store.RunRepository
	pgRuns         *pgstore.RunStore
	publisher      *gcppublisher.Publisher
	gcsClient      *storage.Client
	tracerShutdown func(context.Context) error
}

// Client exposes the progress client, mainly for tests and embedding.
func (a *App) Client() *progress.Client { return a.client }

// Handler exposes the status API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// NewLogger builds the process logger from cfg and installs it globally.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// ChannelEndpoint resolves the push channel URL: the explicit endpoint when
// set, else derived from the page URL.
func ChannelEndpoint(cfg config.ChannelConfig) (string, error) {
	if cfg.Endpoint != "" {
		return cfg.Endpoint, nil
	}
	endpoint, err := gorilla.Endpoint(cfg.PageURL, cfg.Port, cfg.Path)
	if err != nil {
		return "", fmt.Errorf("derive channel endpoint: %w", err)
	}
	return endpoint, nil
}

// NewProgressClient builds a gorilla-backed progress client from cfg.
func NewProgressClient(cfg config.ChannelConfig, logger *zap.Logger, emitter progress.Emitter) (*progress.Client, error) {
	endpoint, err := ChannelEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	dialer := gorilla.NewDialer(gorilla.Options{HandshakeTimeout: cfg.HandshakeTimeout()})
	client, err := progress.NewClient(progress.Config{
		Endpoint:          endpoint,
		KeepaliveInterval: cfg.KeepaliveInterval(),
		ReconnectDelay:    cfg.ReconnectDelay(),
		CompletionTTL:     cfg.CompletionTTL(),
		DialTimeout:       cfg.HandshakeTimeout(),
		Logger:            logger,
		Emitter:           emitter,
		Clock:             system.New(),
	}, dialer)
	if err != nil {
		return nil, fmt.Errorf("progress client init failed: %w", err)
	}
	return client, nil
}

// NewBackend builds the rate-limited conversion API client.
func NewBackend(cfg config.BackendConfig, logger *zap.Logger) (*backend.Client, error) {
	client, err := backend.New(backend.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout(),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimitRPS,
			DefaultBurst: cfg.RateLimitBurst,
		}),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backend client init failed: %w", err)
	}
	return client, nil
}

// Build creates the application's dependencies. Resources acquired before a
// failure are released before returning the error.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	metrics.Init()
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("archive_enabled", cfg.Archive.Enabled),
		zap.Bool("pubsub_enabled", cfg.PubSub.Enabled()),
	)

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	var err error
	if a.backend, err = NewBackend(cfg.Backend, a.logger); err != nil {
		return err
	}
	if err = setupRuns(ctx, a); err != nil {
		return err
	}
	sinkList, err := setupSinks(ctx, a)
	if err != nil {
		return err
	}

	a.hub = progress.NewHub(progress.HubConfig{
		BufferSize:     cfg.Hub.BufferSize,
		MaxBatchEvents: cfg.Hub.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Hub.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.Hub.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))

	if a.client, err = NewProgressClient(cfg.Channel, a.logger, a.hub); err != nil {
		return err
	}

	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, a.registry}
	a.apiServer = api.NewServer(a.client, a.runs, a.logger,
		api.WithMetricsHandler(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))
	return nil
}

func setupRuns(ctx context.Context, app *App) error {
	dbCfg := app.cfg.DB
	if dbCfg.DSN == "" {
		app.logger.Warn("no DSN specified for database, keeping run history in memory")
		app.runs = memorystorage.NewRunStore()
		return nil
	}
	runStore, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:             dbCfg.DSN,
		Table:           dbCfg.Table,
		MaxConns:        dbCfg.MaxConns,
		MinConns:        dbCfg.MinConns,
		MaxConnLifetime: time.Duration(dbCfg.MaxConnLifetimeMinutes) * time.Minute,
	}, uuid.New().NewRawID)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.pgRuns = runStore
	if err := runStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("run store schema failed: %w", err)
	}
	app.runs = runStore
	app.logger.Info("run store initialized", zap.String("table", dbCfg.Table))
	return nil
}

func setupSinks(ctx context.Context, app *App) ([]progress.Sink, error) {
	cfg := app.cfg
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")),
	}
	if cfg.Sinks.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if cfg.Sinks.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(app.registry)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if cfg.PubSub.Enabled() {
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicName: cfg.PubSub.TopicName,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.publisher = pub
		sinkList = append(sinkList, progresssinks.NewPublishSink(pub, app.logger.Named("progress_publish")))
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName))
	}
	if cfg.Archive.Enabled {
		blobs, err := setupArchive(ctx, app)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, progresssinks.NewArchiveSink(
			app.backend, blobs, cfg.Archive.Prefix, app.logger.Named("progress_archive")))
	}
	return sinkList, nil
}

func setupArchive(ctx context.Context, app *App) (progresssinks.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS archive", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local archive", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	default:
		app.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	}
}

// Run starts the progress client and status API and blocks until ctx is
// canceled or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.client.Start()
	a.logger.Info("progress client started", zap.String("endpoint", a.client.Endpoint()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close stops the client, drains the hub into the sinks and releases
// infrastructure in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.client != nil {
		a.client.Stop()
		if err := a.client.Close(ctx); err != nil && !errors.Is(err, progress.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
		a.pgRuns = nil
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
