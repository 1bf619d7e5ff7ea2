// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/adapter"
	"github.com/JakeFAU/procurement-crawler/internal/adapter/htmllist"
	"github.com/JakeFAU/procurement-crawler/internal/api"
	"github.com/JakeFAU/procurement-crawler/internal/clock/system"
	"github.com/JakeFAU/procurement-crawler/internal/config"
	"github.com/JakeFAU/procurement-crawler/internal/dispatcher"
	"github.com/JakeFAU/procurement-crawler/internal/enrich"
	"github.com/JakeFAU/procurement-crawler/internal/enrich/llm"
	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/procurement-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/procurement-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/procurement-crawler/internal/hash/sha256"
	"github.com/JakeFAU/procurement-crawler/internal/id/uuid"
	"github.com/JakeFAU/procurement-crawler/internal/logging"
	"github.com/JakeFAU/procurement-crawler/internal/normalize"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/orchestrator"
	"github.com/JakeFAU/procurement-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/procurement-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/procurement-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/procurement-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/procurement-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/procurement-crawler/internal/queue/memory"
	"github.com/JakeFAU/procurement-crawler/internal/reconcile"
	"github.com/JakeFAU/procurement-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/procurement-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/procurement-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/procurement-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/procurement-crawler/internal/storage/postgres"
	"github.com/JakeFAU/procurement-crawler/internal/store"
	"github.com/JakeFAU/procurement-crawler/internal/telemetry"
	"github.com/JakeFAU/procurement-crawler/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *logging.Logger
	apiServer       *api.Server
	runner          *orchestrator.Runner
	scheduler       *scheduler.Scheduler
	enricher        *enrich.Enricher
	dispatch        *dispatcher.Dispatcher
	queue           *queueMemory.Queue
	progressHub     *progress.Hub
	pool            *pgxpool.Pool
	repo            opportunity.Repository
	cycles          store.CycleRepository
	ids             *uuid.Generator
	blobs           opportunity.SnapshotStore
	publisher       opportunity.Publisher
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	headless        *headlessfetcher.Fetcher
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *logging.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		Environment string `json:"environment,omitempty"`
		Sources     int    `json:"sources"`
		Backend     string `json:"storage_backend"`
		Postgres    bool   `json:"postgres"`
		Enrichment  bool   `json:"enrichment"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:  cfg.Server.Port,
		Environment: cfg.Logging.Environment,
		Sources:     len(cfg.Sources),
		Backend:     cfg.Storage.Backend,
		Postgres:    cfg.DB.DSN != "",
		Enrichment:  cfg.Enrichment.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
	}, nil
}

// Runner exposes the cycle runner for one-shot use.
func (a *App) Runner() *orchestrator.Runner {
	return a.runner
}

// Enricher exposes the enrichment service for one-shot backfills.
func (a *App) Enricher() *enrich.Enricher {
	return a.enricher
}

// Run starts the admin server, the enrichment workers and (when enabled) the
// schedule, and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	if a.cfg.Schedule.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.scheduler.Run(ctx); err != nil {
				a.logger.Error("scheduler exited", zap.Error(err))
				stop()
			}
		}()
	}

	a.apiServer.WithCycleContext(ctx)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// RunOnce runs a single cycle, lets the enrichment workers drain what the
// cycle queued, optionally runs a backfill, and shuts down.
func (a *App) RunOnce(ctx context.Context, backfill bool) (orchestrator.CycleReport, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.dispatch.Run(ctx)
	}()

	report, runErr := a.runner.RunCycle(ctx, "cli")
	a.queue.Close()
	<-dispatched

	if runErr == nil && backfill && a.cfg.Enrichment.Enabled {
		bf, err := a.enricher.Backfill(ctx, a.cfg.Schedule.BackfillLimit)
		if err != nil {
			a.logger.Warn("backfill failed", zap.Error(err))
		} else {
			a.logger.Info("backfill finished", zap.Int("scanned", bf.Scanned), zap.Int("enriched", bf.Enriched))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	return report, runErr
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Flush(2 * time.Second)
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, logging.Options{
		SentryDSN:   cfg.Logging.SentryDSN,
		Environment: cfg.Logging.Environment,
		Release:     Version,
		Tags:        map[string]string{"service": cfg.Telemetry.ServiceName},
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger.Logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, mp, err := telemetry.InitTelemetry(ctx, telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		Region:      cfg.Telemetry.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")
	if err := setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}
	setupEnrichment(app, emitter)

	registry, err := setupAdapters(app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	reconciler := reconcile.New(app.repo, clock, reconcile.Config{
		Grace:     cfg.Grace(),
		Overrides: cfg.GraceOverrides(),
	}, logger.Named("reconcile"))

	app.runner = orchestrator.New(orchestrator.Deps{
		Registry:   registry,
		Normalizer: normalize.New(sha256.New()),
		Store:      app.repo,
		Reconciler: reconciler,
		Submitter:  app.dispatch,
		Publisher:  app.publisher,
		Blobs:      app.blobs,
		Emitter:    emitter,
		Clock:      clock,
		CycleIDs:   app.ids,
		Logger:     logger.Logger,
	}, orchestrator.Config{
		Concurrency:   cfg.Cycle.Concurrency,
		FetchTimeout:  cfg.FetchTimeout(),
		FetchTimeouts: cfg.FetchTimeouts(),
		Topic:         cfg.PubSub.TopicName,
		Snapshots:     cfg.Cycle.Snapshots,
	})

	var backfiller interface {
		Backfill(ctx context.Context, limit int) (enrich.BackfillReport, error)
	}
	if cfg.Enrichment.Enabled {
		backfiller = app.enricher
	}
	app.scheduler = scheduler.New(app.runner, backfiller, scheduler.Config{
		Interval:      time.Duration(cfg.Schedule.IntervalMinutes) * time.Minute,
		RunOnStart:    cfg.Schedule.RunOnStart,
		BackfillAfter: cfg.Schedule.BackfillAfter,
		BackfillLimit: cfg.Schedule.BackfillLimit,
	}, logger.Logger)

	apiDeps := api.Deps{
		Runner:  app.runner,
		Cycles:  app.cycles,
		Catalog: app.repo,
	}
	if cfg.Cycle.Snapshots {
		apiDeps.Snapshots = app.blobs
	}
	if cfg.Enrichment.Enabled {
		apiDeps.Backfiller = app.enricher
	}
	if app.pool != nil {
		apiDeps.Ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(apiDeps, *cfg, logger.Logger)

	return app, nil
}

func setupStorage(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.blobs, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case "local":
		app.logger.Info("using local storage backend")
		app.blobs, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		app.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	ids := app.ids
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory catalog and cycle history")
		app.repo = memoryStorage.NewOpportunityStore(ids)
		app.cycles = memoryStorage.NewCycleStore()
		return nil
	}
	var err error
	app.pool, err = pgstore.Open(ctx, pgstore.Config{
		DSN:      app.cfg.DB.DSN,
		MaxConns: app.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	applied, err := pgstore.Migrate(ctx, app.pool)
	if err != nil {
		app.pool.Close()
		return fmt.Errorf("migrate failed: %w", err)
	}
	app.logger.Info("schema migrated", zap.Ints("applied", applied))
	repo, err := pgstore.NewOpportunityStore(ctx, app.pool, ids)
	if err != nil {
		app.pool.Close()
		return fmt.Errorf("opportunity store init failed: %w", err)
	}
	app.repo = repo
	app.cycles = pgstore.NewCycleStore(app.pool)
	app.logger.Info("postgres catalog initialized", zap.Strings("capabilities", repo.Capabilities().Names()))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.publisher = app.pubsubPublisher
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.cycles, app.logger.Named("progress_store")),
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	}
	app.progressHub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("progress_hub"),
	}, sinkList...)
	app.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return app.progressHub, nil
}

func setupEnrichment(app *App, emitter progress.Emitter) {
	cfg := app.cfg.Enrichment
	var backend enrich.Backend = enrich.Disabled{}
	if cfg.Enabled {
		backend = llm.New(llm.Config{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
			Timeout:  time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		})
		app.logger.Info("enrichment enabled", zap.String("model", cfg.Model), zap.Int("version", cfg.Version))
	} else {
		app.logger.Info("enrichment disabled; records are stored unenriched")
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RPS, DefaultBurst: cfg.Burst})
	app.enricher = enrich.New(backend, app.repo, limiter, system.New(), emitter, enrich.Config{
		Version:         cfg.Version,
		MaxTags:         cfg.MaxTags,
		MaxSummaryRunes: cfg.MaxSummaryRunes,
		CallTimeout:     time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		MaxInFlight:     cfg.MaxInFlight,
		Categories:      cfg.Categories,
	}, app.logger.Named("enrich"))

	app.queue = queueMemory.NewQueue(cfg.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		workers = append(workers, worker.New(i, app.queue, app.enricher, app.logger.Logger))
	}
	app.dispatch = dispatcher.New(app.queue, workers)
}

func setupAdapters(app *App) (*adapter.Registry, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.Crawler.UserAgent,
		RespectRobots: !app.cfg.Crawler.IgnoreRobots,
		Timeout:       app.cfg.JobBudget(),
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", app.cfg.Crawler.UserAgent))

	var headless fetcher.Fetcher = headlessfetcher.NewNoop()
	if app.cfg.Headless.Enabled {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = f
		headless = f
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   app.cfg.Crawler.HostRPS,
		DefaultBurst: app.cfg.Crawler.HostBurst,
	})
	kinds := adapter.Kinds{htmllist.Kind: htmllist.Build}
	registry, err := kinds.Build(app.cfg.AdapterSpecs(), adapter.Deps{
		Static:   static,
		Headless: headless,
		Limiter:  limiter,
		Logger:   app.logger.Named("adapter"),
	})
	if err != nil {
		return nil, fmt.Errorf("adapter registry init failed: %w", err)
	}
	if registry.Len() == 0 {
		app.logger.Warn("no sources configured; cycles will be empty")
	}
	app.logger.Info("adapters registered", zap.Int("count", registry.Len()))
	return registry, nil
}
