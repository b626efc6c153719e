// Command famgraph runs the family graph sync service: it consumes change
// events, projects them into the graph store, and serves subgraph queries,
// sync health, and reconciliation over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/persistorai/famgraph/internal/api"
	"github.com/persistorai/famgraph/internal/config"
	"github.com/persistorai/famgraph/internal/deadletter"
	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/feed"
	"github.com/persistorai/famgraph/internal/scheduler"
	"github.com/persistorai/famgraph/internal/service"
	"github.com/persistorai/famgraph/internal/source"
	"github.com/persistorai/famgraph/internal/ws"
)

const (
	shutdownTimeout  = 15 * time.Second
	auditQueueSize   = 1024
	scheduledTimeout = 30 * time.Minute
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("famgraph exited")
	}

	log.Info("famgraph stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	hub := ws.NewHub(log, ws.DefaultLimits)

	stores, err := openBackends(ctx, cfg, log, hub)
	if err != nil {
		return err
	}
	defer stores.close()

	dead, deadList, err := openDeadLetters(ctx, cfg, log)
	if err != nil {
		return err
	}

	auditWorker := service.NewAuditWorker(stores.audit, log, auditQueueSize)

	engine := service.NewUpsertEngine(stores.graph, stores.sync, dead, auditWorker, log, service.RetryPolicy{
		MaxRetries: cfg.ApplyMaxRetries,
		BaseDelay:  service.DefaultRetryPolicy.BaseDelay,
		MaxDelay:   service.DefaultRetryPolicy.MaxDelay,
	})
	// In-process events have no redelivery; failures fall back to the log.
	pool := service.NewWorkerPool(engine, log, cfg.Partitions, cfg.QueueSize,
		service.WithUnackedSinks(dead, deadletter.NewLogSink(log)))

	var (
		emitter domain.EventEmitter = pool
		stream  *feed.Stream
	)

	if cfg.FeedEnabled() {
		client, err := feed.Connect(ctx, cfg.RedisURL.Value())
		if err != nil {
			return err
		}
		defer client.Close()

		stream = feed.NewStream(client, feed.Config{
			Stream:   cfg.FeedStream,
			Group:    cfg.FeedGroup,
			Consumer: cfg.FeedConsumer,
		}, dead, log)
		emitter = stream
		stores.checks["feed"] = redisPinger{client}
	}

	src := source.New(cfg.SourceURL, log, source.WithToken(cfg.SourceToken.Value()))

	monitor := service.NewHealthMonitor(stores.graph, stores.sync, src, emitter, auditWorker, log, cfg.PendingLimit)
	recon := service.NewReconciler(stores.graph, stores.sync, src, monitor, auditWorker, log, cfg.PlaceholderGrace)
	jobs := service.NewReconcileJobs(ctx, recon, log)
	defer jobs.Shutdown()

	auditSvc := service.NewAuditService(stores.audit, log)

	sched := scheduler.New(log, scheduledTimeout)
	if err := sched.Add(scheduler.TaskReconcile, cfg.ReconcileCron, scheduler.ReconcileAll(stores.graph, jobs, log)); err != nil {
		return err
	}

	if err := sched.Add(scheduler.TaskAuditPurge, cfg.AuditPurgeCron, scheduler.PurgeAudit(auditSvc, cfg.AuditRetentionDays)); err != nil {
		return err
	}

	handler := api.NewRouter(ctx, &api.RouterDeps{
		Log:         log,
		Hub:         hub,
		Subgraph:    service.NewSubgraphEngine(stores.graph, log),
		Sync:        monitor,
		Reconcile:   jobs,
		Nodes:       service.NewGraphService(stores.graph, log),
		DeadLetters: deadList,
		Audit:       auditSvc,
		Checks:      stores.checks,
		CORSOrigins: cfg.CORSOrigins,
		Version:     config.Version,
		Backend:     stores.name,

		MaxNodes:         cfg.MaxNodes,
		MaxRelationships: cfg.MaxRelationships,
	})

	servers := []*http.Server{
		{Addr: cfg.Addr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.MetricsAddr(), Handler: api.NewMetricsHandler(), ReadHeaderTimeout: 10 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { auditWorker.Run(gctx); return nil })
	g.Go(func() error { pool.Run(gctx); return nil })

	if stream != nil {
		g.Go(func() error { return stream.Consume(gctx, pool) })
	}

	for _, srv := range servers {
		g.Go(func() error {
			log.WithField("addr", srv.Addr).Info("listening")

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving %s: %w", srv.Addr, err)
			}

			return nil
		})
	}

	sched.Start()

	log.WithFields(logrus.Fields{
		"version":    config.Version,
		"backend":    stores.name,
		"partitions": cfg.Partitions,
		"feed":       cfg.FeedEnabled(),
		"archive":    cfg.ArchiveEnabled(),
	}).Info("famgraph started")

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sched.Stop(shutdownCtx)
		hub.Shutdown()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).WithField("addr", srv.Addr).Warn("server shutdown")
			}
		}

		return nil
	})

	return g.Wait()
}

// openDeadLetters returns the object storage archive when configured, or a
// log-only sink otherwise.
func openDeadLetters(ctx context.Context, cfg *config.Config, log *logrus.Logger) (domain.DeadLetterSink, api.DeadLetterLister, error) {
	if !cfg.ArchiveEnabled() {
		log.Warn("S3_ENDPOINT not set, dead letters are logged only")
		sink := deadletter.NewLogSink(log)
		return sink, sink, nil
	}

	archive, err := deadletter.NewArchive(ctx, deadletter.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey.Value(),
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	return archive, archive, nil
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
