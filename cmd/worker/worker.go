package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/septivank/tapflow-worker/internal/config"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/flow"
	"github.com/septivank/tapflow-worker/internal/httpapi"
	"github.com/septivank/tapflow-worker/internal/lock"
	"github.com/septivank/tapflow-worker/internal/metrics"
	"github.com/septivank/tapflow-worker/internal/mq"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/service"
	"github.com/septivank/tapflow-worker/internal/session"
	"github.com/septivank/tapflow-worker/internal/stats"
	"github.com/septivank/tapflow-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker consumer stopped")
			return nil
		},
	})

	return consumer, nil
}

func startHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	worker *flow.Worker,
	committer *service.Committer,
	store repository.Store,
) {
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.ServicePort),
		Handler: httpapi.NewRouter(httpapi.Deps{
			Flows:    worker,
			Pours:    committer,
			Taps:     store,
			Gatherer: prometheus.DefaultGatherer,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startRepairLoop(lc fx.Lifecycle, cfg *config.Config, committer *service.Committer) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				committer.RunRepairLoop(ctx, cfg.Pipeline.RepairInterval, cfg.Pipeline.RepairBatchSize)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// ProvideSnowflakeNode creates the id generator for pours and sessions
func ProvideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// ProvideStore creates the configured storage backend
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	switch cfg.Database.Driver {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryStore(), nil
	default:
		pool, err := db.NewPool(lc, logger, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(pool), nil
	}
}

// ProvideLocker serializes per-subject work, across instances when Redis is configured
func ProvideLocker(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (lock.Locker, error) {
	local := lock.NewKeyedMutex()
	if cfg.Redis.URL == "" {
		return local, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := lock.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	logger.Info("distributed subject lock enabled", zap.Duration("ttl", cfg.Redis.LockTTL))
	return lock.Chain(local, lock.NewRedisLocker(client, cfg.Redis.LockTTL, logger)), nil
}

// ProvideMetrics registers the worker collectors
func ProvideMetrics(cfg *config.Config) (*metrics.Metrics, error) {
	return metrics.New(prometheus.DefaultRegisterer, cfg.ServiceName)
}

// ProvideStatsEngine creates the stats engine over the drinker, keg and session builders
func ProvideStatsEngine(logger *zap.Logger) *stats.Engine {
	return stats.NewEngine(logger)
}

// ProvideRecorder creates the pour recorder
func ProvideRecorder(cfg *config.Config, node *snowflake.Node) *recorder.Recorder {
	return recorder.New(validator.NewValidator(cfg.Pour.MaxTicks), node, cfg.Pour.DefaultMlPerTick)
}

// ProvideGrouper creates the session grouper
func ProvideGrouper(cfg *config.Config, node *snowflake.Node) *session.Grouper {
	return session.NewGrouper(cfg.Session.IdleGap, session.Scope(cfg.Session.Scope), node)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.WorkerExchange, cfg.RabbitMQ.WorkerRoutingKey, mq.BreakerConfig{
		Failures: cfg.Publisher.BreakerFailures,
		Timeout:  cfg.Publisher.BreakerTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideCommitter creates the pour commit unit
func ProvideCommitter(
	store repository.Store,
	rec *recorder.Recorder,
	grouper *session.Grouper,
	engine *stats.Engine,
	locker lock.Locker,
	publisher *mq.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *service.Committer {
	return service.NewCommitter(service.CommitterDeps{
		Store:     store,
		Recorder:  rec,
		Grouper:   grouper,
		Engine:    engine,
		Locker:    locker,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	})
}

// ProvidePipeline creates the pour pipeline, drained on shutdown
func ProvidePipeline(lc fx.Lifecycle, cfg *config.Config, committer *service.Committer, logger *zap.Logger) *service.Pipeline {
	p := service.NewPipeline(committer, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Start()
			return nil
		},
		OnStop: p.Stop,
	})
	return p
}

// ProvideFlowWorker creates the single writer of flow state
func ProvideFlowWorker(lc fx.Lifecycle, cfg *config.Config, pipeline *service.Pipeline, logger *zap.Logger) *flow.Worker {
	tracker := flow.NewTracker(cfg.Flow.IdleTimeout, cfg.Flow.IdleMarkAfter, logger)
	w := flow.NewWorker(tracker, pipeline.Enqueue, flow.WorkerConfig{
		QueueSize:     cfg.Flow.QueueSize,
		SweepInterval: cfg.Flow.SweepInterval,
	}, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			w.Start()
			return nil
		},
		OnStop: w.Stop,
	})
	return w
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(worker *flow.Worker, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *service.ProcessorService {
	return service.NewProcessorService(worker, cfg.Flow.TimestampToleranceMinutes, m, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
