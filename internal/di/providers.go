package di

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"CoordScope/internal/domain/repository"
	"CoordScope/internal/handler/api"
	mid "CoordScope/internal/middleware"
	internalrepo "CoordScope/internal/repository"
	"CoordScope/internal/service/ratelimit"
	"CoordScope/internal/service/riskstream"
	"CoordScope/internal/services/evidence"
	"CoordScope/internal/usecase"
	"CoordScope/pkg/cache"
	pkgch "CoordScope/pkg/clickhouse"
	"CoordScope/pkg/config"
	pkgkafka "CoordScope/pkg/kafka"
	applogger "CoordScope/pkg/logger"
	"CoordScope/pkg/metrics"
	"CoordScope/pkg/server"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New(nil)
}

// ProvideClickHouseClient creates a ClickHouse client.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := pkgch.NewClient(ctx, pkgch.ClientConfig{
		Host:         cfg.ClickHouse.Host,
		Port:         cfg.ClickHouse.Port,
		Database:     cfg.ClickHouse.Database,
		User:         cfg.ClickHouse.User,
		Password:     cfg.ClickHouse.Password,
		MaxOpenConns: cfg.Engine.Cycle.Workers * 2,
		DialTimeout:  cfg.ClickHouse.DialTimeout,
		ReadTimeout:  cfg.ClickHouse.ReadTimeout,
		MaxExecTime:  cfg.ClickHouse.ReadTimeout,
		UseHTTP:      cfg.ClickHouse.UseHTTP,
		AsyncInsert:  cfg.ClickHouse.AsyncInsert,
		WaitForAsync: cfg.ClickHouse.WaitForAsync,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideObservationStore creates the ClickHouse observation store and its schema.
func ProvideObservationStore(ch *pkgch.Client, cfg *config.Config, l *applogger.Logger) (repository.ObservationStore, error) {
	store := internalrepo.NewCHObservationStore(ch, cfg.ClickHouse.BatchSize, l)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

// ProvideCache creates a Redis-backed layered cache, or an in-process cache
// when Redis is disabled (single replica).
func ProvideCache(cfg *config.Config) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(cache.WithMemoryMaxSize(10000), cache.WithMemoryCleanup(time.Minute)), nil
	}
	rc, err := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return cache.NewLayeredCache(rc, cache.WithL1Size(5000), cache.WithL1TTL(5*time.Second)), nil
}

func ProvideStateStore(c cache.Service, cfg *config.Config) repository.StateStore {
	return internalrepo.NewCacheStateStore(c, cfg.Redis.StateTTL)
}

// ProvideRiskHub streams risk updates to WebSocket subscribers.
func ProvideRiskHub(l *applogger.Logger) *riskstream.Hub {
	return riskstream.NewHub(l, riskstream.WithPingInterval(30*time.Second))
}

// ProvideRiskBoard stores the latest risk per partition and streams every update.
func ProvideRiskBoard(c cache.Service, hub *riskstream.Hub, cfg *config.Config) repository.RiskBoard {
	return hub.Board(internalrepo.NewCacheRiskBoard(c, cfg.Redis.RiskTTL))
}

// ProvideLease creates the partition lease owned by this replica.
func ProvideLease(c cache.Service) repository.PartitionLease {
	host, _ := os.Hostname()
	return internalrepo.NewCacheLease(c, host+"-"+uuid.NewString())
}

// ProvideEvidenceStore opens the Badger evidence store.
func ProvideEvidenceStore(cfg *config.Config, l *applogger.Logger) (repository.EvidenceStore, error) {
	store, err := internalrepo.NewBadgerEvidenceStore(internalrepo.BadgerConfig{
		Dir:        cfg.Evidence.Dir,
		InMemory:   cfg.Evidence.InMemory,
		SyncWrites: cfg.Evidence.SyncWrites,
		GCInterval: 10 * time.Minute,
	}, l)
	if err != nil {
		return nil, fmt.Errorf("evidence store: %w", err)
	}
	return store, nil
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithWriteTimeout(cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithKeyOrdering(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideSchemaValidator compiles the evidence bundle JSON schema.
func ProvideSchemaValidator() (*evidence.SchemaValidator, error) {
	return evidence.NewSchemaValidator()
}

// ProvideEvidencePublisher exports bundles over Kafka. Export is disabled when
// there is no producer or it is switched off.
func ProvideEvidencePublisher(producer *pkgkafka.Producer, v *evidence.SchemaValidator, cfg *config.Config) repository.EvidencePublisher {
	if producer == nil || !cfg.Evidence.ExportEnabled {
		return nil
	}
	return internalrepo.NewKafkaEvidencePublisher(producer, cfg.Kafka.EvidenceTopic, v)
}

func ProvideRecorder(cfg *config.Config) (*evidence.Recorder, error) {
	return evidence.NewRecorder(cfg.Engine, server.Version)
}

func ProvideAnalyzer(cfg *config.Config, l *applogger.Logger) *usecase.Analyzer {
	return usecase.NewAnalyzer(cfg.Engine, l)
}

func ProvideMonitoringCycle(
	analyzer *usecase.Analyzer,
	recorder *evidence.Recorder,
	store repository.EvidenceStore,
	publisher repository.EvidencePublisher,
	board repository.RiskBoard,
	states repository.StateStore,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.MonitoringCycle {
	return usecase.NewMonitoringCycle(analyzer, recorder, store, publisher, board, states, m, l)
}

func ProvideScheduler(
	cfg *config.Config,
	cycle *usecase.MonitoringCycle,
	store repository.ObservationStore,
	states repository.StateStore,
	lease repository.PartitionLease,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.Scheduler {
	return usecase.NewScheduler(usecase.SchedulerConfigFrom(cfg), cycle, store, states, lease, m, l)
}

// ProvideExportSweep returns nil when export is disabled.
func ProvideExportSweep(cfg *config.Config, store repository.EvidenceStore, publisher repository.EvidencePublisher, m repository.Metrics, l *applogger.Logger) *usecase.ExportSweep {
	if publisher == nil {
		return nil
	}
	return usecase.NewExportSweep(store, publisher, m, cfg.Evidence.SweepInterval, cfg.Evidence.SweepBatch, l)
}

func ProvideGoldenCalibration(cfg *config.Config, recorder *evidence.Recorder, m repository.Metrics, l *applogger.Logger) *usecase.GoldenCalibration {
	return usecase.NewGoldenCalibration(cfg.Engine, recorder, m, l)
}

// ProvideObservationPipeline validates and deduplicates records before they reach the store.
func ProvideObservationPipeline(store repository.ObservationStore, m repository.Metrics) *mid.ObservationPipeline {
	return mid.NewObservationPipeline(store, m, mid.WithMaxSkew(time.Minute))
}

// ProvideKafkaConsumer creates a Kafka consumer, or nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideKafkaObservationsHandler handles the observations topic.
func ProvideKafkaObservationsHandler(cfg *config.Config, pipeline *mid.ObservationPipeline, m repository.Metrics) *usecase.KafkaObservationsHandler {
	return usecase.NewKafkaObservationsHandler(cfg.Kafka.ObservationsTopic, pipeline, m)
}

func ProvideWindowAnalysis(cfg *config.Config, analyzer *usecase.Analyzer, store repository.ObservationStore) *usecase.WindowAnalysis {
	return usecase.NewWindowAnalysis(analyzer, store, cfg.Server.Analysis.MaxSpan)
}

func ProvideRiskHandler(
	cfg *config.Config,
	l *applogger.Logger,
	board repository.RiskBoard,
	store repository.EvidenceStore,
	analysis *usecase.WindowAnalysis,
	hub *riskstream.Hub,
) *api.RiskEchoHandler {
	limiter := ratelimit.New(float64(cfg.Server.Analysis.Burst), cfg.Server.Analysis.RPS)
	return api.NewRiskEchoHandler(l, board, store, analysis, limiter, hub, cfg.Engine.Cycle.Lookback)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	m repository.Metrics,
	ch *pkgch.Client,
	c cache.Service,
	observations repository.ObservationStore,
	evidenceStore repository.EvidenceStore,
	producer *pkgkafka.Producer,
	publisher repository.EvidencePublisher,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaObservationsHandler,
	scheduler *usecase.Scheduler,
	sweep *usecase.ExportSweep,
	golden *usecase.GoldenCalibration,
	handler *api.RiskEchoHandler,
	hub *riskstream.Hub,
) *server.App {
	if consumer != nil {
		consumer.Use(usecase.ObservationConsumerHooks(m, l))
	}
	if producer != nil && cfg.Logger.ErrorTopic != "" {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          cfg.Logger.ErrorTopic,
			Publisher:      producer,
		})
	}
	return server.New(server.Components{
		Config:       cfg,
		Logger:       l,
		ClickHouse:   ch,
		Cache:        c,
		Observations: observations,
		Evidence:     evidenceStore,
		Producer:     producer,
		Publisher:    publisher,
		Consumer:     consumer,
		Handler:      kh,
		Scheduler:    scheduler,
		Sweep:        sweep,
		Golden:       golden,
		HTTPHandler:  handler,
		Stream:       hub,
	})
}
