package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CoordScope/internal/domain/repository"
	"CoordScope/internal/service/riskstream"
	"CoordScope/internal/usecase"
	"CoordScope/pkg/cache"
	pkgch "CoordScope/pkg/clickhouse"
	"CoordScope/pkg/config"
	xhttp "CoordScope/pkg/http"
	pkgkafka "CoordScope/pkg/kafka"
	applogger "CoordScope/pkg/logger"
)

// Version is stamped into every evidence bundle. Overridden at build time with -ldflags.
var Version = "dev"

// Components are the wired dependencies the App drives. Optional parts are nil
// when disabled by configuration.
type Components struct {
	Config       *config.Config
	Logger       *applogger.Logger
	ClickHouse   *pkgch.Client
	Cache        cache.Service
	Observations repository.ObservationStore
	Evidence     repository.EvidenceStore
	Producer     *pkgkafka.Producer
	Publisher    repository.EvidencePublisher
	Consumer     *pkgkafka.Consumer
	Handler      pkgkafka.MessageHandler
	Scheduler    *usecase.Scheduler
	Sweep        *usecase.ExportSweep
	Golden       *usecase.GoldenCalibration
	HTTPHandler  xhttp.Handler
	Stream       *riskstream.Hub
}

// App encapsulates the entire application lifecycle.
type App struct {
	Components
	cfg        *config.Config
	log        *applogger.Logger
	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(c Components) *App {
	l := c.Logger
	if l == nil {
		l = applogger.Nop()
	}
	return &App{Components: c, cfg: c.Config, log: l}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	cancel()
	return a.Shutdown(context.Background())
}

// Start brings the engine up: golden calibration, ingestion, scheduling, export and HTTP.
func (a *App) Start(ctx context.Context) error {
	if a.Golden != nil && a.cfg.Engine.Cycle.GoldenCheck {
		gctx, cancel := context.WithTimeout(ctx, time.Minute)
		res, err := a.Golden.Run(gctx)
		cancel()
		if err != nil {
			a.log.Error("golden calibration failed", applogger.Error(err))
		}
		for _, m := range res {
			if !m.Passed {
				a.log.Warn("golden scenario failed",
					applogger.String("scenario", m.Scenario),
					applogger.String("expected", m.Expected),
					applogger.String("band", string(m.Band)))
			}
		}
	}

	if a.Consumer != nil && a.Handler != nil {
		a.Consumer.RegisterHandler(a.Handler)
		if err := a.Consumer.Start(); err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		a.log.Info("kafka consumer started", applogger.String("topic", a.Handler.Topic()))
	}

	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}
	if a.Sweep != nil {
		a.Sweep.Start(ctx)
	}

	opts := []xhttp.ServerOption{
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(a.cfg.Server.CORSOrigins...),
	}
	if !a.cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics("", nil, nil))
	} else {
		opts = append(opts, xhttp.WithMetrics(a.cfg.Metrics.Path, nil, nil))
	}
	if a.Observations != nil {
		opts = append(opts, xhttp.WithHealthCheck("clickhouse", a.Observations.Health))
	}
	if rc, ok := a.Cache.(interface {
		Ping(ctx context.Context) error
	}); ok {
		opts = append(opts, xhttp.WithHealthCheck("redis", rc.Ping))
	}
	a.httpServer = xhttp.NewServer(a.HTTPHandler, a.log, opts...)
	if err := a.httpServer.Start(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	a.log.Info("engine started",
		applogger.String("version", Version),
		applogger.Duration("interval", a.cfg.Engine.Cycle.Interval),
		applogger.Int("pinned_partitions", len(a.cfg.Engine.Cycle.Partitions)))
	return nil
}

// Shutdown stops intake first, then drains cycles, then closes infrastructure.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Stream != nil {
		a.Stream.Close()
	}
	if a.Consumer != nil {
		if err := a.Consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kafka consumer: %w", err))
		}
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Sweep != nil {
		a.Sweep.Stop()
	}

	a.log.RemoveCollector()
	if a.Publisher != nil {
		// closes the shared producer
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("evidence publisher: %w", err))
		}
	} else if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka producer: %w", err))
		}
	}
	if a.Evidence != nil {
		if err := a.Evidence.Close(); err != nil {
			errs = append(errs, fmt.Errorf("evidence store: %w", err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		a.log.Error("shutdown finished with errors", applogger.Error(err))
		return err
	}
	a.log.Info("shutdown complete")
	return nil
}
