package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"sutfleet/internal/api"
	"sutfleet/internal/automation"
	"sutfleet/internal/broker"
	"sutfleet/internal/config"
	"sutfleet/internal/eventbus"
	"sutfleet/internal/logchan"
	"sutfleet/internal/monitor"
	"sutfleet/internal/session"
	"sutfleet/internal/session/worker"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// BrokerServer runs the inference broker and its HTTP surface.
type BrokerServer struct {
	cfg        *config.Config
	broker     *broker.Broker
	httpServer *http.Server
	logger     *slog.Logger
}

func NewBrokerServer(cfg *config.Config, logger *slog.Logger) *BrokerServer {
	backend := broker.NewHTTPBackend(cfg.Broker.TargetURL, nil)
	b := broker.New(backend, broker.Options{
		Capacity:     cfg.Broker.QueueCapacity,
		Timeout:      cfg.Broker.RequestTimeout,
		ProbeTimeout: cfg.Broker.ProbeTimeout,
		Logger:       logger,
		Metrics:      monitor.BrokerRecorder{},
	})

	return &BrokerServer{
		cfg:    cfg,
		broker: b,
		httpServer: &http.Server{
			Addr:         cfg.Broker.Addr,
			Handler:      api.NewBrokerRouter(b, backend.Target(), logger),
			ReadTimeout:  cfg.Broker.ReadTimeout,
			WriteTimeout: cfg.Broker.WriteTimeout,
		},
		logger: logger,
	}
}

// Start blocks until ctx is done or a listener fails, then shuts down.
func (s *BrokerServer) Start(ctx context.Context) error {
	s.broker.Start()
	s.logger.Info("Forwarding to vision backend", "target", s.cfg.Broker.TargetURL, "timeout", s.cfg.Broker.RequestTimeout)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger, map[string]monitor.ReadyCheck{
			"broker": s.workerReady,
		})
	})
	g.Go(func() error {
		s.logger.Info("Starting broker API server", "addr", s.cfg.Broker.Addr)
		return listen(s.httpServer)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutdown signal received, draining...")
		return s.shutdown()
	})
	return g.Wait()
}

func (s *BrokerServer) workerReady(context.Context) error {
	if !s.broker.Stats().WorkerRunning {
		return errors.New("worker not running")
	}
	return nil
}

func (s *BrokerServer) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.broker.Stop()
	s.logger.Info("Broker stopped gracefully")
	return err
}

// FleetServer runs the session fleet and its control surface.
type FleetServer struct {
	cfg         *config.Config
	deps        *Dependency
	manager     *session.Manager
	reaper      *session.BatchReaper
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	logger      *slog.Logger
}

func NewFleetServer(cfg *config.Config, deps *Dependency, channel *logchan.Channel) (*FleetServer, error) {
	logger := deps.Logger

	var bus eventbus.EventBus = eventbus.NewMemoryBus()
	if deps.Redis != nil {
		bus = eventbus.NewRedisBus(deps.Redis, logger)
	}
	batches := deps.BatchRepository()

	sut := automation.NewSUTClient(nil)
	manager := session.NewManager(session.Deps{
		Loader:       automation.NewLoader(logger),
		Engines:      automation.NewEngineFactory(sut, nil),
		Launcher:     sut,
		Channel:      channel,
		Bus:          bus,
		Repo:         batches,
		Metrics:      monitor.SessionRecorder{},
		LogsRoot:     cfg.Control.LogsRoot,
		CaptureLines: cfg.Logging.CaptureLines,
		LogLevel:     cfg.Logging.Level,
	}, logger)

	if _, err := os.Stat(cfg.Control.FleetFile); err == nil {
		if err := manager.Load(cfg.Control.FleetFile); err != nil {
			return nil, fmt.Errorf("load fleet: %w", err)
		}
	} else {
		logger.Info("No fleet file, starting with an empty fleet", "path", cfg.Control.FleetFile)
	}

	s := &FleetServer{
		cfg:     cfg,
		deps:    deps,
		manager: manager,
		reaper: session.NewBatchReaper(batches, manager.IsActive, session.ReaperConfig{
			Interval: cfg.Reaper.Interval,
			MaxAge:   cfg.Reaper.MaxAge,
		}, logger),
		logger: logger,
	}

	var scheduler session.Scheduler
	if deps.AsynqClient != nil {
		scheduler = worker.NewAsynqScheduler(deps.AsynqClient, "", logger)

		s.asynqServer = asynq.NewServer(deps.AsynqRedis, asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Logger:      newAsynqLogger(logger),
		})
		s.asynqMux = asynq.NewServeMux()
		worker.NewStartTaskHandler(manager, logger).Register(s.asynqMux)
	}

	// Control traffic is not part of any session's batch.
	apiLogger := channel.Bypass().With("component", "api")
	s.httpServer = &http.Server{
		Addr: cfg.Control.Addr,
		Handler: api.NewControlRouter(api.ControlDeps{
			Manager:   manager,
			Bus:       bus,
			Scheduler: scheduler,
			SUT:       sut,
			FleetFile: cfg.Control.FleetFile,
			Logger:    apiLogger,
		}),
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}
	return s, nil
}

func (s *FleetServer) Manager() *session.Manager {
	return s.manager
}

// Start blocks until ctx is done or a listener fails, then stops every
// session and shuts down.
func (s *FleetServer) Start(ctx context.Context, startAll bool) error {
	if s.asynqServer != nil {
		s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			return fmt.Errorf("start asynq worker: %w", err)
		}
	}
	if startAll {
		s.manager.StartAll()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.reaper.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger, s.deps.ReadyChecks())
	})
	g.Go(func() error {
		s.logger.Info("Starting control API server", "addr", s.cfg.Control.Addr, "sessions", len(s.manager.List()))
		return listen(s.httpServer)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutdown signal received, draining...")
		return s.shutdown()
	})
	return g.Wait()
}

func (s *FleetServer) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}
	s.reaper.Stop()

	err := s.manager.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Error("Sessions did not stop in time", "error", err)
	}
	s.logger.Info("Fleet stopped gracefully")
	return err
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL: " + fmt.Sprint(args...)) }
