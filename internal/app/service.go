package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"escalation/internal/api"
	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/engine"
	"escalation/internal/events"
	"escalation/internal/ingest"
	"escalation/internal/logging"
	"escalation/internal/notify"
	"escalation/internal/notifyqueue"
	"escalation/internal/rules"
	"escalation/internal/state"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable escalation service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	gateway   *notify.Gateway
	engine    *engine.Engine
	publisher events.Publisher
	apiSrv    *api.Server
	natsSub   interface{ Close() error }
	retryProd notifyqueue.Producer
	retryWork interface{ Close() error }
	memQueue  *notifyqueue.MemoryQueue
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}

	if err := service.buildStore(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildPublisher(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNotifyRuntime(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	catalog := rules.NewCatalog(cfg.Rule)
	actionTimeout := time.Duration(cfg.Service.ActionTimeoutSec) * time.Second
	service.engine = engine.New(catalog, service.store, service.gateway, service.publisher, logger, clk, actionTimeout)

	if err := service.buildAPIServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	if s.apiSrv != nil {
		go func() {
			if err := s.apiSrv.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	sweepInterval := time.Duration(s.cfg.Service.SweepIntervalSec) * time.Second
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-sweepTicker.C:
				advanced, err := s.engine.Sweep(shutdownCtx)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("sweep failed", "error", err.Error())
					continue
				}
				if advanced > 0 {
					s.logger.Info("sweep advanced records", "count", advanced)
				}
			}
		}
	}()

	if s.memQueue != nil {
		retryInterval := time.Duration(s.cfg.Notify.Queue.RetryCycleSec) * time.Second
		retryTicker := time.NewTicker(retryInterval)
		defer retryTicker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-retryTicker.C:
					s.memQueue.RunCycle(shutdownCtx)
				}
			}
		}()
	}

	s.readyFlag.Store(true)
	s.logger.Info("escalation service started",
		"mode", s.cfg.Service.Mode,
		"sweep_interval", sweepInterval.String(),
		"rules", len(s.cfg.Rule),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("api server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.apiSrv != nil {
		if err := s.apiSrv.Shutdown(ctx); err != nil {
			s.logger.Error("api shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("api shutdown: %w", err))
		}
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("ingest subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("ingest subscriber close: %w", err))
		}
	}
	if s.retryWork != nil {
		if err := s.retryWork.Close(); err != nil {
			s.logger.Error("retry queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("retry queue worker close: %w", err))
		}
	}
	if s.retryProd != nil {
		if err := s.retryProd.Close(); err != nil {
			s.logger.Error("retry queue producer close failed", "error", err.Error())
			markErr(fmt.Errorf("retry queue producer close: %w", err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event publisher close failed", "error", err.Error())
			markErr(fmt.Errorf("event publisher close: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close failed", "error", err.Error())
			markErr(fmt.Errorf("store close: %w", err))
		}
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.retryWork != nil {
		_ = s.retryWork.Close()
		s.retryWork = nil
	}
	if s.retryProd != nil {
		_ = s.retryProd.Close()
		s.retryProd = nil
	}
	if s.publisher != nil {
		_ = s.publisher.Close()
		s.publisher = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore creates the record backend for the configured mode.
// Params: none.
// Returns: setup error.
func (s *Service) buildStore() error {
	switch s.cfg.Service.Mode {
	case config.ServiceModeSingle:
		s.store = state.NewMemoryStore()
		return nil
	case config.ServiceModeNATS:
		store, err := state.NewNATSStore(config.DeriveStateNATSConfig(s.cfg))
		if err != nil {
			return err
		}
		s.store = store
		return nil
	case config.ServiceModeRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := state.NewRedisStore(ctx, s.cfg.Service.Redis)
		if err != nil {
			return err
		}
		s.store = store
		return nil
	default:
		return fmt.Errorf("unsupported service mode %q", s.cfg.Service.Mode)
	}
}

// buildPublisher creates the lifecycle event publisher for the mode.
// Params: none.
// Returns: setup error.
func (s *Service) buildPublisher() error {
	if s.cfg.Service.Mode != config.ServiceModeNATS {
		s.publisher = events.NewLogPublisher(s.logger)
		return nil
	}
	publisher, err := events.NewNATSPublisher(config.DeriveEventsNATSConfig(s.cfg), s.logger)
	if err != nil {
		return err
	}
	s.publisher = publisher
	return nil
}

// buildNotifyRuntime wires the gateway and its retry backlog. The
// redelivery handler resolves the gateway through the service so the
// gateway can be constructed with the backlog already in place.
// Params: none.
// Returns: setup error.
func (s *Service) buildNotifyRuntime() error {
	redeliver := func(ctx context.Context, job notifyqueue.Job) error {
		return s.gateway.Deliver(ctx, job.Channel, job.Outbound)
	}

	var enqueuer notify.RetryEnqueuer
	if s.cfg.Service.Mode == config.ServiceModeNATS {
		queueCfg := config.DeriveQueueNATSConfig(s.cfg)
		producer, err := notifyqueue.NewNATSProducer(queueCfg)
		if err != nil {
			return err
		}
		worker, err := notifyqueue.NewNATSWorker(queueCfg, s.logger, redeliver)
		if err != nil {
			_ = producer.Close()
			return err
		}
		s.retryProd = producer
		s.retryWork = worker
		enqueuer = notifyqueue.NewEnqueuer(producer, s.clock)
	} else {
		s.memQueue = notifyqueue.NewMemoryQueue(s.cfg.Notify.Queue, redeliver, s.logger, s.clock)
		s.retryProd = s.memQueue
		enqueuer = notifyqueue.NewEnqueuer(s.memQueue, s.clock)
	}

	gateway, err := notify.NewGateway(s.cfg.Notify, s.cfg.Subscription, enqueuer, s.logger, s.clock)
	if err != nil {
		return err
	}
	s.gateway = gateway
	return nil
}

// buildAPIServer wires the HTTP surface when enabled.
// Params: none.
// Returns: setup error.
func (s *Service) buildAPIServer() error {
	if !s.cfg.API.Enabled {
		return nil
	}
	handler := api.NewHandler(s.cfg.API, s.engine, s.readyFlag.Load, s.logger, s.clock)
	s.apiSrv = api.NewServer(s.cfg.API, handler, s.logger)
	return nil
}

// buildNATSSubscriber starts NATS alert ingest in nats mode.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if s.cfg.Service.Mode != config.ServiceModeNATS {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, alertSink{engine: s.engine}, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// alertSink adapts the engine to the ingest sink contract.
// Params: engine reference.
// Returns: sink forwarding alerts into ProcessAlert.
type alertSink struct {
	engine *engine.Engine
}

// Push processes one ingested alert.
// Params: context and decoded alert.
// Returns: engine processing error.
func (s alertSink) Push(ctx context.Context, alert domain.Alert) error {
	_, err := s.engine.ProcessAlert(ctx, alert)
	return err
}
