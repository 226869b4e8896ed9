package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/coordinator"
	"alertengine/internal/dispatch"
	"alertengine/internal/engine"
	"alertengine/internal/escalation"
	"alertengine/internal/lifecycle"
	"alertengine/internal/logging"
	"alertengine/internal/metricsource"
	"alertengine/internal/oncall"
	"alertengine/internal/state"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable alert engine service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	coord     *coordinator.Coordinator
	policies  *policyCatalog
	rotations *rotationCatalog
	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds a service instance from a config source.
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

	store, err := buildStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	metricSource := buildMetricSource(cfg.MetricSource)
	policies := newPolicyCatalog(cfg.Policies())
	rotations := newRotationCatalog(oncall.NewStaticResolver(cfg.OnCall))

	dispatcher, err := buildDispatcher(cfg, store, clk, logger)
	if err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}

	manager := lifecycle.New(store, policies, clk, logger)
	scheduler := escalation.New(store, manager, dispatcher, rotations, cfg.Service, clk, logger)
	eng := engine.New(store, metricSource, clk, logger)
	coord := coordinator.New(store, eng, manager, scheduler, cfg.Service, clk, logger)

	service := &Service{
		source:    source,
		cfg:       cfg,
		logger:    logger,
		closeLog:  closeLog,
		store:     store,
		coord:     coord,
		policies:  policies,
		rotations: rotations,
		clock:     clk,
	}
	service.buildHTTPServer()
	return service, nil
}

// Coordinator exposes the operations surface for embedding callers.
// Params: none.
// Returns: coordinator with rule CRUD and alert actions.
func (s *Service) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Run starts the service lifecycle and blocks until a shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	if err := s.seedRules(shutdownCtx); err != nil {
		_ = s.shutdown()
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Service.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		_ = s.coord.Run(shutdownCtx)
	}()

	if s.cfg.Service.ReloadEnabled {
		reloadTicker := time.NewTicker(time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second)
		defer reloadTicker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-reloadTicker.C:
					if err := s.reloadConfig(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
						s.logger.Error("reload failed", "error", err.Error())
					}
				}
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
	}

	shutdownCancel()
	<-coordDone
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
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

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// seedRules upserts config-defined rules into the store at startup.
// Params: context for store operations.
// Returns: first upsert error.
func (s *Service) seedRules(ctx context.Context) error {
	for _, rule := range s.cfg.SeedRules() {
		if err := s.coord.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// reloadConfig reloads policies, rotations, and seed rules from the source.
// Params: context for store operations.
// Returns: reload error; mode and transport changes require a restart.
func (s *Service) reloadConfig(ctx context.Context) error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if nextCfg.Service.Mode != s.cfg.Service.Mode {
		return fmt.Errorf("service.mode change requires restart")
	}

	s.policies.Replace(nextCfg.Policies())
	s.rotations.Replace(oncall.NewStaticResolver(nextCfg.OnCall))
	for _, rule := range nextCfg.SeedRules() {
		if err := s.coord.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("reload rule %s: %w", rule.ID, err)
		}
	}
	s.cfg = nextCfg
	s.logger.Info("configuration reloaded")
	return nil
}

// buildHTTPServer wires health, readiness, and metrics endpoints.
// Params: none.
// Returns: server stored on the service.
func (s *Service) buildHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Service.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Service.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.Service.MetricsPath, promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Service.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildStore creates the runtime state backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (state.Store, error) {
	if cfg.Service.Mode == config.ServiceModeSingle {
		return state.NewMemoryStore(), nil
	}
	return state.NewNATSStore(cfg.State.NATS)
}

// buildMetricSource creates the metric query backend from config.
// Params: metric_source section.
// Returns: selected source implementation.
func buildMetricSource(cfg config.MetricSourceConfig) metricsource.Source {
	if cfg.Kind == "static" {
		return metricsource.NewStaticSource()
	}
	return metricsource.NewHTTPSource(cfg)
}

// buildDispatcher registers every enabled notification channel.
// Params: config snapshot, store, clock, and logger.
// Returns: dispatcher or channel construction error. The dispatch timeout
// doubles as the staleness bound for reclaiming pending attempt records left
// behind by a crashed instance.
func buildDispatcher(cfg config.Config, store state.Store, clk clock.Clock, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	pendingStale := time.Duration(cfg.Service.DispatchTimeoutSec) * time.Second
	dispatcher := dispatch.New(store, pendingStale, clk, logger)

	notify := cfg.Notify
	if notify.Telegram.Enabled {
		sender, err := dispatch.NewTelegramSender(notify.Telegram)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		dispatcher.Register(sender, notify.Telegram.Retry, notify.Telegram.Breaker)
	}
	if notify.Webhook.Enabled {
		dispatcher.Register(dispatch.NewWebhookSender(notify.Webhook), notify.Webhook.Retry, notify.Webhook.Breaker)
	}
	if notify.ChatWebhook.Enabled {
		dispatcher.Register(dispatch.NewChatWebhookSender(notify.ChatWebhook), notify.ChatWebhook.Retry, notify.ChatWebhook.Breaker)
	}
	return dispatcher, nil
}
