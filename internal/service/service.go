package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teltech/logger"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/assembly"
	"github.com/zpiroux/flowline/internal/pkg/engine"
	"github.com/zpiroux/flowline/internal/pkg/registry"
)

var log *logger.Log

func init() {
	log = logger.New()
}

var (
	ErrAlreadyRunning = errors.New("service is already running")
	ErrStreamExists   = errors.New("stream id already registered")
)

// Service is responsible for creating and injecting concrete implementations of the various
// parts required by Flowline to function.
type Service struct {
	config        Config
	entityFactory *assembly.StreamEntityFactory
	registry      *registry.StreamRegistry
	streamBuilder *engine.StreamBuilder
	supervisor    *engine.Supervisor
	promRegistry  *prometheus.Registry
	server        *http.Server

	mu      sync.Mutex
	started bool
	ready   chan struct{}
}

type Config struct {
	Registry registry.Config
	Engine   engine.Config
	Entity   assembly.Config

	// MetricsAddress is the listen address of the metrics and health endpoints. Disabled if empty.
	MetricsAddress string
}

func (c Config) Close(ctx context.Context) error {
	if err := c.Entity.Close(ctx); err != nil {
		log.Errorf("error closing stream entity factories: %v", err)
		return err
	}
	return nil
}

func New(ctx context.Context, cfg Config) (*Service, error) {

	var (
		s   = Service{ready: make(chan struct{})}
		err error
	)

	for {

		s.initConfig(cfg)

		s.initMetrics()

		s.initEngine()

		s.initRegistry()

		if err = s.initSupervisor(ctx); err != nil {
			break
		}

		s.initServer()

		break
	}

	return &s, err
}

// AddStream validates the spec against the registered kinds and registers it. If the
// service is running the stream is built and started immediately, otherwise it is built
// by Run. Existing stream ids cannot be registered again.
func (s *Service) AddStream(ctx context.Context, spec *entity.Spec) error {
	if err := s.entityFactory.Validate(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry.Exists(spec.Id) {
		return fmt.Errorf("%w: %s", ErrStreamExists, spec.Id)
	}
	if err := s.registry.Put(ctx, spec); err != nil {
		return err
	}
	if !s.started {
		return nil
	}
	if err := s.supervisor.AddStream(ctx, spec); err != nil {
		_ = s.registry.Delete(ctx, spec.Id)
		return err
	}
	return nil
}

// Run builds all registered streams, starts the metrics server if configured, and blocks
// until all streams have stopped or the service has been shut down.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	err := s.supervisor.Init(ctx)
	s.mu.Unlock()
	if err != nil {
		close(s.ready)
		return fmt.Errorf("error initializing supervisor: %w", err)
	}

	serverErr := s.startServer()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		wg.Wait()
		close(s.ready)
	}()
	err = s.supervisor.Run(ctx, &wg)

	if stopErr := s.stopServer(); stopErr != nil {
		log.Warnf("error stopping metrics server: %v", stopErr)
	}
	if e := <-serverErr; e != nil {
		err = errors.Join(err, e)
	}
	return err
}

// AwaitReady blocks until Run has deployed all streams, or failed to start.
func (s *Service) AwaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Shutdown drains all streams and closes the entity factories. It returns the result of
// the supervisor shutdown, which reports streams not drained within the grace period.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.supervisor.Shutdown(ctx)
	if closeErr := s.config.Close(ctx); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

func (s *Service) Registry() *registry.StreamRegistry {
	return s.registry
}

func (s *Service) Supervisor() *engine.Supervisor {
	return s.supervisor
}

func (s *Service) EntityFactory() *assembly.StreamEntityFactory {
	return s.entityFactory
}

func (s *Service) Metrics() map[string]entity.Metrics {
	return s.supervisor.Metrics()
}

func (s *Service) Statuses() map[string]entity.StreamStatus {
	return s.supervisor.Statuses()
}

// PrometheusRegistry returns the registry holding the engine's collectors.
func (s *Service) PrometheusRegistry() *prometheus.Registry {
	return s.promRegistry
}

// Kinds returns the kind tags of all registered sources, stages and sinks.
func (s *Service) Kinds() map[string][]string {
	return map[string][]string{
		"source": sortedKeys(s.config.Entity.Sources),
		"stage":  sortedKeys(s.config.Entity.Stages),
		"sink":   sortedKeys(s.config.Entity.Sinks),
	}
}
