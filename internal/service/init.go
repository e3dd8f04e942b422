package service

import (
	"context"
	"errors"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/zpiroux/flowline/internal/pkg/assembly"
	"github.com/zpiroux/flowline/internal/pkg/engine"
	"github.com/zpiroux/flowline/internal/pkg/registry"
)

func (s *Service) initConfig(config Config) {
	s.config = config
	if s.config.Entity.Sources == nil {
		s.config.Entity = assembly.NewConfig(assembly.BuiltinOptions{})
	}
	s.config.Entity.NotifyChan = config.Engine.NotifyChan
	s.config.Entity.Log = config.Engine.Log
	s.config.Registry.NotifyChan = config.Engine.NotifyChan
	s.config.Registry.Log = config.Engine.Log
}

// initMetrics creates a registry per service, so that several services can run in the
// same process.
func (s *Service) initMetrics() {
	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if s.config.Engine.Metrics == nil {
		s.config.Engine.Metrics = engine.NewMetrics(s.promRegistry)
	}
}

func (s *Service) initEngine() {
	s.entityFactory = assembly.NewStreamEntityFactory(s.config.Entity)
	s.streamBuilder = engine.NewStreamBuilder(s.entityFactory)
}

func (s *Service) initRegistry() {
	s.registry = registry.NewStreamRegistry(s.config.Registry)
}

func (s *Service) initSupervisor(ctx context.Context) error {

	var err error

	s.supervisor, err = engine.NewSupervisor(ctx, s.config.Engine, s.streamBuilder, s.registry)
	if err != nil {
		return errors.New("error creating supervisor: " + err.Error())
	}
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
