package assembly

import (
	"context"
	"fmt"
	"sort"

	"github.com/zpiroux/flowline/entity"
)

// StreamEntityFactory creates stream entities from stream definitions using the registered
// factories. It is a singleton created by the Service, and operated by the StreamBuilder.
type StreamEntityFactory struct {
	config Config
}

func NewStreamEntityFactory(config Config) *StreamEntityFactory {
	return &StreamEntityFactory{config: config}
}

func (s *StreamEntityFactory) CreateSource(ctx context.Context, spec *entity.Spec, instance string) (entity.Source, error) {
	sf, ok := s.config.Sources[spec.Input.Type]
	if !ok {
		return nil, entity.ConfigErrorf("input: unknown kind '%s', available kinds: %v", spec.Input.Type, sortedKeys(s.config.Sources))
	}
	source, err := sf.NewSource(ctx, s.entityConfig(spec, spec.Input, instance))
	if err != nil {
		return nil, asConfigError(err, "input")
	}
	return source, nil
}

func (s *StreamEntityFactory) CreateStage(ctx context.Context, spec *entity.Spec, index int, instance string) (entity.Stage, entity.Concurrency, error) {
	p := spec.Pipeline.Processors[index]
	where := fmt.Sprintf("processors[%d]", index)
	sf, ok := s.config.Stages[p.Type]
	if !ok {
		return nil, entity.ConcurrencyShared, entity.ConfigErrorf("%s: unknown kind '%s', available kinds: %v", where, p.Type, sortedKeys(s.config.Stages))
	}
	stage, err := sf.NewStage(ctx, s.entityConfig(spec, p, instance))
	if err != nil {
		return nil, entity.ConcurrencyShared, asConfigError(err, where)
	}
	return stage, sf.Concurrency(), nil
}

func (s *StreamEntityFactory) CreateSink(ctx context.Context, spec *entity.Spec, sinkSpec entity.EntitySpec, instance string) (entity.Sink, error) {
	sf, ok := s.config.Sinks[sinkSpec.Type]
	if !ok {
		return nil, entity.ConfigErrorf("output: unknown kind '%s', available kinds: %v", sinkSpec.Type, sortedKeys(s.config.Sinks))
	}
	sink, err := sf.NewSink(ctx, s.entityConfig(spec, sinkSpec, instance))
	if err != nil {
		return nil, asConfigError(err, "output")
	}
	return sink, nil
}

// Validate checks that all kinds referenced by the stream definition are registered.
func (s *StreamEntityFactory) Validate(spec *entity.Spec) error {
	if _, ok := s.config.Sources[spec.Input.Type]; !ok {
		return entity.ConfigErrorf("stream %s: input: unknown kind '%s'", spec.Id, spec.Input.Type)
	}
	for i, p := range spec.Pipeline.Processors {
		if _, ok := s.config.Stages[p.Type]; !ok {
			return entity.ConfigErrorf("stream %s: processors[%d]: unknown kind '%s'", spec.Id, i, p.Type)
		}
	}
	if _, ok := s.config.Sinks[spec.Output.Type]; !ok {
		return entity.ConfigErrorf("stream %s: output: unknown kind '%s'", spec.Id, spec.Output.Type)
	}
	if spec.ErrorOutput != nil {
		if _, ok := s.config.Sinks[spec.ErrorOutput.Type]; !ok {
			return entity.ConfigErrorf("stream %s: error_output: unknown kind '%s'", spec.Id, spec.ErrorOutput.Type)
		}
	}
	return nil
}

func (s *StreamEntityFactory) entityConfig(spec *entity.Spec, es entity.EntitySpec, instance string) entity.Config {
	return entity.Config{
		Stream:     spec.Id,
		Instance:   instance,
		Kind:       es.Type,
		Props:      es.Props,
		Ops:        spec.Ops,
		NotifyChan: s.config.NotifyChan,
		Log:        s.config.Log,
	}
}

// asConfigError marks entity creation failures as configuration errors, since they are
// reported while building the stream.
func asConfigError(err error, where string) error {
	if entity.IsConfigError(err) {
		return err
	}
	return entity.ConfigErrorf("%s: %v", where, err)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
