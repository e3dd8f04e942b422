package etltest

import (
	"context"
	"fmt"

	"github.com/zpiroux/flowline/entity"
)

// StreamEntityFactory hands out preconfigured mock entities by kind tag, for use with
// the engine's StreamBuilder. Kinds not registered result in configuration errors.
type StreamEntityFactory struct {
	Sources     map[string]entity.Source
	Stages      map[string]entity.Stage
	Concurrency map[string]entity.Concurrency
	Sinks       map[string]entity.Sink
}

func NewStreamEntityFactory() *StreamEntityFactory {
	return &StreamEntityFactory{
		Sources:     make(map[string]entity.Source),
		Stages:      make(map[string]entity.Stage),
		Concurrency: make(map[string]entity.Concurrency),
		Sinks:       make(map[string]entity.Sink),
	}
}

func (s *StreamEntityFactory) CreateSource(ctx context.Context, spec *entity.Spec, instance string) (entity.Source, error) {
	source, ok := s.Sources[spec.Input.Type]
	if !ok {
		return nil, entity.ConfigErrorf("source type '%s' not available", spec.Input.Type)
	}
	return source, nil
}

func (s *StreamEntityFactory) CreateStage(ctx context.Context, spec *entity.Spec, index int, instance string) (entity.Stage, entity.Concurrency, error) {
	kind := spec.Pipeline.Processors[index].Type
	stage, ok := s.Stages[kind]
	if !ok {
		return nil, entity.ConcurrencyShared, entity.ConfigErrorf("processors[%d]: stage type '%s' not available", index, kind)
	}
	return stage, s.Concurrency[kind], nil
}

func (s *StreamEntityFactory) CreateSink(ctx context.Context, spec *entity.Spec, sinkSpec entity.EntitySpec, instance string) (entity.Sink, error) {
	sink, ok := s.Sinks[sinkSpec.Type]
	if !ok {
		return nil, entity.ConfigErrorf("sink type '%s' not available", sinkSpec.Type)
	}
	return sink, nil
}

// NewSpec creates a validated spec with the provided entity kinds, and no props.
func NewSpec(id, input string, processors []string, output, errorOutput string) *entity.Spec {
	spec := &entity.Spec{Id: id}
	spec.Input.Type = input
	for _, p := range processors {
		spec.Pipeline.Processors = append(spec.Pipeline.Processors, entity.EntitySpec{Type: p})
	}
	spec.Output.Type = output
	if errorOutput != "" {
		spec.ErrorOutput = &entity.EntitySpec{Type: errorOutput}
	}
	spec.EnsureValidDefaults()
	if err := spec.Validate(); err != nil {
		panic(fmt.Sprintf("invalid test spec: %v", err))
	}
	return spec
}

// IntBatch creates a batch with a single int64 column.
func IntBatch(column string, values ...int64) *entity.Batch {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	schema := entity.MustSchema(entity.Field{Name: column, Type: entity.TypeInt64})
	b, err := entity.NewBatch(schema, [][]any{vals})
	if err != nil {
		panic(err)
	}
	return b
}

// FirstInt returns the first value of the first column of an int64 batch.
func FirstInt(b *entity.Batch) int64 {
	return b.Value(0, 0).(int64)
}
