package engine

import (
	"context"
	"math/rand"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/iflow"
)

type StreamBuilder struct {
	entityFactory iflow.StreamEntityFactory
}

func NewStreamBuilder(entityFactory iflow.StreamEntityFactory) *StreamBuilder {
	return &StreamBuilder{entityFactory: entityFactory}
}

// Build creates all entities of a stream instance and validates the processor chain
// against the source schema if it is statically known. All returned errors are
// configuration errors.
func (s *StreamBuilder) Build(ctx context.Context, spec *entity.Spec) (stream iflow.Stream, err error) {

	var (
		instance = createInstanceAlias()
		source   entity.Source
		sink     entity.Sink
		chain    *Chain
	)

	// Entities created before a failure are closed, since the stream will never run
	defer func() {
		if err == nil {
			return
		}
		if source != nil {
			_ = source.Close(ctx)
		}
		if chain != nil {
			_ = chain.Close(ctx)
		}
		if sink != nil {
			_ = sink.Close(ctx)
		}
	}()

	source, err = s.entityFactory.CreateSource(ctx, spec, instance)
	if err != nil {
		return nil, err
	}

	stages := make([]ChainStage, 0, len(spec.Pipeline.Processors))
	for i, p := range spec.Pipeline.Processors {
		stage, concurrency, err := s.entityFactory.CreateStage(ctx, spec, i, instance)
		if err != nil {
			chain = NewChain(stages...)
			return nil, err
		}
		stages = append(stages, ChainStage{Index: i, Kind: p.Type, Stage: stage, Concurrency: concurrency})
	}
	chain = NewChain(stages...)

	if sp, ok := source.(entity.SchemaProvider); ok {
		if err = chain.Bind(sp.Schema()); err != nil {
			return nil, err
		}
	}

	sink, err = s.entityFactory.CreateSink(ctx, spec, spec.Output, instance)
	if err != nil {
		return nil, err
	}

	errorSpec := entity.EntitySpec{Type: entity.EntityDrop}
	if spec.ErrorOutput != nil {
		errorSpec = *spec.ErrorOutput
	}
	errorSink, err := s.entityFactory.CreateSink(ctx, spec, errorSpec, instance)
	if err != nil {
		return nil, err
	}

	return NewStream(spec, instance, source, chain, sink, errorSink), nil
}

// Since the actual/truly unique IDs of the stream instance, including Executor, Stream, and
// entities are the struct pointers, which is what is used for execution logic, for the alias
// name we don't need to ensure 100% uniqueness. Thus, a shorter unique-enough alias is ok for
// simplified troubleshooting (and more readable than a uuid). With current combo of chars it's
// 1 chance in 5.5 million to have the same alias name.
func createInstanceAlias() string {
	var a alias
	return a.cons().vow().cons().cons().vow().cons().name()
}

type alias struct {
	str string
}

func (a alias) vow() alias {
	var vowels = []rune{'a', 'e', 'i', 'o', 'u', 'y'}
	v := vowels[rand.Intn(len(vowels))]
	return alias{str: a.str + string(v)}
}

func (a alias) cons() alias {
	var consonants = []rune{'b', 'c', 'd', 'f', 'g', 'h', 'j', 'k', 'l', 'm', 'n',
		'p', 'q', 'r', 's', 't', 'v', 'w', 'x', 'z'}
	c := consonants[rand.Intn(len(consonants))]
	return alias{str: a.str + string(c)}
}

func (a alias) name() string {
	return a.str
}
