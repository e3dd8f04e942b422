package iflow

import (
	"context"

	"github.com/zpiroux/flowline/entity"
)

type StreamBuilder interface {
	Build(ctx context.Context, spec *entity.Spec) (Stream, error)
}

// StreamEntityFactory creates the stream entities for a kind tag, using the registered
// source, stage and sink factories.
type StreamEntityFactory interface {
	CreateSource(ctx context.Context, spec *entity.Spec, instance string) (entity.Source, error)
	CreateStage(ctx context.Context, spec *entity.Spec, index int, instance string) (entity.Stage, entity.Concurrency, error)
	CreateSink(ctx context.Context, spec *entity.Spec, sinkSpec entity.EntitySpec, instance string) (entity.Sink, error)
}
