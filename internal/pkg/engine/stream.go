package engine

import (
	"context"
	"errors"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/iflow"
)

var ErrPublishNotSupported = errors.New("stream source does not support publish")

type Stream struct {
	spec      *entity.Spec
	source    entity.Source
	chain     *Chain
	sink      entity.Sink
	errorSink entity.Sink
	instance  string
}

func NewStream(
	spec *entity.Spec,
	instance string,
	source entity.Source,
	chain *Chain,
	sink entity.Sink,
	errorSink entity.Sink) *Stream {

	if chain == nil {
		chain = NewChain()
	}
	return &Stream{
		spec:      spec,
		instance:  instance,
		source:    source,
		chain:     chain,
		sink:      sink,
		errorSink: errorSink,
	}
}

func (s *Stream) Spec() *entity.Spec {
	return s.spec
}

func (s *Stream) Instance() string {
	return s.instance
}

func (s *Stream) Source() entity.Source {
	return s.source
}

func (s *Stream) Chain() iflow.Chain {
	return s.chain
}

func (s *Stream) Sink() entity.Sink {
	return s.sink
}

func (s *Stream) ErrorSink() entity.Sink {
	return s.errorSink
}

// Publish makes it possible for Stream clients to send data directly to the source of the
// stream, if the source supports it.
func (s *Stream) Publish(ctx context.Context, data []byte) (string, error) {
	publisher, ok := s.source.(entity.Publisher)
	if !ok {
		return "", ErrPublishNotSupported
	}
	return publisher.Publish(ctx, data)
}

// Close closes all stream entities in the order source, chain, sinks.
func (s *Stream) Close(ctx context.Context) error {
	var errs []error
	if err := s.source.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.chain.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.sink.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.errorSink != s.sink {
		if err := s.errorSink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
