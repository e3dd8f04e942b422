package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/entity/channel"
	"github.com/zpiroux/flowline/internal/pkg/entity/file"
	"github.com/zpiroux/flowline/internal/pkg/entity/generate"
	"github.com/zpiroux/flowline/internal/pkg/entity/stdout"
	"github.com/zpiroux/flowline/internal/pkg/entity/void"
	"github.com/zpiroux/flowline/internal/pkg/entity/xbigquery"
	"github.com/zpiroux/flowline/internal/pkg/entity/xhttp"
	"github.com/zpiroux/flowline/internal/pkg/entity/xkafka"
	"github.com/zpiroux/flowline/internal/pkg/entity/xmqtt"
	"github.com/zpiroux/flowline/internal/pkg/entity/xpubsub"
	"github.com/zpiroux/flowline/internal/pkg/stage/batching"
	"github.com/zpiroux/flowline/internal/pkg/stage/jsonconv"
	"github.com/zpiroux/flowline/internal/pkg/stage/sqlquery"
	"github.com/zpiroux/flowline/internal/pkg/stage/useragent"
)

// Config holds the factories for all kinds available in stream definitions.
type Config struct {
	Sources entity.SourceFactories
	Stages  entity.StageFactories
	Sinks   entity.SinkFactories

	NotifyChan entity.NotifyChan
	Log        bool
}

// BuiltinOptions customizes the built-in factories.
type BuiltinOptions struct {
	// Stdout is the writer used by the stdout sink. Defaults to os.Stdout.
	Stdout io.Writer

	// Charsets holds custom character sets for the generate source.
	Charsets map[string][]rune
}

// NewConfig returns a config with all built-in kinds registered.
func NewConfig(opts BuiltinOptions) Config {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	c := Config{
		Sources: make(entity.SourceFactories),
		Stages:  make(entity.StageFactories),
		Sinks:   make(entity.SinkFactories),
	}
	c.AddSource(generate.NewSourceFactory(opts.Charsets))
	c.AddSource(channel.NewSourceFactory())
	c.AddSource(file.NewSourceFactory())
	c.AddSource(xkafka.NewSourceFactory(xkafka.DefaultConsumerFactory{}))
	c.AddSource(xmqtt.NewSourceFactory(xmqtt.NewPahoClient))
	c.AddSource(xhttp.NewSourceFactory())
	c.AddSource(xpubsub.NewSourceFactory(xpubsub.DefaultClientFactory))

	c.AddStage(jsonconv.NewToBatchFactory())
	c.AddStage(jsonconv.NewToJsonFactory())
	c.AddStage(sqlquery.NewStageFactory())
	c.AddStage(batching.NewStageFactory())
	c.AddStage(useragent.NewStageFactory())

	c.AddSink(file.NewSinkFactory())
	c.AddSink(xkafka.NewSinkFactory(xkafka.DefaultProducerFactory{}))
	c.AddSink(xmqtt.NewSinkFactory(xmqtt.NewPahoClient))
	c.AddSink(xhttp.NewSinkFactory())
	c.AddSink(xbigquery.NewSinkFactory(xbigquery.DefaultClientFactory))
	c.AddSink(stdout.NewSinkFactory(opts.Stdout))
	c.AddSink(void.NewSinkFactory())
	return c
}

// AddSource registers a source factory, replacing any existing one for the same kind.
func (c Config) AddSource(sf entity.SourceFactory) {
	c.Sources[sf.SourceId()] = sf
}

func (c Config) AddStage(sf entity.StageFactory) {
	c.Stages[sf.StageId()] = sf
}

func (c Config) AddSink(sf entity.SinkFactory) {
	c.Sinks[sf.SinkId()] = sf
}

// Close closes all factories, returning a single error listing all failures.
func (c Config) Close(ctx context.Context) error {

	var errs []string

	for id, sf := range c.Sources {
		if err := sf.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("source %s: %v", id, err))
		}
	}
	for id, sf := range c.Stages {
		if err := sf.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("stage %s: %v", id, err))
		}
	}
	for id, sf := range c.Sinks {
		if err := sf.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("sink %s: %v", id, err))
		}
	}

	var err error
	if len(errs) > 0 {
		jerrs, _ := json.Marshal(errs)
		err = fmt.Errorf("error closing stream entity factories: %v", string(jerrs))
	}

	return err
}
