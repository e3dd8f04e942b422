// Package generate provides the "generate" source, emitting batches of JSON rows at a
// fixed interval. Each row is the configured context object, optionally with generated
// field values set on top of it.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
	"golang.org/x/time/rate"
)

const (
	SourceTypeId     = "generate"
	DefaultInterval  = time.Second
	DefaultBatchSize = 1
)

// Config holds the kind-specific fields of a generate input.
type Config struct {
	// Context is the JSON object used as the base of each row, either as a JSON string
	// or as an object in the stream definition.
	Context any `mapstructure:"context"`

	// Interval between generated batches, shared by all workers of the stream.
	Interval time.Duration `mapstructure:"interval"`

	// BatchSize is the number of rows per batch, unless EventGeneration is set.
	BatchSize int `mapstructure:"batch_size"`

	// Count is the number of batches to generate before reporting end of input. Zero
	// means unbounded.
	Count int64 `mapstructure:"count"`

	Fields          []FieldSpec   `mapstructure:"fields"`
	EventGeneration RowGeneration `mapstructure:"eventGeneration"`
}

type SourceFactory struct {
	charsets map[string][]rune // custom character sets for random string generation
}

func NewSourceFactory(charsets map[string][]rune) entity.SourceFactory {
	return &SourceFactory{charsets: charsets}
}

func (sf *SourceFactory) SourceId() string {
	return SourceTypeId
}

func (sf *SourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(c, sf.charsets)
}

func (sf *SourceFactory) Close(ctx context.Context) error {
	return nil
}

type source struct {
	c         entity.Config
	config    Config
	notifier  *notify.Notifier
	generator *rowGenerator
	limiter   *rate.Limiter
	emitted   atomic.Int64
}

func newSource(c entity.Config, charsets map[string][]rune) (*source, error) {

	var config Config
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Count < 0 {
		return nil, entity.ConfigErrorf("generate: count must not be negative")
	}

	template, err := contextTemplate(config.Context)
	if err != nil {
		return nil, entity.ConfigErrorf("generate: %v", err)
	}
	generator, err := newRowGenerator(template, config.Fields, config.EventGeneration, config.BatchSize, charsets)
	if err != nil {
		return nil, entity.ConfigErrorf("generate: %v", err)
	}

	s := &source{
		c:         c,
		config:    config,
		generator: generator,
		limiter:   rate.NewLimiter(rate.Every(config.Interval), 1),
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "generate", c.Instance, c.Stream)
	return s, nil
}

// contextTemplate validates and renders the row context as a JSON object.
func contextTemplate(ctx any) ([]byte, error) {
	var (
		template []byte
		err      error
	)
	switch v := ctx.(type) {
	case nil:
		return []byte("{}"), nil
	case string:
		template = []byte(v)
	case []byte:
		template = v
	default:
		if template, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("invalid context: %w", err)
		}
	}
	var obj map[string]any
	if err = json.Unmarshal(template, &obj); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	return template, nil
}

func (s *source) Connect(ctx context.Context) error {
	return nil
}

// Fetch waits for the next generation tick and returns a binary batch with one JSON row per
// value. The interval is shared by all workers, so the batch rate is independent of
// thread_num.
func (s *source) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {

	n := s.emitted.Add(1)
	if s.config.Count > 0 && n > s.config.Count {
		return nil, nil, entity.ErrEndOfInput
	}
	// The first batch is emitted immediately
	if n > 1 {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, entity.Retryable(err)
		}
	} else {
		s.limiter.Allow()
	}

	rows, err := s.generator.rows()
	if err != nil {
		return nil, nil, fmt.Errorf("failed generating rows: %w", err)
	}
	if s.c.Ops.LogEventData {
		for _, row := range rows {
			s.notifier.Notify(entity.NotifyLevelDebug, "row generated: %s", string(row))
		}
	}
	return entity.NewBinaryBatch(rows), nil, nil
}

func (s *source) Close(ctx context.Context) error {
	return nil
}
