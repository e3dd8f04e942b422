package void

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

const sinkTypeId = entity.EntityDrop

// Values for the simulate_error property
const (
	SimulateRetryable   = "retryable"
	SimulateUnretryable = "unretryable"
)

var ErrSimulated = errors.New("drop sink simulating error")

type SinkFactory struct{}

func NewSinkFactory() entity.SinkFactory {
	return &SinkFactory{}
}

func (sf *SinkFactory) SinkId() string {
	return sinkTypeId
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return NewSink(c)
}

func (sf *SinkFactory) Close(ctx context.Context) error {
	return nil
}

type Config struct {
	SimulateError string `mapstructure:"simulate_error"`
	MaxErrors     int    `mapstructure:"max_errors"`
}

// sink discards all batches, optionally failing the first max_errors writes, which is
// useful for testing retry and error routing behavior of streams.
type sink struct {
	c        entity.Config
	config   Config
	notifier *notify.Notifier

	mu           sync.Mutex
	numberErrors int
	discarded    int
}

func NewSink(c entity.Config) (*sink, error) {
	var config Config
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	switch config.SimulateError {
	case "", SimulateRetryable, SimulateUnretryable:
	default:
		return nil, entity.ConfigErrorf("drop: invalid simulate_error value %q", config.SimulateError)
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = math.MaxInt32
	}
	s := &sink{c: c, config: config}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "drop.sink", c.Instance, c.Stream)
	return s, nil
}

func (s *sink) Connect(ctx context.Context) error {
	return nil
}

func (s *sink) Write(ctx context.Context, batch *entity.Batch) error {

	if s.c.Ops.LogEventData {
		s.notifier.Notify(entity.NotifyLevelInfo, "Received batch in drop sink: %s", batch.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.SimulateError != "" && s.numberErrors < s.config.MaxErrors {
		s.numberErrors++
		if s.config.SimulateError == SimulateRetryable {
			return entity.Retryable(ErrSimulated)
		}
		return ErrSimulated
	}
	s.discarded += batch.NumRows()
	return nil
}

// Discarded returns the number of rows dropped so far.
func (s *sink) Discarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

func (s *sink) Close(ctx context.Context) error {
	s.notifier.Notify(entity.NotifyLevelDebug, "Closing drop sink, rows discarded: %d", s.Discarded())
	return nil
}
