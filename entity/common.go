package entity

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Built-in entity kinds with special meaning to the engine.
const (
	// EntityDrop is the kind of the sink substituted when a stream has no error_output.
	EntityDrop = "drop"

	// EntityMemory is the kind of the source used for data injected with flowline.Publish().
	EntityMemory = "memory"
)

// Config is the Entity Config to use with Entity factories
type Config struct {
	// Stream is the ID of the stream the entity is created for
	Stream string

	// Instance is the unique ID of the stream instance
	Instance string

	// Kind is the kind tag from the stream definition
	Kind string

	// Props holds the kind-specific fields from the stream definition (excluding the
	// "type" tag). Use Decode to map them to a typed config struct.
	Props map[string]any

	Ops        Ops
	NotifyChan NotifyChan
	Log        bool
}

// Decode maps the kind-specific fields into target, which should be a pointer to a struct
// with mapstructure tags. Values are weakly typed, durations may be given as strings like
// "1s" or as milliseconds, and unknown fields are reported as configuration errors.
func (c Config) Decode(target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook,
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err = decoder.Decode(c.Props); err != nil {
		return ConfigErrorf("%s: %v", c.Kind, err)
	}
	return nil
}

func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) && to != reflect.TypeOf(Duration(0)) {
		return data, nil
	}
	var d time.Duration
	switch v := data.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d = parsed
	case int:
		d = time.Duration(v) * time.Millisecond
	case int64:
		d = time.Duration(v) * time.Millisecond
	case uint64:
		d = time.Duration(v) * time.Millisecond
	case float64:
		d = time.Duration(v * float64(time.Millisecond))
	default:
		return data, nil
	}
	if to == reflect.TypeOf(Duration(0)) {
		return Duration(d), nil
	}
	return d, nil
}

// Metrics provided by the engine of its operations. Accessible from Flowline API with
// flowline.Metrics()
type Metrics struct {

	// Total number of batches fetched from the source, regardless of the outcome of
	// downstream processing.
	BatchesFetched int64

	// Total number of rows in fetched batches
	RowsFetched int64

	// Total time spent by the workers processing fetched batches, from fetch to ack
	ProcessingTimeMicros int64

	// Total number of fetched batches filtered out by the processor chain
	BatchesFiltered int64

	// Total number of batches written to the primary sink
	BatchesWritten int64

	// Total number of rows written to the primary sink
	RowsWritten int64

	// Total time spent writing to the primary sink successfully
	SinkProcessingTimeMicros int64

	// Total number of batches routed to the error sink
	BatchesRoutedToErrorSink int64

	// Total number of retried source fetches and sink writes
	Retries int64

	// Total number of source reconnects
	Reconnects int64
}

func (m *Metrics) Reset() {
	*m = Metrics{}
}
