package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/assembly"
	"github.com/zpiroux/flowline/internal/pkg/etltest"
)

type recordingSinkFactory struct {
	sink *etltest.RecordingSink
}

func (sf *recordingSinkFactory) SinkId() string { return "recorder" }

func (sf *recordingSinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return sf.sink, nil
}

func (sf *recordingSinkFactory) Close(ctx context.Context) error { return nil }

// runScenario runs a single stream to completion and returns what reached its output.
func runScenario(t *testing.T, specData string) (*etltest.RecordingSink, entity.Metrics) {
	t.Helper()
	ctx := context.Background()
	recorder := &recordingSinkFactory{sink: etltest.NewRecordingSink()}
	cfg := Config{Entity: assembly.NewConfig(assembly.BuiltinOptions{})}
	cfg.Entity.AddSink(recorder)
	cfg.Engine.ShutdownTimeout = 5 * time.Second
	s, err := New(ctx, cfg)
	require.NoError(t, err)

	spec, err := entity.NewSpec([]byte(specData))
	require.NoError(t, err)
	require.NoError(t, s.AddStream(ctx, spec))
	require.NoError(t, s.Run(ctx))
	metrics := s.Metrics()[spec.Id]
	require.NoError(t, s.Shutdown(ctx))
	return recorder.sink, metrics
}

func TestScenarioAllRowsPass(t *testing.T) {

	sink, metrics := runScenario(t, `{
		"id": "scenario-a",
		"input": {
			"type": "generate",
			"context": "{ \"timestamp\": 1625000000000, \"value\": 10, \"sensor\": \"temp_1\" }",
			"interval": "1ms",
			"batch_size": 10,
			"count": 3
		},
		"pipeline": {
			"thread_num": 2,
			"processors": [
				{ "type": "json_to_batch" },
				{ "type": "sql", "query": "SELECT * FROM flow WHERE value >= 10" }
			]
		},
		"output": { "type": "recorder" }
	}`)

	assert.Equal(t, int64(3), metrics.BatchesFetched)
	require.Len(t, sink.Batches(), 3)
	for _, b := range sink.Batches() {
		require.Equal(t, 10, b.NumRows())
		for _, name := range []string{"timestamp", "value", "sensor"} {
			_, ok := b.Schema().Index(name)
			assert.True(t, ok, name)
		}
		values, _ := b.ColumnByName("value")
		sensors, _ := b.ColumnByName("sensor")
		for i := 0; i < b.NumRows(); i++ {
			assert.Equal(t, int64(10), values[i])
			assert.Equal(t, "temp_1", sensors[i])
		}
	}
}

func TestScenarioAllRowsFiltered(t *testing.T) {

	sink, metrics := runScenario(t, `{
		"id": "scenario-b",
		"input": {
			"type": "generate",
			"context": "{ \"timestamp\": 1625000000000, \"value\": 5, \"sensor\": \"temp_1\" }",
			"interval": "1ms",
			"batch_size": 10,
			"count": 3
		},
		"pipeline": {
			"thread_num": 2,
			"processors": [
				{ "type": "json_to_batch" },
				{ "type": "sql", "query": "SELECT * FROM flow WHERE value >= 10" }
			]
		},
		"output": { "type": "recorder" }
	}`)

	assert.Equal(t, 0, sink.Writes())
	assert.Equal(t, int64(3), metrics.BatchesFiltered)
}

func TestScenarioGroupByPerBatch(t *testing.T) {

	sink, _ := runScenario(t, `{
		"id": "scenario-c",
		"input": {
			"type": "generate",
			"context": { "timestamp": 1625000000000, "value": 10, "sensor": "temp_1" },
			"fields": [ { "field": "sensor", "setOfStrings": { "amount": 3, "prefix": "temp_" } } ],
			"interval": "1ms",
			"batch_size": 10000,
			"count": 2
		},
		"pipeline": {
			"thread_num": 1,
			"processors": [
				{ "type": "json_to_batch" },
				{ "type": "sql", "query": "SELECT sensor, count(*) FROM flow WHERE value >= 10 group by sensor" }
			]
		},
		"output": { "type": "recorder" }
	}`)

	require.Len(t, sink.Batches(), 2)
	for _, b := range sink.Batches() {
		assert.LessOrEqual(t, b.NumRows(), 3)
		sensors, _ := b.ColumnByName("sensor")
		counts, ok := b.ColumnByName("count(*)")
		require.True(t, ok)
		seen := make(map[any]bool)
		var total int64
		for i := range counts {
			assert.False(t, seen[sensors[i]])
			seen[sensors[i]] = true
			total += counts[i].(int64)
		}
		assert.Equal(t, int64(10000), total)
	}
}

func TestScenarioGroupByCounts(t *testing.T) {

	sink, _ := runScenario(t, `{
		"id": "scenario-c-exact",
		"input": {
			"type": "memory",
			"end_when_empty": true,
			"messages": [
				"[{\"sensor\": \"a\", \"value\": 10}, {\"sensor\": \"b\", \"value\": 5}, {\"sensor\": \"a\", \"value\": 12}, {\"sensor\": \"b\", \"value\": 11}]",
				"[{\"sensor\": \"a\", \"value\": 20}]"
			]
		},
		"pipeline": {
			"processors": [
				{ "type": "json_to_batch" },
				{ "type": "sql", "query": "SELECT sensor, count(*) AS n FROM flow WHERE value >= 10 GROUP BY sensor" }
			]
		},
		"output": { "type": "recorder" }
	}`)

	batches := sink.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, [][]any{{"a", int64(2)}, {"b", int64(1)}}, [][]any{batches[0].Row(0), batches[0].Row(1)})
	assert.Equal(t, []any{"a", int64(1)}, batches[1].Row(0))
}
