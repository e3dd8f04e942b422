package sqlquery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
)

var sensorSchema = entity.MustSchema(
	entity.Field{Name: "timestamp", Type: entity.TypeTimestamp},
	entity.Field{Name: "value", Type: entity.TypeInt64},
	entity.Field{Name: "sensor", Type: entity.TypeString},
	entity.Field{Name: "reading", Type: entity.TypeFloat64, Nullable: true},
)

var t0 = time.UnixMilli(1625000000000).UTC()

func sensorBatch(t *testing.T, rows ...[]any) *entity.Batch {
	t.Helper()
	bb := entity.NewBatchBuilder(sensorSchema, len(rows))
	for _, r := range rows {
		require.NoError(t, bb.Append(r...))
	}
	return bb.Build().WithMeta("origin", "test")
}

func newStage(t *testing.T, query string) *Stage {
	t.Helper()
	s, err := New(entity.Config{Kind: EntitySql, Props: map[string]any{"query": query}})
	require.NoError(t, err)
	return s
}

func apply(t *testing.T, s *Stage, batch *entity.Batch) *entity.Batch {
	t.Helper()
	out, err := s.Apply(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func rows(b *entity.Batch) [][]any {
	out := make([][]any, b.NumRows())
	for i := range out {
		out[i] = b.Row(i)
	}
	return out
}

func TestFilterAll(t *testing.T) {

	s := newStage(t, "SELECT * FROM flow WHERE value >= 10")
	batch := sensorBatch(t,
		[]any{t0, 10, "temp_1", 1.5},
		[]any{t0, 5, "temp_2", nil},
		[]any{t0, 12, "temp_1", 2.5},
	)

	out := apply(t, s, batch)
	assert.True(t, out.Schema().Equal(sensorSchema))
	assert.Equal(t, [][]any{
		{t0, int64(10), "temp_1", 1.5},
		{t0, int64(12), "temp_1", 2.5},
	}, rows(out))
	origin, _ := out.Meta("origin")
	assert.Equal(t, "test", origin)

	out = apply(t, s, sensorBatch(t, []any{t0, 5, "temp_1", nil}))
	assert.True(t, out.IsEmpty())
	assert.Equal(t, 3, batch.NumRows(), "input batch is not modified")
}

func TestGroupByCount(t *testing.T) {

	s := newStage(t, "SELECT count(*) FROM flow WHERE value >= 10 group by sensor")

	var in [][]any
	for i := 0; i < 10000; i++ {
		in = append(in, []any{t0, int64(i % 20), fmt.Sprintf("temp_%d", i%3), nil})
	}
	var order []string
	expected := map[string]int64{}
	for _, r := range in {
		if r[1].(int64) >= 10 {
			sensor := r[2].(string)
			if _, ok := expected[sensor]; !ok {
				order = append(order, sensor)
			}
			expected[sensor]++
		}
	}
	require.Len(t, order, 3)

	for round := 0; round < 2; round++ {
		out := apply(t, s, sensorBatch(t, in...))
		require.Equal(t, 3, out.NumRows())
		assert.Equal(t, "count(*)", out.Schema().Field(0).Name)
		for g, sensor := range order {
			assert.Equal(t, expected[sensor], out.Value(g, 0), "counts are scoped to the batch")
		}
	}
}

func TestAggregates(t *testing.T) {

	batch := sensorBatch(t,
		[]any{t0, 10, "temp_1", 1.0},
		[]any{t0.Add(time.Second), 20, "temp_2", nil},
		[]any{t0.Add(2 * time.Second), 30, "temp_1", 3.0},
		[]any{t0.Add(3 * time.Second), 40, "temp_3", 4.0},
	)

	s := newStage(t, "SELECT sensor AS s, count(*) AS cnt, count(reading) AS readings, sum(value) AS total, "+
		"avg(value) AS mean, min(timestamp) AS earliest, max(reading) AS peak FROM flow GROUP BY s ORDER BY total DESC")
	out := apply(t, s, batch)
	assert.Equal(t, []string{"s", "cnt", "readings", "total", "mean", "earliest", "peak"}, out.Schema().Names())
	assert.Equal(t, [][]any{
		{"temp_1", int64(2), int64(2), int64(40), 20.0, t0, 3.0},
		{"temp_3", int64(1), int64(1), int64(40), 40.0, t0.Add(3 * time.Second), 4.0},
		{"temp_2", int64(1), int64(0), int64(20), 20.0, t0.Add(time.Second), nil},
	}, rows(out))

	s = newStage(t, "SELECT count(*), sum(reading), avg(reading) FROM flow")
	out = apply(t, s, batch)
	assert.Equal(t, [][]any{{int64(4), 8.0, 8.0 / 3}}, rows(out))

	// Aggregates over an empty selection still produce a row
	s = newStage(t, "SELECT count(*) AS cnt, max(value) AS peak FROM flow WHERE value > 100")
	out = apply(t, s, batch)
	assert.Equal(t, [][]any{{int64(0), nil}}, rows(out))

	s = newStage(t, "SELECT sensor, count(DISTINCT value) AS n FROM flow GROUP BY 1 HAVING count(*) > 1")
	out = apply(t, s, batch)
	assert.Equal(t, [][]any{{"temp_1", int64(2)}}, rows(out))
}

func TestExpressions(t *testing.T) {

	batch := sensorBatch(t,
		[]any{t0, 10, "temp_1", 1.5},
		[]any{t0.Add(time.Hour), 5, "hum_1", nil},
		[]any{t0.Add(2 * time.Hour), -7, "temp_2", 2.0},
	)

	tests := []struct {
		query    string
		expected [][]any
	}{
		{"SELECT value * 2 + 1 AS v, value / 2 AS half, reading / 2 AS r FROM flow WHERE sensor LIKE 'temp%'",
			[][]any{{int64(21), int64(5), 0.75}, {int64(-13), int64(-3), 1.0}}},
		{"SELECT sensor FROM flow WHERE value BETWEEN 0 AND 10 AND NOT sensor = 'hum_1'",
			[][]any{{"temp_1"}}},
		{"SELECT sensor FROM flow WHERE reading IS NULL OR value IN (-7, 99)",
			[][]any{{"hum_1"}, {"temp_2"}}},
		{"SELECT sensor FROM flow WHERE sensor NOT IN ('temp_1') AND reading > 1",
			[][]any{{"temp_2"}}},
		{"SELECT upper(sensor) AS u, length(sensor) AS l, abs(value) AS a, coalesce(reading, 0) AS r FROM flow WHERE value < 0",
			[][]any{{"TEMP_2", int64(6), int64(7), 2.0}}},
		{"SELECT concat(sensor, '-', value) AS id, round(reading) AS r FROM flow ORDER BY value LIMIT 2",
			[][]any{{"temp_2--7", 2.0}, {"hum_1-5", nil}}},
		{"SELECT CASE WHEN value > 5 THEN 'high' WHEN value > 0 THEN 'low' ELSE 'neg' END AS level FROM flow",
			[][]any{{"high"}, {"low"}, {"neg"}}},
		{"SELECT CAST(value AS CHAR) AS s FROM flow WHERE timestamp > '2021-06-29T21:53:20Z'",
			[][]any{{"-7"}}},
		{"SELECT sensor FROM flow ORDER BY reading DESC, sensor LIMIT 2 OFFSET 1",
			[][]any{{"temp_1"}, {"hum_1"}}},
		{"SELECT DISTINCT value > 0 AS positive FROM flow",
			[][]any{{true}, {false}}},
		{"SELECT f.sensor FROM flow AS f WHERE f.sensor REGEXP '^temp_[0-9]$' ORDER BY 1 DESC",
			[][]any{{"temp_2"}, {"temp_1"}}},
		{"SELECT 1 AS one, 'x' AS x, NULL AS n FROM flow LIMIT 1",
			[][]any{{int64(1), "x", nil}}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			s := newStage(t, tt.query)
			assert.Equal(t, tt.expected, rows(apply(t, s, batch)))
		})
	}
}

func TestBind(t *testing.T) {

	s := newStage(t, "SELECT sensor, value * 1.5 AS scaled, count(*) AS n FROM flow GROUP BY sensor, value")
	out, err := s.Bind(sensorSchema)
	require.NoError(t, err)
	assert.Equal(t, "{sensor:string, scaled:float64?, n:int64}", out.String())

	out, err = s.Bind(nil)
	assert.NoError(t, err)
	assert.Nil(t, out)

	s = newStage(t, "SELECT humidity FROM flow")
	_, err = s.Bind(sensorSchema)
	var qe *entity.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Reason, "unknown column humidity")
	assert.True(t, entity.IsConfigError(err))

	// Checked per schema at invocation when the schema is not known up front
	_, err = s.Apply(context.Background(), sensorBatch(t, []any{t0, 1, "a", nil}))
	assert.ErrorAs(t, err, &qe)

	other := entity.MustSchema(entity.Field{Name: "humidity", Type: entity.TypeFloat64})
	b, err := entity.NewBatch(other, [][]any{{55.5}})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{55.5}}, rows(apply(t, s, b)))
}

func TestInvalidQueries(t *testing.T) {

	invalid := map[string]string{
		"SELEC * FROM flow":   "syntax error",
		"DELETE FROM flow":    "only SELECT",
		"SELECT * FROM other": "unknown table other",
		"SELECT * FROM flow JOIN other ON flow.a = other.a":        "joins",
		"SELECT * FROM (SELECT * FROM flow) AS t":                  "subqueries",
		"SELECT * FROM flow WHERE count(*) > 1":                    "not allowed in WHERE",
		"SELECT max(count(*)) FROM flow":                           "nested",
		"SELECT *, count(*) FROM flow":                             "SELECT *",
		"SELECT sensor, count(*) FROM flow":                        "must appear in GROUP BY",
		"SELECT sensor FROM flow GROUP BY value":                   "must appear in GROUP BY",
		"SELECT median(value) FROM flow":                           "unknown function median",
		"SELECT * FROM flow LIMIT -1":                              "LIMIT",
		"SELECT other.a FROM flow":                                 "unknown table other",
		"SELECT * FROM flow WHERE value":                           "",
		"SELECT value FROM flow GROUP BY value ORDER BY 3":         "position 3",
		"SELECT sum(sensor) FROM flow":                             "numeric",
		"SELECT * FROM flow WHERE sensor > 10":                     "cannot compare",
		"SELECT sensor + 1 FROM flow":                              "numeric operands",
		"SELECT sensor AS a, value AS a FROM flow":                 "duplicate",
		"SELECT CASE WHEN value > 1 THEN 'x' ELSE 1 END FROM flow": "incompatible types",
	}
	for query, reason := range invalid {
		t.Run(query, func(t *testing.T) {
			s, err := New(entity.Config{Kind: EntitySql, Props: map[string]any{"query": query}})
			if err == nil {
				_, err = s.Bind(sensorSchema)
			}
			var qe *entity.QueryError
			require.ErrorAs(t, err, &qe)
			assert.Contains(t, qe.Error(), reason)
			assert.True(t, errors.Is(err, entity.ErrInvalidSpec))
		})
	}

	_, err := New(entity.Config{Kind: EntitySql, Props: map[string]any{}})
	assert.True(t, entity.IsConfigError(err))
}

func TestTableName(t *testing.T) {

	s, err := New(entity.Config{Kind: EntitySql, Props: map[string]any{"query": "SELECT sensor FROM events", "table_name": "events"}})
	require.NoError(t, err)
	out := apply(t, s, sensorBatch(t, []any{t0, 1, "a", nil}))
	assert.Equal(t, [][]any{{"a"}}, rows(out))

	_, err = New(entity.Config{Kind: EntitySql, Props: map[string]any{"query": "SELECT sensor FROM flow", "table_name": "events"}})
	assert.Error(t, err)
}

func TestRuntimeErrors(t *testing.T) {

	s := newStage(t, "SELECT value / (value - 10) AS x FROM flow")
	_, err := s.Apply(context.Background(), sensorBatch(t, []any{t0, 10, "a", nil}))
	var qe *entity.QueryError
	require.ErrorAs(t, err, &qe)
	assert.ErrorIs(t, err, errDivisionByZero)
	assert.False(t, entity.IsConfigError(err))
}

func TestConcurrentApply(t *testing.T) {

	s := newStage(t, "SELECT sensor, sum(value) AS total FROM flow GROUP BY sensor")
	batch := sensorBatch(t, []any{t0, 1, "a", nil}, []any{t0, 2, "b", nil}, []any{t0, 3, "a", nil})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				out, err := s.Apply(context.Background(), batch)
				assert.NoError(t, err)
				assert.Equal(t, [][]any{{"a", int64(4)}, {"b", int64(2)}}, rows(out[0]))
			}
		}()
	}
	wg.Wait()
}
