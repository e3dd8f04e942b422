package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/assembly"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const sensorSpec = `{
	"id": "sensors",
	"input": {
		"type": "memory",
		"end_when_empty": true,
		"messages": [
			"{\"value\": 10, \"sensor\": \"temp_1\"}",
			"{\"value\": 5, \"sensor\": \"temp_2\"}",
			"{\"value\": 12, \"sensor\": \"temp_3\"}"
		]
	},
	"pipeline": {
		"thread_num": 1,
		"processors": [
			{ "type": "json_to_batch" },
			{ "type": "sql", "query": "SELECT sensor FROM flow WHERE value >= 10" }
		]
	},
	"output": { "type": "stdout" }
}`

func newTestService(t *testing.T, out *syncBuffer, metricsAddress string) *Service {
	t.Helper()
	cfg := Config{
		Entity:         assembly.NewConfig(assembly.BuiltinOptions{Stdout: out}),
		MetricsAddress: metricsAddress,
	}
	cfg.Engine.ShutdownTimeout = 5 * time.Second
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return s
}

func TestRunStream(t *testing.T) {

	ctx := context.Background()
	var out syncBuffer
	s := newTestService(t, &out, "")

	spec, err := entity.NewSpec([]byte(sensorSpec))
	require.NoError(t, err)
	require.NoError(t, s.AddStream(ctx, spec))

	err = s.AddStream(ctx, spec)
	assert.True(t, errors.Is(err, ErrStreamExists))

	bad, err := entity.NewSpec([]byte(strings.Replace(sensorSpec, `"stdout"`, `"nosuchsink"`, 1)))
	require.NoError(t, err)
	bad.Id = "bad"
	assert.True(t, entity.IsConfigError(s.AddStream(ctx, bad)))
	assert.False(t, s.Registry().Exists("bad"))

	require.NoError(t, s.Run(ctx))
	assert.NoError(t, s.AwaitReady(ctx))
	assert.Equal(t, "{\"sensor\":\"temp_1\"}\n{\"sensor\":\"temp_3\"}\n", out.String())

	m := s.Metrics()["sensors"]
	assert.Equal(t, int64(3), m.BatchesFetched)
	assert.Equal(t, int64(1), m.BatchesFiltered)
	assert.Equal(t, entity.StreamStopped, s.Statuses()["sensors"])

	assert.Equal(t, ErrAlreadyRunning, s.Run(ctx))
	assert.NoError(t, s.Shutdown(ctx))
}

func TestKinds(t *testing.T) {

	s := newTestService(t, &syncBuffer{}, "")
	kinds := s.Kinds()
	assert.Contains(t, kinds["source"], "kafka")
	assert.Contains(t, kinds["stage"], "sql")
	assert.Contains(t, kinds["sink"], "bigquery")
}

func TestHealthAndMetricsEndpoints(t *testing.T) {

	ctx := context.Background()
	s := newTestService(t, &syncBuffer{}, "127.0.0.1:0")
	require.NotNil(t, s.server)

	spec, err := entity.NewSpec([]byte(sensorSpec))
	require.NoError(t, err)
	require.NoError(t, s.AddStream(ctx, spec))
	require.NoError(t, s.Run(ctx))

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","streams":{"sensors":"stopped"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flowline_batches_fetched_total{stream="sensors"} 3`)

	assert.NoError(t, s.Shutdown(ctx))
}
