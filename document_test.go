package flowline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/pkg/notify"
)

const yamlDocument = `
logging:
  level: warn
runtime:
  shutdown_timeout: 3s
  fail_fast: false
metrics:
  address: ":9191"
streams:
  - input:
      type: generate
      context: '{"sensor": "temp_1", "value": 10}'
      interval: 100ms
      count: 5
    pipeline:
      thread_num: 2
      processors:
        - type: json_to_batch
        - type: sql
          query: SELECT sensor, value FROM flow WHERE value >= 10
    output:
      type: stdout
  - id: counts
    input:
      type: memory
    output:
      type: drop
`

const tomlDocument = `
[runtime]
shutdown_timeout = 2500
stop_on_stream_failure = true

[[streams]]
id = "from-toml"

[streams.input]
type = "generate"
context = '{"sensor": "temp_1"}'

[[streams.pipeline.processors]]
type = "json_to_batch"

[streams.output]
type = "stdout"
`

func TestParseYAMLDocument(t *testing.T) {

	doc, err := ParseDocument([]byte(yamlDocument), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "warn", doc.Logging.Level)
	assert.Equal(t, 3*time.Second, doc.Runtime.ShutdownTimeout.Std())
	assert.Equal(t, ":9191", doc.Metrics.Address)
	require.Len(t, doc.Streams, 2)

	specs, err := doc.Specs()
	require.NoError(t, err)
	assert.Equal(t, "stream-1", specs[0].Id)
	assert.Equal(t, 2, specs[0].Pipeline.ThreadNum)
	assert.Len(t, specs[0].Pipeline.Processors, 2)
	assert.Equal(t, "counts", specs[1].Id)

	t.Setenv(notify.LogLevelEnvName, "")
	t.Cleanup(notify.ResetDefaultLevel)
	cfg, err := doc.Config()
	require.NoError(t, err)
	assert.False(t, cfg.Runtime.FailFast)
	assert.Equal(t, 3*time.Second, cfg.Runtime.ShutdownTimeout)
	assert.Equal(t, ":9191", cfg.MetricsAddress)
	assert.True(t, cfg.Ops.Log)
	assert.Len(t, cfg.Streams, 2)
	assert.Equal(t, "WARN", os.Getenv(notify.LogLevelEnvName))
}

func TestParseTOMLDocument(t *testing.T) {

	doc, err := ParseDocument([]byte(tomlDocument), FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, doc.Runtime.ShutdownTimeout.Std())
	assert.True(t, doc.Runtime.StopOnStreamFailure)

	specs, err := doc.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "from-toml", specs[0].Id)
	assert.Equal(t, "generate", specs[0].Input.Type)

	cfg, err := doc.Config()
	require.NoError(t, err)
	assert.True(t, cfg.Runtime.FailFast)
	assert.True(t, cfg.Runtime.StopOnStreamFailure)
}

func TestEnvOverrides(t *testing.T) {

	t.Setenv("FLOWLINE_METRICS_ADDRESS", "127.0.0.1:9999")
	t.Setenv("FLOWLINE_SHUTDOWN_TIMEOUT", "7s")
	doc, err := ParseDocument([]byte(yamlDocument), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", doc.Metrics.Address)
	assert.Equal(t, 7*time.Second, doc.Runtime.ShutdownTimeout.Std())

	t.Setenv("FLOWLINE_LOG_LEVEL", "verbose")
	_, err = ParseDocument([]byte(yamlDocument), FormatYAML)
	assert.True(t, errors.Is(err, ErrInvalidDocument))
}

func TestInvalidDocuments(t *testing.T) {

	tests := []struct {
		name   string
		doc    string
		format string
	}{
		{"unknown section", `{"streams": [{"input": {"type": "memory"}}], "tracing": {}}`, FormatJSON},
		{"no streams", `{"streams": []}`, FormatJSON},
		{"stream not an object", "streams:\n  - memory\n", FormatYAML},
		{"duplicate ids", `{"streams": [{"id": "a"}, {"id": "a"}]}`, FormatJSON},
		{"bad runtime type", "runtime:\n  fail_fast: maybe\nstreams:\n  - id: a\n", FormatYAML},
		{"malformed toml", "[streams", FormatTOML},
		{"unknown format", `{}`, "ini"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(tc.doc), tc.format)
			assert.True(t, errors.Is(err, ErrInvalidDocument), err)
		})
	}
}

func TestLoadDocument(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, "flowline.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDocument), 0o600))
	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Len(t, doc.Streams, 2)

	path = filepath.Join(dir, "flowline.ini")
	require.NoError(t, os.WriteFile(path, []byte(yamlDocument), 0o600))
	_, err = LoadDocument(path)
	assert.True(t, errors.Is(err, ErrInvalidDocument))

	_, err = LoadDocument(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestConfigDocuments(t *testing.T) {

	paths, err := filepath.Glob("test/configs/*")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	f := newTestFlowline(t, &syncBuffer{})
	for _, path := range paths {
		doc, err := LoadDocument(path)
		require.NoError(t, err, path)
		for _, s := range doc.Streams {
			_, err = f.ValidateStreamSpec(s)
			assert.NoError(t, err, path)
		}
	}
}
