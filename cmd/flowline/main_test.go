package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/pkg/notify"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.RunContext(context.Background(), append([]string{"flowline"}, args...))
	return out.String(), err
}

func TestValidate(t *testing.T) {

	out, err := runApp(t, "validate", "--config", "../../test/configs/sensor-filter.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "2 valid streams: sensor-below-threshold, sensor-filter")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	doc := "streams:\n  - id: bad\n    input:\n      type: nosuchsource\n    output:\n      type: stdout\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	_, err = runApp(t, "validate", "--config", path)
	assert.ErrorContains(t, err, "nosuchsource")

	_, err = runApp(t, "validate")
	assert.Equal(t, errConfigMissing, err)
}

func TestRun(t *testing.T) {

	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := `
runtime:
  shutdown_timeout: 2s
streams:
  - input:
      type: generate
      context: '{"sensor": "temp_1", "value": 10}'
      interval: 1ms
      count: 3
    output:
      type: drop
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv(notify.LogLevelEnvName, "")
	t.Cleanup(notify.ResetDefaultLevel)
	_, err := runApp(t, "--config", path, "--log-level", "error")
	assert.NoError(t, err)
}

func TestKinds(t *testing.T) {

	out, err := runApp(t, "kinds")
	require.NoError(t, err)
	assert.Contains(t, out, "source:")
	assert.Contains(t, out, "user_agent")
	assert.Contains(t, out, "bigquery")
}
