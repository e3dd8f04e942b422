package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
)

func TestCompression(t *testing.T) {

	tests := []struct {
		path, configured, expected string
	}{
		{"out.json", "", CompressionNone},
		{"out.json.gz", "", CompressionGzip},
		{"out.zst", "", CompressionZstd},
		{"out.gz", "none", CompressionNone},
		{"out.json", "ZSTD", CompressionZstd},
	}
	for _, tc := range tests {
		c, err := compression(tc.path, tc.configured)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, c, tc.path)
	}
	_, err := compression("out", "lz4")
	assert.True(t, entity.IsConfigError(err))
}

func TestWriteAndRead(t *testing.T) {

	for _, name := range []string{"rows.jsonl", "rows.jsonl.gz", "rows.jsonl.zst"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), name)

			sk, err := newSink(entity.Config{Kind: EntityFile, Props: map[string]any{"path": path}})
			require.NoError(t, err)
			require.NoError(t, sk.Connect(ctx))
			for i := 0; i < 5; i++ {
				batch := entity.NewBinaryBatch([][]byte{[]byte(fmt.Sprintf(`{"n":%d}`, i))})
				require.NoError(t, sk.Write(ctx, batch))
			}
			require.NoError(t, sk.Close(ctx))

			src, err := newSource(entity.Config{Kind: EntityFile, Props: map[string]any{"path": path, "batch_size": 2}})
			require.NoError(t, err)
			require.NoError(t, src.Connect(ctx))

			var sizes []int
			for {
				batch, ack, err := src.Fetch(ctx)
				if err != nil {
					assert.ErrorIs(t, err, entity.ErrEndOfInput)
					break
				}
				assert.Nil(t, ack)
				sizes = append(sizes, batch.NumRows())
				if len(sizes) == 1 {
					assert.Equal(t, []byte(`{"n":0}`), batch.Value(0, 0))
				}
			}
			assert.Equal(t, []int{2, 2, 1}, sizes)
			assert.NoError(t, src.Close(ctx))
		})
	}
}

func TestSinkTruncate(t *testing.T) {

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	sk, err := newSink(entity.Config{Kind: EntityFile, Props: map[string]any{"path": path, "append": false}})
	require.NoError(t, err)
	require.NoError(t, sk.Connect(ctx))

	schema := entity.MustSchema(entity.Field{Name: "sensor", Type: entity.TypeString})
	batch, err := entity.NewBatch(schema, [][]any{{"temp_1"}})
	require.NoError(t, err)
	require.NoError(t, sk.Write(ctx, batch))
	require.NoError(t, sk.Close(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"sensor\":\"temp_1\"}\n", string(data))

	// Appends by default
	sk, err = newSink(entity.Config{Kind: EntityFile, Props: map[string]any{"path": path}})
	require.NoError(t, err)
	require.NoError(t, sk.Connect(ctx))
	require.NoError(t, sk.Write(ctx, entity.NewBinaryBatch([][]byte{[]byte("new")})))
	require.NoError(t, sk.Close(ctx))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"sensor\":\"temp_1\"}\nnew\n", string(data))
}

func TestSourceErrors(t *testing.T) {

	_, err := newSource(entity.Config{Kind: EntityFile, Props: map[string]any{}})
	assert.True(t, entity.IsConfigError(err))

	src, err := newSource(entity.Config{Kind: EntityFile, Props: map[string]any{"path": "/does/not/exist"}})
	require.NoError(t, err)
	assert.Error(t, src.Connect(context.Background()))
}
