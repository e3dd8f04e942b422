package batching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
)

func rowsOf(values ...string) *entity.Batch {
	b := make([][]byte, len(values))
	for i, v := range values {
		b[i] = []byte(v)
	}
	return entity.NewBinaryBatch(b)
}

func payloads(t *testing.T, b *entity.Batch) []string {
	t.Helper()
	p, err := b.Payloads()
	require.NoError(t, err)
	out := make([]string, len(p))
	for i := range p {
		out[i] = string(p[i])
	}
	return out
}

func TestCount(t *testing.T) {

	ctx := context.Background()
	s, err := New(entity.Config{Props: map[string]any{"count": 3}})
	require.NoError(t, err)

	out, err := s.Apply(ctx, rowsOf("a", "b").WithMeta("part", "1"))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = s.Apply(ctx, rowsOf("c", "d").WithMeta("part", "2"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"a", "b", "c", "d"}, payloads(t, out[0]))
	part, _ := out[0].Meta("part")
	assert.Equal(t, "1", part)

	out, err = s.Apply(ctx, rowsOf("e"))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, s.Pending())

	// Only emitted on count or at drain without a timeout
	assert.True(t, s.Deadline().IsZero())

	out, err = s.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"e"}, payloads(t, out[0]))

	out, err = s.Flush(ctx)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestTimeout(t *testing.T) {

	ctx := context.Background()
	s, err := New(entity.Config{Props: map[string]any{"timeout": "10s"}})
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	assert.False(t, s.Pending())
	assert.True(t, s.Deadline().IsZero())

	out, err := s.Apply(ctx, rowsOf("a"))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, s.Pending())
	assert.Equal(t, time.Unix(1010, 0), s.Deadline())

	now = now.Add(5 * time.Second)
	out, err = s.Apply(ctx, rowsOf("b"))
	require.NoError(t, err)
	assert.Empty(t, out)

	now = now.Add(5 * time.Second)
	out, err = s.Apply(ctx, rowsOf("c"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"a", "b", "c"}, payloads(t, out[0]))
	assert.False(t, s.Pending())
	assert.True(t, s.Deadline().IsZero())

	// The timer starts with the first pending batch
	now = now.Add(time.Minute)
	out, err = s.Apply(ctx, rowsOf("d"))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, now.Add(10*time.Second), s.Deadline())
}

func TestSchemaChange(t *testing.T) {

	ctx := context.Background()
	s, err := New(entity.Config{Props: map[string]any{"count": 100}})
	require.NoError(t, err)

	_, err = s.Apply(ctx, rowsOf("a"))
	require.NoError(t, err)

	other, err := entity.NewBatch(
		entity.MustSchema(entity.Field{Name: "n", Type: entity.TypeInt64}),
		[][]any{{int64(1)}})
	require.NoError(t, err)

	out, err := s.Apply(ctx, other)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"a"}, payloads(t, out[0]))

	out, err = s.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []any{int64(1)}, out[0].Row(0))
}

func TestConfig(t *testing.T) {

	_, err := New(entity.Config{})
	assert.True(t, entity.IsConfigError(err))

	_, err = New(entity.Config{Props: map[string]any{"count": -1}})
	assert.True(t, entity.IsConfigError(err))

	s, err := New(entity.Config{Props: map[string]any{"count": "5", "timeout": 1500}})
	require.NoError(t, err)
	assert.Equal(t, 5, s.count)
	assert.Equal(t, 1500*time.Millisecond, s.timeout)

	assert.Equal(t, entity.ConcurrencySerialized, NewStageFactory().Concurrency())
}
