package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = MustSchema(
	Field{Name: "sensor", Type: TypeString},
	Field{Name: "value", Type: TypeInt64},
	Field{Name: "ratio", Type: TypeFloat64, Nullable: true},
)

func testBatch(t *testing.T) *Batch {
	b, err := NewBatch(testSchema, [][]any{
		{"a", "b", "c"},
		{int64(1), int64(2), int64(3)},
		{0.5, nil, 1.5},
	})
	require.NoError(t, err)
	return b
}

func TestNewBatch(t *testing.T) {
	b := testBatch(t)
	assert.Equal(t, 3, b.NumRows())
	assert.Equal(t, 3, b.NumColumns())
	assert.Equal(t, "b", b.Value(1, 0))
	assert.Equal(t, []any{"c", int64(3), 1.5}, b.Row(2))

	col, ok := b.ColumnByName("value")
	require.True(t, ok)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, col)

	// Type mismatch
	_, err := NewBatch(testSchema, [][]any{{"a"}, {1}, {0.5}})
	assert.Error(t, err)

	// Null in non-nullable column
	_, err = NewBatch(testSchema, [][]any{{nil}, {int64(1)}, {0.5}})
	assert.Error(t, err)

	// Row count mismatch
	_, err = NewBatch(testSchema, [][]any{{"a", "b"}, {int64(1)}, {0.5}})
	assert.Error(t, err)

	// Column count mismatch
	_, err = NewBatch(testSchema, [][]any{{"a"}})
	assert.Error(t, err)

	_, err = NewSchema(Field{Name: "x"}, Field{Name: "x"})
	assert.Error(t, err)
}

func TestBatchImmutability(t *testing.T) {
	b := testBatch(t)

	col := b.Column(0)
	col[0] = "changed"
	assert.Equal(t, "a", b.Value(0, 0))

	withMeta := b.WithMeta("k", "v")
	_, ok := b.Meta("k")
	assert.False(t, ok)
	v, ok := withMeta.Meta("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	selected, err := b.Select([]int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, 2, selected.NumRows())
	assert.Equal(t, "c", selected.Value(0, 0))
	assert.Equal(t, 3, b.NumRows())

	_, err = b.Select([]int{5})
	assert.Error(t, err)

	sliced, err := b.Slice(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c"}, sliced.Column(0))

	projected, err := b.Project("value")
	require.NoError(t, err)
	assert.Equal(t, 1, projected.NumColumns())
	assert.Equal(t, 3, b.NumColumns())
	_, err = b.Project("nope")
	assert.Error(t, err)

	extended, err := b.WithColumn(Field{Name: "flag", Type: TypeBool}, []any{true, false, true})
	require.NoError(t, err)
	assert.Equal(t, 4, extended.NumColumns())
	assert.Equal(t, 3, b.NumColumns())
}

func TestConcat(t *testing.T) {
	b1 := testBatch(t).WithMeta("origin", "first")
	b2 := testBatch(t)

	merged, err := Concat(b1, b2)
	require.NoError(t, err)
	assert.Equal(t, 6, merged.NumRows())
	origin, _ := merged.Meta("origin")
	assert.Equal(t, "first", origin)

	_, err = Concat(b1, NewBinaryBatch([][]byte{[]byte("x")}))
	assert.Error(t, err)

	_, err = Concat()
	assert.Error(t, err)
}

func TestPayloads(t *testing.T) {
	bin := NewBinaryBatch([][]byte{[]byte(`{"a":1}`), []byte("raw")})
	assert.True(t, bin.IsBinary())
	payloads, err := bin.Payloads()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte(`{"a":1}`), []byte("raw")}, payloads)

	ts := time.Date(2021, 6, 29, 20, 53, 20, 0, time.UTC)
	schema := MustSchema(
		Field{Name: "sensor", Type: TypeString},
		Field{Name: "count(*)", Type: TypeInt64},
		Field{Name: "a.b", Type: TypeFloat64, Nullable: true},
		Field{Name: "at", Type: TypeTimestamp},
	)
	b, err := NewBatch(schema, [][]any{{"temp_1"}, {int64(3)}, {nil}, {ts}})
	require.NoError(t, err)
	assert.False(t, b.IsBinary())
	payloads, err = b.Payloads()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"sensor":"temp_1","count(*)":3,"a.b":null,"at":"2021-06-29T20:53:20Z"}`, string(payloads[0]))
}

func TestBatchBuilder(t *testing.T) {
	bb := NewBatchBuilder(testSchema, 2)
	require.NoError(t, bb.Append("a", 1, float32(0.5)))
	require.NoError(t, bb.Append("b", int64(2), nil))
	assert.Error(t, bb.Append("c", "three", 1.0))
	assert.Error(t, bb.Append("c"))
	assert.Equal(t, 2, bb.NumRows())

	b := bb.Build()
	assert.Equal(t, 2, b.NumRows())
	assert.Equal(t, int64(1), b.Value(0, 1))
	assert.Equal(t, 0, bb.NumRows())
}

type countingAck struct {
	acks, nacks int
}

func (c *countingAck) Ack(ctx context.Context) error {
	c.acks++
	return nil
}

func (c *countingAck) Nack(ctx context.Context, reason error) error {
	c.nacks++
	return nil
}

func TestEnvelope(t *testing.T) {
	ctx := context.Background()
	ack := &countingAck{}

	env := NewEnvelope("s1", testBatch(t), ack)
	assert.NotEmpty(t, env.ID)
	assert.True(t, env.HasAcknowledger())
	assert.Equal(t, DeliveryPending, env.State())

	require.NoError(t, env.Ack(ctx))
	assert.Equal(t, DeliveryAcknowledged, env.State())
	assert.ErrorIs(t, env.Ack(ctx), ErrEnvelopeResolved)
	assert.ErrorIs(t, env.Nack(ctx, errors.New("late")), ErrEnvelopeResolved)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)

	env = NewEnvelope("s1", testBatch(t), nil)
	assert.False(t, env.HasAcknowledger())
	require.NoError(t, env.Nack(ctx, errors.New("bad")))
	assert.Equal(t, DeliveryFailed, env.State())
}

func TestRetryable(t *testing.T) {
	base := errors.New("timeout")
	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsRetryable(base))
	assert.Nil(t, Retryable(nil))

	wrapped := errors.Join(errors.New("context"), err)
	assert.True(t, IsRetryable(wrapped))
}
