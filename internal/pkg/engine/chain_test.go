package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/etltest"
	"github.com/zpiroux/flowline/internal/pkg/stage/batching"
)

func envelopeOf(b *entity.Batch) *entity.Envelope {
	return entity.NewEnvelope("test-stream", b, nil)
}

func TestChainProcess(t *testing.T) {

	ctx := context.Background()
	double := etltest.NewMockStage(func(ctx context.Context, b *entity.Batch) ([]*entity.Batch, error) {
		return []*entity.Batch{b, b}, nil
	})
	identity := etltest.NewMockStage(nil)

	chain := NewChain(
		ChainStage{Index: 0, Kind: "double", Stage: double},
		ChainStage{Index: 1, Kind: "identity", Stage: identity})
	assert.Equal(t, 2, chain.Len())
	assert.Equal(t, []string{"processors[0]:double", "processors[1]:identity"}, chain.StageIds())

	in := etltest.IntBatch("v", 1, 2)
	out := chain.Process(ctx, envelopeOf(in))
	require.NoError(t, out.Err)
	assert.Len(t, out.Batches, 2)
	assert.Equal(t, 2, identity.Applied())
	assert.Same(t, in, out.Batches[0])
	assert.False(t, out.Held)
	assert.Empty(t, out.Released)
	assert.False(t, chain.Accumulating())

	// Empty chain is identity
	out = NewChain().Process(ctx, envelopeOf(in))
	require.NoError(t, out.Err)
	assert.Equal(t, []*entity.Batch{in}, out.Batches)

	// Empty input batches never reach the stages
	out = NewChain(ChainStage{Kind: "identity", Stage: identity}).Process(ctx, envelopeOf(entity.NewEmptyBatch(nil)))
	require.NoError(t, out.Err)
	assert.Empty(t, out.Batches)
	assert.Equal(t, 2, identity.Applied())
}

func TestChainShortCircuit(t *testing.T) {

	drop := etltest.NewMockStage(func(ctx context.Context, b *entity.Batch) ([]*entity.Batch, error) {
		return []*entity.Batch{entity.NewEmptyBatch(b.Schema())}, nil
	})
	after := etltest.NewMockStage(nil)

	chain := NewChain(
		ChainStage{Index: 0, Kind: "drop", Stage: drop},
		ChainStage{Index: 1, Kind: "after", Stage: after})

	out := chain.Process(context.Background(), envelopeOf(etltest.IntBatch("v", 1)))
	require.NoError(t, out.Err)
	assert.Empty(t, out.Batches)
	assert.False(t, out.Held)
	assert.Equal(t, 1, drop.Applied())
	assert.Zero(t, after.Applied())
}

func TestChainStageError(t *testing.T) {

	errBoom := errors.New("boom")
	addOne := etltest.NewMockStage(func(ctx context.Context, b *entity.Batch) ([]*entity.Batch, error) {
		return []*entity.Batch{etltest.IntBatch("v", etltest.FirstInt(b)+1)}, nil
	})
	fail := etltest.NewMockStage(etltest.FailWhen(func(*entity.Batch) bool { return true }, errBoom))
	never := etltest.NewMockStage(nil)

	chain := NewChain(
		ChainStage{Index: 0, Kind: "add", Stage: addOne},
		ChainStage{Index: 1, Kind: "fail", Stage: fail},
		ChainStage{Index: 2, Kind: "never", Stage: never})

	out := chain.Process(context.Background(), envelopeOf(etltest.IntBatch("v", 1)))
	assert.Nil(t, out.Batches)
	err := out.Err
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, 1, stageErr.Index)
	assert.Equal(t, "processors[1]:fail", stageErr.Stage)
	assert.Equal(t, int64(2), etltest.FirstInt(stageErr.Batch))
	assert.Zero(t, never.Applied())

	panicking := etltest.NewMockStage(func(ctx context.Context, b *entity.Batch) ([]*entity.Batch, error) {
		panic("bad plugin")
	})
	out = NewChain(ChainStage{Kind: "panic", Stage: panicking}).Process(context.Background(), envelopeOf(etltest.IntBatch("v", 1)))
	assert.ErrorContains(t, out.Err, "bad plugin")
}

func TestChainFlush(t *testing.T) {

	ctx := context.Background()
	acc := etltest.Accumulator()
	addOne := etltest.NewMockStage(func(ctx context.Context, b *entity.Batch) ([]*entity.Batch, error) {
		return []*entity.Batch{etltest.IntBatch("v", etltest.FirstInt(b)+1)}, nil
	})
	chain := NewChain(
		ChainStage{Index: 0, Kind: "acc", Stage: acc, Concurrency: entity.ConcurrencySerialized},
		ChainStage{Index: 1, Kind: "add", Stage: addOne})

	assert.True(t, chain.Accumulating())

	var envs []*entity.Envelope
	for i := int64(1); i <= 3; i++ {
		env := envelopeOf(etltest.IntBatch("v", i*10))
		envs = append(envs, env)
		out := chain.Process(ctx, env)
		require.NoError(t, out.Err)
		assert.Empty(t, out.Batches)
		assert.True(t, out.Held)
	}
	assert.Zero(t, addOne.Applied())
	assert.True(t, chain.NextDeadline().IsZero())

	outputs := chain.Flush(ctx)
	require.Len(t, outputs, 1)
	require.NoError(t, outputs[0].Err)
	require.Len(t, outputs[0].Batches, 1)
	assert.Equal(t, 1, outputs[0].Batches[0].NumRows())
	assert.Equal(t, int64(11), etltest.FirstInt(outputs[0].Batches[0]))
	assert.Equal(t, envs, outputs[0].Released)

	// Nothing left to flush
	assert.Empty(t, chain.Flush(ctx))

	err := chain.Close(ctx)
	assert.NoError(t, err)
	assert.True(t, acc.Closed())
	assert.True(t, addOne.Closed())
}

type renameStage struct {
	from, to string
}

func (r *renameStage) Apply(ctx context.Context, b *entity.Batch) ([]*entity.Batch, error) {
	return []*entity.Batch{b}, nil
}

func (r *renameStage) Bind(in *entity.Schema) (*entity.Schema, error) {
	if _, ok := in.Index(r.from); !ok {
		return nil, errors.New("unknown column " + r.from)
	}
	return entity.MustSchema(entity.Field{Name: r.to, Type: entity.TypeInt64}), nil
}

func TestChainBind(t *testing.T) {

	schema := entity.MustSchema(entity.Field{Name: "a", Type: entity.TypeInt64})

	chain := NewChain(
		ChainStage{Index: 0, Kind: "rename", Stage: &renameStage{from: "a", to: "b"}},
		ChainStage{Index: 1, Kind: "rename", Stage: &renameStage{from: "b", to: "c"}})
	assert.NoError(t, chain.Bind(schema))

	chain = NewChain(
		ChainStage{Index: 0, Kind: "rename", Stage: &renameStage{from: "a", to: "b"}},
		ChainStage{Index: 1, Kind: "rename", Stage: &renameStage{from: "a", to: "c"}})
	err := chain.Bind(schema)
	assert.True(t, entity.IsConfigError(err))
	assert.ErrorContains(t, err, "processors[1]:rename")

	// Validation stops at stages without static schema knowledge
	chain = NewChain(
		ChainStage{Index: 0, Kind: "opaque", Stage: etltest.NewMockStage(nil)},
		ChainStage{Index: 1, Kind: "rename", Stage: &renameStage{from: "x", to: "c"}})
	assert.NoError(t, chain.Bind(schema))
	assert.NoError(t, chain.Bind(nil))
}

func TestChainReleasesHeldEnvelopes(t *testing.T) {

	ctx := context.Background()
	batcher, err := batching.New(entity.Config{Props: map[string]any{"count": 2}})
	require.NoError(t, err)
	chain := NewChain(ChainStage{Index: 0, Kind: batching.EntityBatch, Stage: batcher, Concurrency: entity.ConcurrencySerialized})

	first := envelopeOf(etltest.IntBatch("v", 1))
	out := chain.Process(ctx, first)
	require.NoError(t, out.Err)
	assert.Empty(t, out.Batches)
	assert.True(t, out.Held)

	// The merged batch carries the rows of both envelopes
	second := envelopeOf(etltest.IntBatch("v", 2))
	out = chain.Process(ctx, second)
	require.NoError(t, out.Err)
	require.Len(t, out.Batches, 1)
	assert.Equal(t, 2, out.Batches[0].NumRows())
	assert.False(t, out.Held)
	assert.Equal(t, []*entity.Envelope{first}, out.Released)

	assert.Empty(t, chain.Flush(ctx))
}

func TestChainHeldAcrossAccumulators(t *testing.T) {

	ctx := context.Background()
	batcher, err := batching.New(entity.Config{Props: map[string]any{"count": 2}})
	require.NoError(t, err)
	buffer := etltest.Accumulator()
	chain := NewChain(
		ChainStage{Index: 0, Kind: batching.EntityBatch, Stage: batcher, Concurrency: entity.ConcurrencySerialized},
		ChainStage{Index: 1, Kind: "buffer", Stage: buffer})

	first := envelopeOf(etltest.IntBatch("v", 1))
	assert.True(t, chain.Process(ctx, first).Held)

	// Released by the batch stage, but kept by the buffer
	second := envelopeOf(etltest.IntBatch("v", 2))
	out := chain.Process(ctx, second)
	require.NoError(t, out.Err)
	assert.Empty(t, out.Batches)
	assert.True(t, out.Held)
	assert.Empty(t, out.Released)

	outputs := chain.Flush(ctx)
	require.Len(t, outputs, 1)
	require.Len(t, outputs[0].Batches, 1)
	assert.Equal(t, 2, outputs[0].Batches[0].NumRows())
	assert.ElementsMatch(t, []*entity.Envelope{first, second}, outputs[0].Released)
}

func TestChainFlushExpired(t *testing.T) {

	ctx := context.Background()
	buffer := &etltest.BufferStage{MaxAge: time.Minute}
	chain := NewChain(ChainStage{Index: 0, Kind: "buffer", Stage: buffer})

	env := envelopeOf(etltest.IntBatch("v", 1))
	assert.True(t, chain.Process(ctx, env).Held)

	deadline := chain.NextDeadline()
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	assert.Empty(t, chain.FlushExpired(ctx, deadline.Add(-time.Second)))

	outputs := chain.FlushExpired(ctx, deadline)
	require.Len(t, outputs, 1)
	require.Len(t, outputs[0].Batches, 1)
	assert.Equal(t, []*entity.Envelope{env}, outputs[0].Released)
	assert.True(t, chain.NextDeadline().IsZero())
}

func TestChainFlushFailureReleases(t *testing.T) {

	ctx := context.Background()
	buffer := etltest.Accumulator()
	fail := etltest.NewMockStage(etltest.FailWhen(func(*entity.Batch) bool { return true }, errors.New("boom")))
	chain := NewChain(
		ChainStage{Index: 0, Kind: "buffer", Stage: buffer},
		ChainStage{Index: 1, Kind: "fail", Stage: fail})

	env := envelopeOf(etltest.IntBatch("v", 1))
	assert.True(t, chain.Process(ctx, env).Held)

	outputs := chain.Flush(ctx)
	require.Len(t, outputs, 1)
	var stageErr *StageError
	require.True(t, errors.As(outputs[0].Err, &stageErr))
	assert.Equal(t, 1, stageErr.Index)
	assert.Equal(t, []*entity.Envelope{env}, outputs[0].Released)
}
