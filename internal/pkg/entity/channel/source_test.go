package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
)

func newTestSource(t *testing.T, props map[string]any) entity.Source {
	sf := NewSourceFactory()
	assert.Equal(t, entity.EntityMemory, sf.SourceId())
	src, err := sf.NewSource(context.Background(), entity.Config{
		Stream:   "test",
		Instance: "instanceId",
		Kind:     sourceTypeId,
		Props:    props,
	})
	require.NoError(t, err)
	require.NoError(t, src.Connect(context.Background()))
	return src
}

func TestStaticMessages(t *testing.T) {

	ctx := context.Background()
	src := newTestSource(t, map[string]any{
		"messages":       []any{`{"a":1}`, `{"a":2}`},
		"end_when_empty": true,
	})

	for _, expected := range []string{`{"a":1}`, `{"a":2}`} {
		batch, ack, err := src.Fetch(ctx)
		require.NoError(t, err)
		assert.Nil(t, ack)
		assert.True(t, batch.IsBinary())
		assert.Equal(t, []byte(expected), batch.Value(0, 0))
	}
	_, _, err := src.Fetch(ctx)
	assert.ErrorIs(t, err, entity.ErrEndOfInput)

	_, err = NewSourceFactory().NewSource(ctx, entity.Config{Kind: sourceTypeId, Props: map[string]any{"nope": 1}})
	assert.True(t, entity.IsConfigError(err))
}

func TestPublish(t *testing.T) {

	ctx := context.Background()
	src := newTestSource(t, nil)
	publisher, ok := src.(entity.Publisher)
	require.True(t, ok)

	go func() {
		for i := 0; i < 2; i++ {
			batch, ack, err := src.Fetch(ctx)
			if err != nil {
				return
			}
			if string(batch.Value(0, 0).([]byte)) == "bad" {
				_ = ack.Nack(ctx, errors.New("invalid"))
			} else {
				_ = ack.Ack(ctx)
			}
		}
	}()

	id, err := publisher.Publish(ctx, []byte("good"))
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = publisher.Publish(ctx, []byte("bad"))
	assert.ErrorContains(t, err, "invalid")

	// Nobody fetching
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = publisher.Publish(tctx, []byte("lost"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, src.Close(ctx))
	_, err = publisher.Publish(ctx, []byte("closed"))
	assert.ErrorIs(t, err, ErrSourceClosed)
	_, _, err = src.Fetch(ctx)
	assert.ErrorIs(t, err, entity.ErrEndOfInput)
}
