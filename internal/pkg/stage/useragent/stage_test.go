package useragent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
)

var uaStrings = []string{
	"Mozilla%2F5.0%20(Macintosh%3B%20Intel%20Mac%20OS%20X%2010_15_7)%20AppleWebKit%2F537.36%20(KHTML%2C%20like%20Gecko)%20Chrome%2F93.0.4577.63%20Safari%2F537.36",
	"Mozilla%2F5.0%20(Linux%3B%20Android%208.0.0%3B%20SM-G930F)%20AppleWebKit%2F537.36%20(KHTML%2C%20like%20Gecko)%20Chrome%2F94.0.4606.50%20Mobile%20Safari%2F537.36",
	"Mozilla%2F5.0%20(iPhone%3B%20CPU%20iPhone%20OS%2014_6%20like%20Mac%20OS%20X)%20AppleWebKit%2F605.1.15%20(KHTML%2C%20like%20Gecko)%20Version%2F14.1.1%20Mobile%2F15E148%20Safari%2F604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/93.0.4577.82 Safari/537.36 Edg/93.0.961.52",
	"Googlebot/2.1 (+http://www.google.com/bot.html)",
}

func TestParse(t *testing.T) {

	for _, s := range uaStrings {
		_, err := Parse(s)
		assert.NoError(t, err)
	}

	ua, err := Parse(uaStrings[0])
	require.NoError(t, err)
	assert.Equal(t, "Chrome", ua.Browser)
	assert.Equal(t, "93.0.4577.63", ua.BrowserVersion)
	assert.Equal(t, "Macintosh", ua.Platform)
	assert.False(t, ua.Mobile)

	ua, err = Parse(uaStrings[1])
	require.NoError(t, err)
	assert.True(t, ua.Mobile)

	ua, err = Parse(uaStrings[4])
	require.NoError(t, err)
	assert.True(t, ua.Bot)

	_, err = Parse("bad%zzescape")
	assert.Error(t, err)
}

func TestStage(t *testing.T) {

	schema := entity.MustSchema(
		entity.Field{Name: "id", Type: entity.TypeInt64},
		entity.Field{Name: "agent", Type: entity.TypeString, Nullable: true},
	)
	batch, err := entity.NewBatch(schema, [][]any{
		{int64(1), int64(2), int64(3)},
		{uaStrings[0], nil, "bad%zzescape"},
	})
	require.NoError(t, err)

	s, err := New(entity.Config{Props: map[string]any{"field": "agent"}})
	require.NoError(t, err)

	bound, err := s.Bind(schema)
	require.NoError(t, err)
	assert.Equal(t, 12, bound.NumFields())
	assert.Equal(t, "ua_platform", bound.Field(2).Name)

	out, err := s.Apply(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Schema().Equal(bound))

	browser, _ := out[0].ColumnByName("ua_browser")
	assert.Equal(t, []any{"Chrome", nil, nil}, browser)
	mobile, _ := out[0].ColumnByName("ua_mobile")
	assert.Equal(t, []any{false, nil, nil}, mobile)
	assert.Equal(t, 2, batch.NumColumns())
}

func TestStageConfig(t *testing.T) {

	_, err := New(entity.Config{})
	assert.True(t, entity.IsConfigError(err))

	s, err := New(entity.Config{Props: map[string]any{"field": "agent", "prefix": "client_"}})
	require.NoError(t, err)
	_, err = s.Bind(entity.MustSchema(entity.Field{Name: "agent", Type: entity.TypeInt64}))
	assert.True(t, entity.IsConfigError(err))
	_, err = s.Bind(entity.MustSchema(entity.Field{Name: "other", Type: entity.TypeString}))
	assert.True(t, entity.IsConfigError(err))

	bound, err := s.Bind(entity.MustSchema(entity.Field{Name: "agent", Type: entity.TypeString}))
	require.NoError(t, err)
	_, ok := bound.Index("client_engine_version")
	assert.True(t, ok)
}
