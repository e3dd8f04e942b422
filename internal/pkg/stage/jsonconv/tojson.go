package jsonconv

import (
	"context"
	"fmt"

	"github.com/zpiroux/flowline/entity"
)

type ToJsonConfig struct {
	// ValueField is the name of the single binary output column.
	ValueField string `mapstructure:"value_field"`

	// Fields restricts the output documents to the listed columns, in the given order.
	Fields []string `mapstructure:"fields"`
}

type ToJsonFactory struct{}

func NewToJsonFactory() entity.StageFactory {
	return &ToJsonFactory{}
}

func (sf *ToJsonFactory) StageId() string {
	return EntityBatchToJson
}

func (sf *ToJsonFactory) Concurrency() entity.Concurrency {
	return entity.ConcurrencyShared
}

func (sf *ToJsonFactory) NewStage(ctx context.Context, c entity.Config) (entity.Stage, error) {
	return NewToJson(c)
}

func (sf *ToJsonFactory) Close(ctx context.Context) error {
	return nil
}

// ToJson renders each row as a JSON object, giving a batch with a single binary column.
type ToJson struct {
	fields []string
	schema *entity.Schema
}

func NewToJson(c entity.Config) (*ToJson, error) {
	var config ToJsonConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if config.ValueField == "" {
		config.ValueField = entity.ValueField
	}
	return &ToJson{
		fields: config.Fields,
		schema: entity.MustSchema(entity.Field{Name: config.ValueField, Type: entity.TypeBinary}),
	}, nil
}

func (s *ToJson) Bind(in *entity.Schema) (*entity.Schema, error) {
	if in != nil {
		for _, f := range s.fields {
			if _, ok := in.Index(f); !ok {
				return nil, entity.ConfigErrorf("%s: column %s not found in schema %s", EntityBatchToJson, f, in)
			}
		}
	}
	return s.schema, nil
}

func (s *ToJson) Apply(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
	in := batch
	if len(s.fields) > 0 {
		var err error
		if in, err = batch.Project(s.fields...); err != nil {
			return nil, err
		}
	}

	col := make([]any, in.NumRows())
	for r := range col {
		doc, err := in.RowJSON(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		col[r] = doc
	}
	out, err := entity.NewBatch(s.schema, [][]any{col})
	if err != nil {
		return nil, err
	}
	return []*entity.Batch{out.WithMetadataFrom(batch)}, nil
}
