// Package jsonconv provides the stages converting between raw JSON payloads and
// structured batches: "json_to_batch" and "batch_to_json".
package jsonconv

import (
	"context"
	"fmt"
	"time"

	"github.com/teltech/logger"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/flowline/entity"
)

const (
	EntityJsonToBatch = "json_to_batch"
	EntityBatchToJson = "batch_to_json"
)

// Field types besides the ones accepted by entity.ParseDataType.
const (
	TypeIsoTimestamp  = "isoTimestamp"
	TypeUnixTimestamp = "unixTimestamp"
)

var log *logger.Log

func init() {
	log = logger.New()
}

type FieldConfig struct {
	// Name of the column.
	Name string `mapstructure:"name"`

	// Path is a gjson path to the value in the JSON document. Defaults to the name.
	Path string `mapstructure:"path"`

	// Type is one of the batch data types (string, int, float, bool, timestamp, binary),
	// or isoTimestamp for RFC 3339 strings and unixTimestamp for epoch milliseconds.
	Type string `mapstructure:"type"`
}

// ExcludeConfig drops documents where the value at Path is one of Values.
type ExcludeConfig struct {
	Path   string   `mapstructure:"path"`
	Values []string `mapstructure:"values"`
}

type ToBatchConfig struct {
	ValueField  string          `mapstructure:"value_field"`
	Fields      []FieldConfig   `mapstructure:"fields"`
	ExcludeWhen []ExcludeConfig `mapstructure:"exclude_when"`
}

type field struct {
	entity.Field
	path string
	unix bool
}

type ToBatchFactory struct{}

func NewToBatchFactory() entity.StageFactory {
	return &ToBatchFactory{}
}

func (sf *ToBatchFactory) StageId() string {
	return EntityJsonToBatch
}

func (sf *ToBatchFactory) Concurrency() entity.Concurrency {
	return entity.ConcurrencyShared
}

func (sf *ToBatchFactory) NewStage(ctx context.Context, c entity.Config) (entity.Stage, error) {
	return NewToBatch(c)
}

func (sf *ToBatchFactory) Close(ctx context.Context) error {
	return nil
}

// ToBatch parses the JSON documents held in the value column into a columnar batch. Each
// row holds a JSON object, or an array of objects giving one output row per element.
// With configured fields the output schema is fixed; otherwise it is inferred from the
// documents of each batch.
type ToBatch struct {
	valueField string
	fields     []field
	schema     *entity.Schema
	exclude    []ExcludeConfig
	logData    bool
}

func NewToBatch(c entity.Config) (*ToBatch, error) {
	var config ToBatchConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	s := &ToBatch{valueField: config.ValueField, exclude: config.ExcludeWhen, logData: c.Ops.LogEventData}
	if s.valueField == "" {
		s.valueField = entity.ValueField
	}
	for i, e := range config.ExcludeWhen {
		if e.Path == "" {
			return nil, entity.ConfigErrorf("%s: exclude_when[%d]: path missing", EntityJsonToBatch, i)
		}
	}
	if len(config.Fields) == 0 {
		return s, nil
	}

	schemaFields := make([]entity.Field, len(config.Fields))
	for i, fc := range config.Fields {
		f := field{path: fc.Path}
		f.Name = fc.Name
		f.Nullable = true
		if f.path == "" {
			f.path = fc.Name
		}
		switch fc.Type {
		case TypeIsoTimestamp:
			f.Type = entity.TypeTimestamp
		case TypeUnixTimestamp:
			f.Type, f.unix = entity.TypeTimestamp, true
		default:
			t, err := entity.ParseDataType(fc.Type)
			if err != nil || t == entity.TypeNull {
				return nil, entity.ConfigErrorf("%s: field %s: unsupported type %q", EntityJsonToBatch, fc.Name, fc.Type)
			}
			f.Type = t
		}
		s.fields = append(s.fields, f)
		schemaFields[i] = f.Field
	}
	schema, err := entity.NewSchema(schemaFields...)
	if err != nil {
		return nil, entity.ConfigErrorf("%s: %v", EntityJsonToBatch, err)
	}
	s.schema = schema
	return s, nil
}

// Bind requires the value column, and returns the configured schema if any.
func (s *ToBatch) Bind(in *entity.Schema) (*entity.Schema, error) {
	if in == nil {
		return nil, nil
	}
	if _, err := valueColumn(in, s.valueField); err != nil {
		return nil, entity.ConfigErrorf("%s: %v", EntityJsonToBatch, err)
	}
	return s.schema, nil
}

func (s *ToBatch) Apply(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
	col, err := valueColumn(batch.Schema(), s.valueField)
	if err != nil {
		return nil, err
	}

	var docs []gjson.Result
	for r := 0; r < batch.NumRows(); r++ {
		payload := payloadBytes(batch.Value(r, col))
		if payload == nil {
			continue
		}
		if s.logData {
			log.Debugf("json_to_batch row %d: %s", r, payload)
		}
		if !gjson.ValidBytes(payload) {
			return nil, fmt.Errorf("row %d is not valid JSON: %.100s", r, payload)
		}
		doc := gjson.ParseBytes(payload)
		switch {
		case doc.IsObject():
			docs = s.appendUnlessExcluded(docs, doc)
		case doc.IsArray():
			for _, item := range doc.Array() {
				if !item.IsObject() {
					return nil, fmt.Errorf("row %d: array items must be JSON objects", r)
				}
				docs = s.appendUnlessExcluded(docs, item)
			}
		default:
			return nil, fmt.Errorf("row %d is not a JSON object: %.100s", r, payload)
		}
	}

	var out *entity.Batch
	if s.schema != nil {
		out, err = s.convert(docs)
	} else {
		out, err = infer(docs)
	}
	if err != nil {
		return nil, err
	}
	return []*entity.Batch{out.WithMetadataFrom(batch)}, nil
}

func (s *ToBatch) appendUnlessExcluded(docs []gjson.Result, doc gjson.Result) []gjson.Result {
	for _, e := range s.exclude {
		v := doc.Get(e.Path)
		if !v.Exists() {
			continue
		}
		for _, excluded := range e.Values {
			if v.String() == excluded {
				return docs
			}
		}
	}
	return append(docs, doc)
}

func (s *ToBatch) convert(docs []gjson.Result) (*entity.Batch, error) {
	bb := entity.NewBatchBuilder(s.schema, len(docs))
	values := make([]any, len(s.fields))
	for i, doc := range docs {
		for j, f := range s.fields {
			v, err := f.value(doc.Get(f.path))
			if err != nil {
				return nil, fmt.Errorf("document %d, field %s: %w", i, f.Name, err)
			}
			values[j] = v
		}
		if err := bb.Append(values...); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
	}
	return bb.Build(), nil
}

func (f field) value(v gjson.Result) (any, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	switch f.Type {
	case entity.TypeBool:
		return v.Bool(), nil
	case entity.TypeInt64:
		return v.Int(), nil
	case entity.TypeFloat64:
		return v.Float(), nil
	case entity.TypeBinary:
		if v.Type == gjson.String {
			return []byte(v.Str), nil
		}
		return []byte(v.Raw), nil
	case entity.TypeTimestamp:
		if f.unix || v.Type == gjson.Number {
			return time.UnixMilli(v.Int()).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return v.String(), nil
}

func valueColumn(schema *entity.Schema, name string) (int, error) {
	i, ok := schema.Index(name)
	if !ok {
		return -1, fmt.Errorf("column %s not found in schema %s", name, schema)
	}
	if t := schema.Field(i).Type; t != entity.TypeBinary && t != entity.TypeString {
		return -1, fmt.Errorf("column %s is of type %s, expected binary or string", name, t)
	}
	return i, nil
}

func payloadBytes(v any) []byte {
	switch p := v.(type) {
	case []byte:
		return p
	case string:
		return []byte(p)
	}
	return nil
}
