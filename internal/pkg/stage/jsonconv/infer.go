package jsonconv

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zpiroux/flowline/entity"
)

type inferredColumn struct {
	name   string
	typ    entity.DataType
	values []any
}

// infer builds a batch from the top-level keys of the documents. Columns appear in order
// of first occurrence and are all nullable. Integers and floats in the same column give a
// float column, any other mix of types gives a string column. Nested objects and arrays
// are kept as raw JSON strings.
func infer(docs []gjson.Result) (*entity.Batch, error) {
	var columns []*inferredColumn
	index := make(map[string]*inferredColumn)

	for i, doc := range docs {
		doc.ForEach(func(key, value gjson.Result) bool {
			col, ok := index[key.Str]
			if !ok {
				col = &inferredColumn{name: key.Str, typ: entity.TypeNull, values: make([]any, len(docs))}
				index[key.Str] = col
				columns = append(columns, col)
			}
			col.values[i] = value
			col.typ = widen(col.typ, jsonType(value))
			return true
		})
	}

	fields := make([]entity.Field, len(columns))
	data := make([][]any, len(columns))
	for c, col := range columns {
		if col.typ == entity.TypeNull {
			col.typ = entity.TypeString
		}
		fields[c] = entity.Field{Name: col.name, Type: col.typ, Nullable: true}
		for r, v := range col.values {
			if v != nil {
				col.values[r] = convertInferred(col.typ, v.(gjson.Result))
			}
		}
		data[c] = col.values
	}
	schema, err := entity.NewSchema(fields...)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return entity.NewEmptyBatch(schema), nil
	}
	return entity.NewBatch(schema, data)
}

func jsonType(v gjson.Result) entity.DataType {
	switch v.Type {
	case gjson.Null:
		return entity.TypeNull
	case gjson.True, gjson.False:
		return entity.TypeBool
	case gjson.Number:
		if strings.ContainsAny(v.Raw, ".eE") {
			return entity.TypeFloat64
		}
		return entity.TypeInt64
	}
	return entity.TypeString
}

func widen(current, next entity.DataType) entity.DataType {
	switch {
	case current == next || next == entity.TypeNull:
		return current
	case current == entity.TypeNull:
		return next
	case current.IsNumeric() && next.IsNumeric():
		return entity.TypeFloat64
	}
	return entity.TypeString
}

func convertInferred(t entity.DataType, v gjson.Result) any {
	if v.Type == gjson.Null {
		return nil
	}
	switch t {
	case entity.TypeBool:
		return v.Bool()
	case entity.TypeInt64:
		return v.Int()
	case entity.TypeFloat64:
		return v.Float()
	}
	if v.Type == gjson.String {
		return v.Str
	}
	return v.Raw
}
