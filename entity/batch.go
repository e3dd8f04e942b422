package entity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// ValueField is the column name used by sources emitting raw payloads, and by stages
// converting between raw payloads and structured batches.
const ValueField = "__value__"

// DataType is the type of a single batch column. All values in a column are of the
// Go type given by the DataType, or nil if the value is null.
//
//	TypeBool      - bool
//	TypeInt64     - int64
//	TypeFloat64   - float64
//	TypeString    - string
//	TypeBinary    - []byte
//	TypeTimestamp - time.Time
type DataType int

const (
	TypeNull DataType = iota
	TypeBool
	TypeInt64
	TypeFloat64
	TypeString
	TypeBinary
	TypeTimestamp
)

var dataTypeName = map[DataType]string{
	TypeNull:      "null",
	TypeBool:      "bool",
	TypeInt64:     "int64",
	TypeFloat64:   "float64",
	TypeString:    "string",
	TypeBinary:    "binary",
	TypeTimestamp: "timestamp",
}

func (t DataType) String() string {
	if name, ok := dataTypeName[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// ParseDataType maps a type name as used in stream definitions to a DataType.
// Besides the canonical names, a few aliases are accepted.
func ParseDataType(name string) (DataType, error) {
	switch strings.ToLower(name) {
	case "null":
		return TypeNull, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "int", "int64", "integer":
		return TypeInt64, nil
	case "float", "float64", "number", "double":
		return TypeFloat64, nil
	case "string", "":
		return TypeString, nil
	case "binary", "bytes":
		return TypeBinary, nil
	case "timestamp", "time":
		return TypeTimestamp, nil
	}
	return TypeNull, fmt.Errorf("unknown data type: %s", name)
}

// IsNumeric returns true for int64 and float64 columns.
func (t DataType) IsNumeric() bool {
	return t == TypeInt64 || t == TypeFloat64
}

type Field struct {
	Name     string
	Type     DataType
	Nullable bool
}

func (f Field) String() string {
	if f.Nullable {
		return f.Name + ":" + f.Type.String() + "?"
	}
	return f.Name + ":" + f.Type.String()
}

// Schema is the ordered set of fields of a batch. It is immutable once created.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema creates a schema from the provided fields. Field names must be unique and non-empty.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema field #%d has no name", i)
		}
		if _, exists := s.index[f.Name]; exists {
			return nil, fmt.Errorf("duplicate schema field name: %s", f.Name)
		}
		s.fields[i] = f
		s.index[f.Name] = i
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on invalid input. Intended for statically known schemas.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) NumFields() int {
	return len(s.fields)
}

func (s *Schema) Field(i int) Field {
	return s.fields[i]
}

func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func (s *Schema) Equal(other *Schema) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil || len(s.fields) != len(other.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}

func (s *Schema) String() string {
	if s == nil {
		return "<unknown>"
	}
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// BinarySchema is the schema of batches created with NewBinaryBatch.
var BinarySchema = MustSchema(Field{Name: ValueField, Type: TypeBinary})

// Batch is an immutable columnar block of rows sharing one schema. Operations deriving
// new data from a batch return a new Batch, leaving the original untouched.
// Column slices handed to NewBatch are owned by the batch afterwards and must not be
// modified by the caller.
type Batch struct {
	schema  *Schema
	columns [][]any
	rows    int
	meta    map[string]string
}

// NewBatch creates a batch from column-major data, validating column count, row counts
// and value types against the schema.
func NewBatch(schema *Schema, columns [][]any) (*Batch, error) {
	if schema == nil {
		return nil, errors.New("batch requires a schema")
	}
	if len(columns) != schema.NumFields() {
		return nil, fmt.Errorf("schema has %d fields but %d columns provided", schema.NumFields(), len(columns))
	}
	rows := 0
	for i, col := range columns {
		if i == 0 {
			rows = len(col)
		} else if len(col) != rows {
			return nil, fmt.Errorf("column %s has %d rows, expected %d", schema.fields[i].Name, len(col), rows)
		}
		field := schema.fields[i]
		for r, v := range col {
			if err := checkValue(field, v); err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", field.Name, r, err)
			}
		}
	}
	return &Batch{schema: schema, columns: columns, rows: rows}, nil
}

// NewEmptyBatch returns a batch with the given schema and zero rows.
func NewEmptyBatch(schema *Schema) *Batch {
	if schema == nil {
		schema = MustSchema()
	}
	return &Batch{schema: schema, columns: make([][]any, schema.NumFields())}
}

// NewBinaryBatch creates a single column batch holding one raw payload per row, which
// is the shape emitted by byte-oriented sources.
func NewBinaryBatch(values [][]byte) *Batch {
	col := make([]any, len(values))
	for i, v := range values {
		col[i] = v
	}
	return &Batch{schema: BinarySchema, columns: [][]any{col}, rows: len(values)}
}

func (b *Batch) Schema() *Schema {
	return b.schema
}

func (b *Batch) NumRows() int {
	if b == nil {
		return 0
	}
	return b.rows
}

func (b *Batch) NumColumns() int {
	return b.schema.NumFields()
}

// IsEmpty returns true for nil batches and batches without rows.
func (b *Batch) IsEmpty() bool {
	return b == nil || b.rows == 0
}

// IsBinary reports whether the batch has the raw payload shape created by NewBinaryBatch.
func (b *Batch) IsBinary() bool {
	return b.schema.NumFields() == 1 &&
		b.schema.fields[0].Name == ValueField &&
		b.schema.fields[0].Type == TypeBinary
}

// Value returns the value at the given row and column.
func (b *Batch) Value(row, col int) any {
	return b.columns[col][row]
}

// Column returns a copy of the values in column i.
func (b *Batch) Column(i int) []any {
	out := make([]any, b.rows)
	copy(out, b.columns[i])
	return out
}

func (b *Batch) ColumnByName(name string) ([]any, bool) {
	i, ok := b.schema.Index(name)
	if !ok {
		return nil, false
	}
	return b.Column(i), true
}

// Row returns a copy of the values in row i, in schema order.
func (b *Batch) Row(i int) []any {
	out := make([]any, len(b.columns))
	for c := range b.columns {
		out[c] = b.columns[c][i]
	}
	return out
}

// Meta returns a metadata value attached to the batch.
func (b *Batch) Meta(key string) (string, bool) {
	v, ok := b.meta[key]
	return v, ok
}

// Metadata returns a copy of all metadata attached to the batch.
func (b *Batch) Metadata() map[string]string {
	out := make(map[string]string, len(b.meta))
	for k, v := range b.meta {
		out[k] = v
	}
	return out
}

// WithMeta returns a new batch sharing column data with b, with the key set in its metadata.
func (b *Batch) WithMeta(key, value string) *Batch {
	nb := b.shallowCopy()
	nb.meta[key] = value
	return nb
}

// WithMetadataFrom returns a new batch sharing column data with b, with the metadata of
// src added to its own.
func (b *Batch) WithMetadataFrom(src *Batch) *Batch {
	nb := b.shallowCopy()
	for k, v := range src.meta {
		nb.meta[k] = v
	}
	return nb
}

func (b *Batch) shallowCopy() *Batch {
	nb := &Batch{
		schema:  b.schema,
		columns: b.columns,
		rows:    b.rows,
		meta:    make(map[string]string, len(b.meta)+1),
	}
	for k, v := range b.meta {
		nb.meta[k] = v
	}
	return nb
}

// Select returns a new batch with the given rows, in the given order.
func (b *Batch) Select(rows []int) (*Batch, error) {
	cols := make([][]any, len(b.columns))
	for c := range b.columns {
		cols[c] = make([]any, len(rows))
	}
	for i, r := range rows {
		if r < 0 || r >= b.rows {
			return nil, fmt.Errorf("row index %d out of range [0,%d)", r, b.rows)
		}
		for c := range b.columns {
			cols[c][i] = b.columns[c][r]
		}
	}
	nb := b.shallowCopy()
	nb.columns = cols
	nb.rows = len(rows)
	return nb, nil
}

// Slice returns rows [from, to) as a new batch sharing the underlying data.
func (b *Batch) Slice(from, to int) (*Batch, error) {
	if from < 0 || to > b.rows || from > to {
		return nil, fmt.Errorf("invalid slice [%d,%d) of batch with %d rows", from, to, b.rows)
	}
	cols := make([][]any, len(b.columns))
	for c := range b.columns {
		cols[c] = b.columns[c][from:to:to]
	}
	nb := b.shallowCopy()
	nb.columns = cols
	nb.rows = to - from
	return nb, nil
}

// Project returns a new batch holding only the named columns, in the given order.
func (b *Batch) Project(names ...string) (*Batch, error) {
	fields := make([]Field, len(names))
	cols := make([][]any, len(names))
	for i, name := range names {
		idx, ok := b.schema.Index(name)
		if !ok {
			return nil, fmt.Errorf("unknown column: %s", name)
		}
		fields[i] = b.schema.fields[idx]
		cols[i] = b.columns[idx]
	}
	schema, err := NewSchema(fields...)
	if err != nil {
		return nil, err
	}
	nb := b.shallowCopy()
	nb.schema = schema
	nb.columns = cols
	return nb, nil
}

// WithColumn returns a new batch with an additional column appended. If a column with the
// same name exists it is replaced.
func (b *Batch) WithColumn(field Field, values []any) (*Batch, error) {
	if len(values) != b.rows {
		return nil, fmt.Errorf("column %s has %d rows, expected %d", field.Name, len(values), b.rows)
	}
	for r, v := range values {
		if err := checkValue(field, v); err != nil {
			return nil, fmt.Errorf("column %s row %d: %w", field.Name, r, err)
		}
	}
	fields := b.schema.Fields()
	cols := make([][]any, len(b.columns), len(b.columns)+1)
	copy(cols, b.columns)
	if idx, exists := b.schema.Index(field.Name); exists {
		fields[idx] = field
		cols[idx] = values
	} else {
		fields = append(fields, field)
		cols = append(cols, values)
	}
	schema, err := NewSchema(fields...)
	if err != nil {
		return nil, err
	}
	nb := b.shallowCopy()
	nb.schema = schema
	nb.columns = cols
	return nb, nil
}

// Concat merges batches with equal schemas into a single batch. Metadata is taken from
// the first batch.
func Concat(batches ...*Batch) (*Batch, error) {
	if len(batches) == 0 {
		return nil, errors.New("no batches to concatenate")
	}
	first := batches[0]
	total := 0
	for _, b := range batches {
		if !b.schema.Equal(first.schema) {
			return nil, fmt.Errorf("schema mismatch in concat: %s vs %s", first.schema, b.schema)
		}
		total += b.rows
	}
	cols := make([][]any, len(first.columns))
	for c := range cols {
		cols[c] = make([]any, 0, total)
		for _, b := range batches {
			cols[c] = append(cols[c], b.columns[c]...)
		}
	}
	nb := first.shallowCopy()
	nb.columns = cols
	nb.rows = total
	return nb, nil
}

// Payloads renders each row as a byte payload for byte-oriented sinks. Binary batches
// return the raw values, other batches are rendered as one JSON object per row with
// fields in schema order.
func (b *Batch) Payloads() ([][]byte, error) {
	out := make([][]byte, b.rows)
	if b.IsBinary() {
		for r := 0; r < b.rows; r++ {
			if v, ok := b.columns[0][r].([]byte); ok {
				out[r] = v
			}
		}
		return out, nil
	}
	for r := 0; r < b.rows; r++ {
		row, err := b.RowJSON(r)
		if err != nil {
			return nil, err
		}
		out[r] = row
	}
	return out, nil
}

// RowJSON renders a single row as a JSON object.
func (b *Batch) RowJSON(row int) ([]byte, error) {
	var err error
	doc := []byte("{}")
	for c, f := range b.schema.fields {
		doc, err = sjson.SetBytes(doc, EscapeJSONPath(f.Name), JSONValue(b.columns[c][row]))
		if err != nil {
			return nil, fmt.Errorf("rendering column %s: %w", f.Name, err)
		}
	}
	return doc, nil
}

// JSONValue converts a column value into its JSON representation.
func JSONValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// EscapeJSONPath escapes characters with special meaning in gjson/sjson paths, so that
// a column name can be used as a literal key.
func EscapeJSONPath(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch(rows: %d, schema: %s, meta: %v)", b.rows, b.schema, b.meta)
}

func checkValue(f Field, v any) error {
	if v == nil {
		if f.Nullable || f.Type == TypeNull {
			return nil
		}
		return errors.New("null value in non-nullable column")
	}
	ok := false
	switch f.Type {
	case TypeBool:
		_, ok = v.(bool)
	case TypeInt64:
		_, ok = v.(int64)
	case TypeFloat64:
		_, ok = v.(float64)
	case TypeString:
		_, ok = v.(string)
	case TypeBinary:
		_, ok = v.([]byte)
	case TypeTimestamp:
		_, ok = v.(time.Time)
	}
	if !ok {
		return fmt.Errorf("value %v (%T) does not match column type %s", v, v, f.Type)
	}
	return nil
}

// NormalizeValue converts v into the canonical Go type for t, widening numeric types
// where this is lossless. It is used by builders accepting loosely typed input.
func NormalizeValue(t DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint8:
			return int64(n), nil
		}
	case TypeFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
	case TypeBinary:
		switch s := v.(type) {
		case []byte:
			return s, nil
		case string:
			return []byte(s), nil
		}
	default:
		if err := checkValue(Field{Type: t}, v); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
}

// BatchBuilder builds a batch row by row.
type BatchBuilder struct {
	schema  *Schema
	columns [][]any
	rows    int
}

func NewBatchBuilder(schema *Schema, capacity int) *BatchBuilder {
	bb := &BatchBuilder{schema: schema, columns: make([][]any, schema.NumFields())}
	for i := range bb.columns {
		bb.columns[i] = make([]any, 0, capacity)
	}
	return bb
}

// Append adds a row. Values are normalized to the column types.
func (bb *BatchBuilder) Append(values ...any) error {
	if len(values) != len(bb.columns) {
		return fmt.Errorf("row has %d values, schema has %d fields", len(values), len(bb.columns))
	}
	normalized := make([]any, len(values))
	for i, v := range values {
		field := bb.schema.fields[i]
		nv, err := NormalizeValue(field.Type, v)
		if err == nil {
			err = checkValue(field, nv)
		}
		if err != nil {
			return fmt.Errorf("column %s: %w", field.Name, err)
		}
		normalized[i] = nv
	}
	for i, v := range normalized {
		bb.columns[i] = append(bb.columns[i], v)
	}
	bb.rows++
	return nil
}

func (bb *BatchBuilder) NumRows() int {
	return bb.rows
}

// Build returns the batch and resets the builder.
func (bb *BatchBuilder) Build() *Batch {
	b := &Batch{schema: bb.schema, columns: bb.columns, rows: bb.rows}
	bb.columns = make([][]any, bb.schema.NumFields())
	bb.rows = 0
	return b
}
