package generate

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

const (
	DefaultMaxFractionDigits = 2
	RowGenTypeRandom         = "random"
	RowGenTypeSinusoid       = "sinusoid"
	TimestampLayoutIsoSecs   = "2006-01-02T15:04:05Z"
	TimestampLayoutIsoMillis = "2006-01-02T15:04:05.000Z"
	TimestampLayoutIsoMicros = "2006-01-02T15:04:05.000000Z"
)

var DefaultCharset = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// RowGeneration specifies how many rows each generated batch should have, overriding
// batch_size.
//
// "Type" can be one of the following:
//
//	"random"   --> random value between "MinCount" and "MaxCount"
//	"sinusoid" --> the row count over time has a sine wave form with period "PeriodSeconds",
//	               peak-to-peak amplitude "MaxCount" - "MinCount", and a peak at "PeakTime"
//	               (layout TimestampLayoutIsoSecs).
type RowGeneration struct {
	Type          string `mapstructure:"type"`
	MinCount      int    `mapstructure:"minCount"`
	MaxCount      int    `mapstructure:"maxCount"`
	PeriodSeconds int    `mapstructure:"periodSeconds"`
	PeakTime      string `mapstructure:"peakTime"`
}

// FieldSpec specifies how a field is generated in each row. The field is set on top of
// the row context, so it can both add and replace context fields.
type FieldSpec struct {

	// Name of the field on sjson path format (see github.com/tidwall/sjson)
	Field string `mapstructure:"field"`

	// One of the below options can be present in each field spec
	PredefinedValues []PredefinedValue `mapstructure:"predefinedValues"`
	RandomizedValue  *RandomizedValue  `mapstructure:"randomizedValue"`
	SetOfStrings     *SetOfStrings     `mapstructure:"setOfStrings"`
}

// PredefinedValue gives a field one of many provided values, with a probability based
// on FrequencyFactor.
type PredefinedValue struct {
	// Value can be any json scalar value (string, number, boolean, null)
	Value any `mapstructure:"value"`

	// FrequencyFactor is the relative weight of the value. Zero means 1.
	FrequencyFactor int `mapstructure:"frequencyFactor"`
}

// RandomizedValue generates a random value for a field.
//
// Supported types: "int", "integer", "float", "string", "bool", "boolean",
// "isoTimestampMilliseconds", "isoTimestampMicroseconds" and "uuid".
type RandomizedValue struct {
	Type string  `mapstructure:"type"`
	Min  float64 `mapstructure:"min"`
	Max  float64 `mapstructure:"max"`

	// Charset is only applicable for "string" and names a character set provided to the
	// source factory. If not found the default charset is used.
	Charset string `mapstructure:"charset"`

	// MaxFractionDigits is only applicable for "float", default DefaultMaxFractionDigits
	MaxFractionDigits int `mapstructure:"maxFractionDigits"`

	// JitterMilliseconds is only applicable for the timestamp types and adds a random
	// delta of at most +-JitterMilliseconds to the current time.
	JitterMilliseconds int `mapstructure:"jitterMilliseconds"`
}

func (v *RandomizedValue) validate() error {
	switch v.Type {
	case "int", "integer", "float", "string", "bool", "boolean",
		"isoTimestampMilliseconds", "isoTimestampMicroseconds", "uuid":
	default:
		return fmt.Errorf("unsupported type for randomized values: %s", v.Type)
	}
	if v.Max < v.Min {
		return fmt.Errorf("randomized value max (%v) lower than min (%v)", v.Max, v.Min)
	}
	return nil
}

// rowGenerator creates JSON rows from a context template and field specs. It is safe for
// concurrent use after creation.
type rowGenerator struct {
	template        []byte
	fields          []FieldSpec
	charsets        map[string][]rune
	frequencyRanges map[string][]frequencyRange
	rowGen          RowGeneration
	batchSize       int
	peakTime        time.Time
}

func newRowGenerator(template []byte, fields []FieldSpec, rowGen RowGeneration, batchSize int, charsets map[string][]rune) (*rowGenerator, error) {

	fields = append(fields, fieldsFromSetOfStrings(fields)...)
	for _, f := range fields {
		if f.Field == "" {
			return nil, fmt.Errorf("field spec without field name")
		}
		if f.RandomizedValue != nil {
			if err := f.RandomizedValue.validate(); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Field, err)
			}
			if f.RandomizedValue.MaxFractionDigits == 0 {
				f.RandomizedValue.MaxFractionDigits = DefaultMaxFractionDigits
			}
		}
	}
	if err := validateRowGeneration(rowGen); err != nil {
		return nil, err
	}
	peakTime, err := sinusoidPeakTime(rowGen.PeakTime)
	if err != nil {
		return nil, err
	}
	return &rowGenerator{
		template:        template,
		fields:          fields,
		charsets:        charsets,
		frequencyRanges: createFrequencyRanges(fields),
		rowGen:          rowGen,
		batchSize:       batchSize,
		peakTime:        peakTime,
	}, nil
}

func validateRowGeneration(g RowGeneration) error {
	switch g.Type {
	case "":
		return nil
	case RowGenTypeRandom, RowGenTypeSinusoid:
	default:
		return fmt.Errorf("invalid eventGeneration type: %s", g.Type)
	}
	if g.MinCount < 0 || g.MaxCount < 0 {
		return fmt.Errorf("minCount and maxCount cannot be negative in eventGeneration")
	}
	if g.MinCount > g.MaxCount {
		return fmt.Errorf("minCount cannot be higher than maxCount in eventGeneration")
	}
	if g.Type == RowGenTypeSinusoid && g.PeriodSeconds <= 0 {
		return fmt.Errorf("periodSeconds must be positive in eventGeneration")
	}
	return nil
}

// sinusoidPeakTime moves the provided peak time to last year, so that it is always before
// the current time.
func sinusoidPeakTime(peakTime string) (time.Time, error) {
	if peakTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimestampLayoutIsoSecs, peakTime)
	if err != nil {
		return t, err
	}
	lastYear := time.Now().AddDate(-1, 0, 0).Year()
	return time.Date(lastYear, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()), nil
}

// rowCount returns the number of rows to generate for the next batch.
func (g *rowGenerator) rowCount() int {
	switch g.rowGen.Type {
	case RowGenTypeRandom:
		return randInt(g.rowGen.MinCount, g.rowGen.MaxCount)
	case RowGenTypeSinusoid:
		secondsSincePeak := time.Now().Unix() - g.peakTime.Unix()
		angle := float64(secondsSincePeak) / float64(g.rowGen.PeriodSeconds) * 2 * math.Pi
		value := (math.Cos(angle)+1)/2*float64(g.rowGen.MaxCount-g.rowGen.MinCount) + float64(g.rowGen.MinCount)
		return int(math.Round(value))
	default:
		return g.batchSize
	}
}

// rows creates the rows of the next batch.
func (g *rowGenerator) rows() ([][]byte, error) {
	n := g.rowCount()
	rows := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		row, err := g.row()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (g *rowGenerator) row() ([]byte, error) {
	row := append([]byte(nil), g.template...)
	for _, f := range g.fields {
		var (
			value any
			err   error
		)
		switch {
		case len(f.PredefinedValues) > 0:
			value = g.weightedValue(g.frequencyRanges[f.Field])
		case f.RandomizedValue != nil:
			value, err = g.randomizedValue(f.RandomizedValue)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		if row, err = sjson.SetBytes(row, f.Field, value); err != nil {
			return nil, fmt.Errorf("could not set field %s: %w", f.Field, err)
		}
	}
	return row, nil
}

func (g *rowGenerator) randomizedValue(v *RandomizedValue) (value any, err error) {

	switch v.Type {
	case "int", "integer":
		value = randInt(int(v.Min), int(v.Max))
	case "float":
		value = randFloat(v.Min, v.Max, v.MaxFractionDigits)
	case "string":
		charset, ok := g.charsets[v.Charset]
		if !ok {
			charset = DefaultCharset
		}
		value = randString(int(v.Min), int(v.Max), charset)
	case "bool", "boolean":
		value = rand.Intn(2) == 0
	case "isoTimestampMilliseconds":
		value = timeWithJitter(v.JitterMilliseconds).Format(TimestampLayoutIsoMillis)
	case "isoTimestampMicroseconds":
		value = timeWithJitter(v.JitterMilliseconds).Format(TimestampLayoutIsoMicros)
	case "uuid":
		value = uuid.NewString()
	default:
		err = fmt.Errorf("unsupported type for randomized values: %s", v.Type)
	}
	return
}

// randInt creates a random int between min and max, inclusive
func randInt(min, max int) int {
	return rand.Intn(max+1-min) + min
}

// randFloat returns a json.Number to keep exactly the requested number of fraction digits
// when the value is set with sjson.
func randFloat(min, max float64, fractionDigits int) json.Number {
	f := min + rand.Float64()*(max-min)
	return json.Number(fmt.Sprintf("%.*f", fractionDigits, f))
}

func randString(min, max int, charset []rune) string {
	var sb strings.Builder
	length := randInt(min, max)
	for i := 0; i < length; i++ {
		sb.WriteRune(charset[rand.Intn(len(charset))])
	}
	return sb.String()
}

func timeWithJitter(jitterMillis int) time.Time {
	now := time.Now().UTC()
	if jitterMillis == 0 {
		return now
	}
	jitter := int64(time.Duration(jitterMillis) * time.Millisecond)
	return now.Add(time.Duration(rand.Int63n(2*jitter) - jitter))
}

// frequencyRange is the slot of a predefined value in the cumulative weight range of its field.
type frequencyRange struct {
	Start int
	End   int
	Max   int
	Value any
}

func createFrequencyRanges(fields []FieldSpec) map[string][]frequencyRange {

	ranges := make(map[string][]frequencyRange)
	for _, f := range fields {
		if len(f.PredefinedValues) == 0 {
			continue
		}
		sum := 0
		for _, v := range f.PredefinedValues {
			sum += weight(v)
		}
		var (
			start int
			r     []frequencyRange
		)
		for _, v := range f.PredefinedValues {
			end := start + weight(v)
			r = append(r, frequencyRange{Start: start, End: end, Max: sum, Value: v.Value})
			start = end
		}
		ranges[f.Field] = r
	}
	return ranges
}

func weight(v PredefinedValue) int {
	if v.FrequencyFactor <= 0 {
		return 1
	}
	return v.FrequencyFactor
}

func (g *rowGenerator) weightedValue(ranges []frequencyRange) any {
	n := rand.Intn(ranges[0].Max)
	for _, r := range ranges {
		if n >= r.Start && n < r.End {
			return r.Value
		}
	}
	return ranges[len(ranges)-1].Value
}
