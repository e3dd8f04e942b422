package generate

import (
	"fmt"
	"slices"
)

// SetOfStrings generates a set of string values from which a random value is assigned to
// the field. It is a compact alternative to PredefinedValues for high cardinality string
// fields.
//
// The generated values have the format "<prefix>n", where n is 1 to Amount. If
// FrequencyMin and FrequencyMax are valid, each value is given a random weight in that
// range, otherwise all values have equal weight. ExcludeValues are never generated.
type SetOfStrings struct {
	Amount        int      `mapstructure:"amount"`
	Prefix        string   `mapstructure:"prefix"`
	FrequencyMin  int      `mapstructure:"frequencyMin"`
	FrequencyMax  int      `mapstructure:"frequencyMax"`
	ExcludeValues []string `mapstructure:"excludeValues"`
}

// fieldsFromSetOfStrings returns predefined value field specs for all set-of-strings
// field specs.
func fieldsFromSetOfStrings(fields []FieldSpec) (generated []FieldSpec) {
	for _, field := range fields {
		if field.SetOfStrings == nil {
			continue
		}
		spec := field.SetOfStrings
		out := FieldSpec{Field: field.Field}
		for i := 1; i <= spec.Amount; i++ {
			value := fmt.Sprintf("%s%d", spec.Prefix, i)
			if slices.Contains(spec.ExcludeValues, value) {
				continue
			}
			out.PredefinedValues = append(out.PredefinedValues, PredefinedValue{
				Value:           value,
				FrequencyFactor: spec.frequencyFactor(),
			})
		}
		if len(out.PredefinedValues) > 0 {
			generated = append(generated, out)
		}
	}
	return
}

func (s *SetOfStrings) frequencyFactor() int {
	if s.FrequencyMin < 1 || s.FrequencyMax <= s.FrequencyMin {
		return 1
	}
	return randInt(s.FrequencyMin, s.FrequencyMax)
}
