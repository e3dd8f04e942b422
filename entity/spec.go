package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// General Ops defaults
const (
	DefaultThreadNum         = 1
	DefaultMaxRetries        = 5
	DefaultRetryBackoff      = Duration(100 * time.Millisecond)
	DefaultMaxRetryBackoff   = Duration(60 * time.Second)
	DefaultReconnectInterval = Duration(5 * time.Second)
)

// Available options for Ops.ErrorAck
const (
	ErrorAckAck  = "ack"
	ErrorAckNack = "nack"
)

// Spec is the stream definition, specifying how a single stream should be executed from
// input through the processor chain to the output. Stream definitions are immutable once
// the stream has started; changing a stream requires restarting it.
type Spec struct {
	// Main metadata
	Id          string `json:"id"`
	Description string `json:"description,omitempty"`

	// Operational config (optional)
	Disabled bool `json:"disabled,omitempty"`
	Ops      Ops  `json:"ops"`

	// Stream entity config
	Input       EntitySpec  `json:"input"`
	Pipeline    Pipeline    `json:"pipeline"`
	Output      EntitySpec  `json:"output"`
	ErrorOutput *EntitySpec `json:"error_output,omitempty"`
}

// NewSpec creates a new Spec from JSON and validates it against the stream definition
// JSON schema, followed by semantic validation of the created spec.
func NewSpec(specData []byte) (*Spec, error) {
	var spec Spec
	if len(specData) == 0 {
		return nil, ConfigErrorf("no spec data provided")
	}

	if err := validateRawJson(specData); err != nil {
		return nil, ConfigErrorf("%v", err)
	}

	err := json.Unmarshal(specData, &spec)
	if err != nil {
		return nil, ConfigErrorf("%v", err)
	}
	spec.EnsureValidDefaults()
	return &spec, spec.Validate()
}

func NewEmptySpec() *Spec {
	var spec Spec
	spec.EnsureValidDefaults()
	return &spec
}

func (s *Spec) IsDisabled() bool {
	return s.Disabled
}

func (s *Spec) EnsureValidDefaults() {
	s.Ops.EnsureValidDefaults()
	if s.Pipeline.ThreadNum <= 0 {
		s.Pipeline.ThreadNum = DefaultThreadNum
	}
	if s.ErrorOutput == nil {
		s.ErrorOutput = &EntitySpec{Type: EntityDrop}
	}
}

// Validate checks semantic constraints not expressed in the JSON schema.
func (s *Spec) Validate() error {
	if s.Id == "" {
		return ConfigErrorf("stream id is missing")
	}
	if s.Input.Type == "" {
		return ConfigErrorf("stream %s: input type is missing", s.Id)
	}
	if s.Output.Type == "" {
		return ConfigErrorf("stream %s: output type is missing", s.Id)
	}
	for i, p := range s.Pipeline.Processors {
		if p.Type == "" {
			return ConfigErrorf("stream %s: processors[%d] type is missing", s.Id, i)
		}
	}
	if s.ErrorOutput != nil && s.ErrorOutput.Type == "" {
		return ConfigErrorf("stream %s: error_output type is missing", s.Id)
	}
	return s.Ops.Validate()
}

func (s *Spec) JSON() []byte {
	specData, _ := json.Marshal(s)
	return specData
}

type Pipeline struct {
	// ThreadNum is the number of workers concurrently running the stream. Output ordering
	// across workers is not guaranteed; use 1 for total order.
	// If omitted it is set to DefaultThreadNum.
	ThreadNum int `json:"thread_num"`

	// Processors is the ordered list of stages making up the processor chain. An empty
	// list forwards input batches unchanged to the output.
	Processors []EntitySpec `json:"processors,omitempty"`
}

type Ops struct {
	// MaxRetries specifies how many times a retryable source fetch or sink write is
	// retried before the stream instance is regarded as failed.
	// If omitted it is set to DefaultMaxRetries.
	MaxRetries int `json:"max_retries"`

	// RetryBackoff is the initial backoff between retries, doubled for each attempt up
	// to MaxRetryBackoff.
	RetryBackoff    Duration `json:"retry_backoff"`
	MaxRetryBackoff Duration `json:"max_retry_backoff"`

	// ReconnectInterval is the interval between reconnect attempts when the source
	// reports it has been disconnected.
	ReconnectInterval Duration `json:"reconnect_interval"`

	// ErrorAck specifies how a message routed to the error output is acknowledged to
	// the source. Available options are:
	//
	//		"ack"  - Acknowledge the message, since it was handled by the error output.
	//				 This avoids infinite redelivery of structurally bad messages.
	//				 If this field is omitted it will take this value.
	//
	//		"nack" - Negatively acknowledge the message, leaving it for redelivery
	//				 according to the source's own semantics.
	//
	// Messages that could not be written to the error output either are always nacked.
	ErrorAck string `json:"error_ack"`

	// LogEventData is useful for enabling granular message level debugging for specific
	// streams.
	LogEventData bool `json:"log_event_data"`
}

func (o *Ops) EnsureValidDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = o.RetryBackoff
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.ErrorAck == "" {
		o.ErrorAck = ErrorAckAck
	}
}

func (o *Ops) Validate() error {
	switch o.ErrorAck {
	case ErrorAckAck, ErrorAckNack:
		return nil
	}
	return ConfigErrorf("invalid ops.error_ack value: %q, must be %q or %q", o.ErrorAck, ErrorAckAck, ErrorAckNack)
}

// EntitySpec is a tagged variant selecting an input, stage or output kind with the "type"
// field. All other fields are kind-specific and kept in Props, to be decoded by the kind's
// factory.
type EntitySpec struct {
	Type  string
	Props map[string]any
}

func (e EntitySpec) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Props)+1)
	for k, v := range e.Props {
		m[k] = v
	}
	m["type"] = e.Type
	return json.Marshal(m)
}

func (e *EntitySpec) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	t, ok := m["type"].(string)
	if !ok {
		return errors.New("entity spec requires a string 'type' field")
	}
	delete(m, "type")
	e.Type = t
	e.Props = m
	return nil
}

func (e EntitySpec) String() string {
	keys := make([]string, 0, len(e.Props))
	for k := range e.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s{%s}", e.Type, strings.Join(keys, ","))
}

// Duration is a time.Duration which in JSON is either a duration string such as "1.5s"
// or a number of milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(value * float64(time.Millisecond))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	return nil
}

func validateRawJson(specData []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(specSchema)
	documentLoader := gojsonschema.NewBytesLoader(specData)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		specErrors := ""
		for _, desc := range result.Errors() {
			specErrors += " - " + desc.String()
		}
		err = errors.New(specErrors)
	}
	return err
}

// Stream definition schema with structural checks only. Kind-specific fields are
// validated by each kind's factory.
var specSchema = []byte(`
{
  "$schema": "http://json-schema.org/draft-07/schema",
  "type": "object",
  "required": [
    "id",
    "input",
    "output"
  ],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "description": {
      "type": "string"
    },
    "disabled": {
      "type": "boolean"
    },
    "input": {
      "$ref": "#/$defs/entity"
    },
    "pipeline": {
      "type": "object",
      "properties": {
        "thread_num": {
          "type": "integer",
          "minimum": 0
        },
        "processors": {
          "anyOf": [
            {
              "type": "array",
              "items": {
                "$ref": "#/$defs/entity"
              }
            },
            {
              "type": "null"
            }
          ]
        }
      },
      "additionalProperties": false
    },
    "output": {
      "$ref": "#/$defs/entity"
    },
    "error_output": {
      "anyOf": [
        {
          "$ref": "#/$defs/entity"
        },
        {
          "type": "null"
        }
      ]
    },
    "ops": {
      "$ref": "#/$defs/ops"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "entity": {
      "type": "object",
      "required": [
        "type"
      ],
      "properties": {
        "type": {
          "type": "string",
          "minLength": 1
        }
      }
    },
    "duration": {
      "anyOf": [
        {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        },
        {
          "type": "number",
          "minimum": 0
        }
      ]
    },
    "ops": {
      "type": "object",
      "properties": {
        "max_retries": {
          "type": "integer"
        },
        "retry_backoff": {
          "$ref": "#/$defs/duration"
        },
        "max_retry_backoff": {
          "$ref": "#/$defs/duration"
        },
        "reconnect_interval": {
          "$ref": "#/$defs/duration"
        },
        "error_ack": {
          "type": "string",
          "enum": [
            "ack",
            "nack",
            ""
          ]
        },
        "log_event_data": {
          "type": "boolean"
        }
      },
      "additionalProperties": false
    }
  }
}`)
