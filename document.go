package flowline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"github.com/xeipuuv/gojsonschema"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

// Config document formats, selected by file extension.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

// EnvPrefix is the prefix of environment variables overriding config document fields.
const EnvPrefix = "FLOWLINE"

var ErrInvalidDocument = errors.New("invalid config document")

// Document is the config document run by the flowline CLI: logging, runtime and metrics
// settings together with the stream definitions.
type Document struct {
	Logging LoggingSection  `json:"logging"`
	Runtime RuntimeSection  `json:"runtime"`
	Metrics MetricsSection  `json:"metrics"`
	Streams []StreamSection `json:"streams"`
}

type LoggingSection struct {
	Level string `json:"level"`
}

type RuntimeSection struct {
	ShutdownTimeout     entity.Duration `json:"shutdown_timeout"`
	FailFast            *bool           `json:"fail_fast"`
	StopOnStreamFailure bool            `json:"stop_on_stream_failure"`
}

type MetricsSection struct {
	Address string `json:"address"`
}

// StreamSection holds a stream definition as raw JSON, to be validated by entity.NewSpec.
type StreamSection = json.RawMessage

// envOverrides are read with envconfig, e.g. FLOWLINE_LOG_LEVEL.
type envOverrides struct {
	LogLevel        string        `envconfig:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`
	MetricsAddress  string        `envconfig:"METRICS_ADDRESS"`
}

// LoadDocument reads and parses a config document, with the format given by the file
// extension (.yaml, .yml, .toml or .json), and applies environment overrides.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format, err := formatFromPath(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ParseDocument parses and validates a config document and applies environment overrides.
// Stream definitions without an id are given the id "stream-<n>", with n being the
// one-based position of the stream in the document.
func ParseDocument(data []byte, format string) (*Document, error) {
	var raw any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidDocument, format)
	}

	jsonData, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err = validateDocument(jsonData); err != nil {
		return nil, err
	}

	var doc Document
	if err = json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err = doc.assignStreamIds(); err != nil {
		return nil, err
	}
	if err = doc.applyEnv(); err != nil {
		return nil, err
	}
	if doc.Logging.Level != "" && entity.NotifyLevel(doc.Logging.Level) == entity.NotifyLevelInvalid {
		return nil, fmt.Errorf("%w: invalid logging.level %q", ErrInvalidDocument, doc.Logging.Level)
	}
	return &doc, nil
}

// Config creates a Flowline config from the document, with all stream definitions added.
// The process-wide log level is set if the document specifies one.
func (d *Document) Config() (*Config, error) {
	if d.Logging.Level != "" {
		if err := notify.SetDefaultLevel(d.Logging.Level); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	}
	c := NewConfig()
	c.Ops.Log = true
	c.MetricsAddress = d.Metrics.Address
	if d.Runtime.ShutdownTimeout > 0 {
		c.Runtime.ShutdownTimeout = d.Runtime.ShutdownTimeout.Std()
	}
	if d.Runtime.FailFast != nil {
		c.Runtime.FailFast = *d.Runtime.FailFast
	}
	c.Runtime.StopOnStreamFailure = d.Runtime.StopOnStreamFailure
	for _, s := range d.Streams {
		c.Streams = append(c.Streams, []byte(s))
	}
	return c, nil
}

// Specs returns the stream definitions of the document, validated and with defaults.
func (d *Document) Specs() ([]*entity.Spec, error) {
	specs := make([]*entity.Spec, 0, len(d.Streams))
	for i, s := range d.Streams {
		spec, err := entity.NewSpec(s)
		if err != nil {
			return nil, fmt.Errorf("streams[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (d *Document) assignStreamIds() error {
	seen := make(map[string]bool)
	for i, s := range d.Streams {
		var fields map[string]any
		if err := json.Unmarshal(s, &fields); err != nil {
			return fmt.Errorf("%w: streams[%d]: %v", ErrInvalidDocument, i, err)
		}
		id, _ := fields["id"].(string)
		if id == "" {
			id = "stream-" + strconv.Itoa(i+1)
			fields["id"] = id
			updated, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("%w: streams[%d]: %v", ErrInvalidDocument, i, err)
			}
			d.Streams[i] = updated
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate stream id %s", ErrInvalidDocument, id)
		}
		seen[id] = true
	}
	return nil
}

func (d *Document) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if env.LogLevel != "" {
		d.Logging.Level = env.LogLevel
	}
	if env.ShutdownTimeout > 0 {
		d.Runtime.ShutdownTimeout = entity.Duration(env.ShutdownTimeout)
	}
	if env.MetricsAddress != "" {
		d.Metrics.Address = env.MetricsAddress
	}
	return nil
}

func formatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unknown config file extension in %s, use .yaml, .yml, .toml or .json", ErrInvalidDocument, path)
}

// normalize converts YAML mappings with non-string keys into JSON compatible maps.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalize(item)
		}
		return m
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	}
	return v
}

func validateDocument(data []byte) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(documentSchema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !result.Valid() {
		var details string
		for _, desc := range result.Errors() {
			details += " - " + desc.String()
		}
		return fmt.Errorf("%w:%s", ErrInvalidDocument, details)
	}
	return nil
}

// Stream definitions are only checked for being objects here, and fully validated when
// registered.
var documentSchema = []byte(`
{
  "$schema": "http://json-schema.org/draft-07/schema",
  "type": "object",
  "required": ["streams"],
  "properties": {
    "logging": {
      "type": "object",
      "properties": {
        "level": { "type": "string" }
      },
      "additionalProperties": false
    },
    "runtime": {
      "type": "object",
      "properties": {
        "shutdown_timeout": { "type": ["string", "number"] },
        "fail_fast": { "type": "boolean" },
        "stop_on_stream_failure": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "metrics": {
      "type": "object",
      "properties": {
        "address": { "type": "string" }
      },
      "additionalProperties": false
    },
    "streams": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "object" }
    }
  },
  "additionalProperties": false
}`)
