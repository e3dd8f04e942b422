// Package useragent provides the "user_agent" stage, adding columns with the parsed
// parts of a User-Agent string column.
package useragent

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mssola/user_agent"
	"github.com/zpiroux/flowline/entity"
)

const (
	EntityUserAgent = "user_agent"

	DefaultPrefix = "ua_"
)

type Config struct {
	Field  string `mapstructure:"field"`
	Prefix string `mapstructure:"prefix"`
}

type StageFactory struct{}

func NewStageFactory() entity.StageFactory {
	return &StageFactory{}
}

func (sf *StageFactory) StageId() string {
	return EntityUserAgent
}

func (sf *StageFactory) Concurrency() entity.Concurrency {
	return entity.ConcurrencyShared
}

func (sf *StageFactory) NewStage(ctx context.Context, c entity.Config) (entity.Stage, error) {
	return New(c)
}

func (sf *StageFactory) Close(ctx context.Context) error {
	return nil
}

// UserAgent is the parsed form of a User-Agent string, which may be URL-encoded.
type UserAgent struct {
	Platform       string
	OS             string
	OSVersion      string
	Localization   string
	Browser        string
	BrowserVersion string
	Engine         string
	EngineVersion  string
	Bot            bool
	Mobile         bool
}

func Parse(s string) (UserAgent, error) {
	str, err := url.QueryUnescape(s)
	if err != nil {
		return UserAgent{}, err
	}
	ua := user_agent.New(str)
	os := ua.OSInfo()
	bName, bVersion := ua.Browser()
	eName, eVersion := ua.Engine()
	return UserAgent{
		Platform:       ua.Platform(),
		OS:             os.Name,
		OSVersion:      os.Version,
		Localization:   ua.Localization(),
		Browser:        bName,
		BrowserVersion: bVersion,
		Engine:         eName,
		EngineVersion:  eVersion,
		Bot:            ua.Bot(),
		Mobile:         ua.Mobile(),
	}, nil
}

var columns = []struct {
	name  string
	typ   entity.DataType
	value func(UserAgent) any
}{
	{"platform", entity.TypeString, func(u UserAgent) any { return u.Platform }},
	{"os", entity.TypeString, func(u UserAgent) any { return u.OS }},
	{"os_version", entity.TypeString, func(u UserAgent) any { return u.OSVersion }},
	{"localization", entity.TypeString, func(u UserAgent) any { return u.Localization }},
	{"browser", entity.TypeString, func(u UserAgent) any { return u.Browser }},
	{"browser_version", entity.TypeString, func(u UserAgent) any { return u.BrowserVersion }},
	{"engine", entity.TypeString, func(u UserAgent) any { return u.Engine }},
	{"engine_version", entity.TypeString, func(u UserAgent) any { return u.EngineVersion }},
	{"bot", entity.TypeBool, func(u UserAgent) any { return u.Bot }},
	{"mobile", entity.TypeBool, func(u UserAgent) any { return u.Mobile }},
}

// Stage appends the prefixed user agent columns to each batch. Rows with a null or
// undecodable user agent get nulls in the added columns.
type Stage struct {
	field  string
	prefix string
}

func New(c entity.Config) (*Stage, error) {
	var config Config
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if config.Field == "" {
		return nil, entity.ConfigErrorf("%s: field missing", EntityUserAgent)
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	return &Stage{field: config.Field, prefix: config.Prefix}, nil
}

func (s *Stage) Bind(in *entity.Schema) (*entity.Schema, error) {
	if in == nil {
		return nil, nil
	}
	if _, err := s.sourceColumn(in); err != nil {
		return nil, entity.ConfigErrorf("%s: %v", EntityUserAgent, err)
	}
	fields := in.Fields()
	for _, c := range columns {
		f := entity.Field{Name: s.prefix + c.name, Type: c.typ, Nullable: true}
		if i, exists := in.Index(f.Name); exists {
			fields[i] = f
		} else {
			fields = append(fields, f)
		}
	}
	out, err := entity.NewSchema(fields...)
	if err != nil {
		return nil, entity.ConfigErrorf("%s: %v", EntityUserAgent, err)
	}
	return out, nil
}

func (s *Stage) Apply(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
	col, err := s.sourceColumn(batch.Schema())
	if err != nil {
		return nil, err
	}

	added := make([][]any, len(columns))
	for i := range added {
		added[i] = make([]any, batch.NumRows())
	}
	for r := 0; r < batch.NumRows(); r++ {
		var str string
		switch v := batch.Value(r, col).(type) {
		case string:
			str = v
		case []byte:
			str = string(v)
		default:
			continue
		}
		ua, err := Parse(str)
		if err != nil {
			continue
		}
		for i, c := range columns {
			added[i][r] = c.value(ua)
		}
	}

	out := batch
	for i, c := range columns {
		field := entity.Field{Name: s.prefix + c.name, Type: c.typ, Nullable: true}
		if out, err = out.WithColumn(field, added[i]); err != nil {
			return nil, err
		}
	}
	return []*entity.Batch{out}, nil
}

func (s *Stage) sourceColumn(schema *entity.Schema) (int, error) {
	i, ok := schema.Index(s.field)
	if !ok {
		return -1, fmt.Errorf("column %s not found in schema %s", s.field, schema)
	}
	if t := schema.Field(i).Type; t != entity.TypeString && t != entity.TypeBinary {
		return -1, fmt.Errorf("column %s is of type %s, expected string or binary", s.field, t)
	}
	return i, nil
}
