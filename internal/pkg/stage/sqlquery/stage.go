// Package sqlquery provides the "sql" stage, running a SELECT query over each batch as
// the table named by table_name.
package sqlquery

import (
	"context"
	"errors"
	"sync"

	"github.com/zpiroux/flowline/entity"
)

const (
	EntitySql = "sql"

	DefaultTableName = "flow"

	maxCachedPlans = 64
)

type Config struct {
	Query     string `mapstructure:"query"`
	TableName string `mapstructure:"table_name"`
}

type StageFactory struct{}

func NewStageFactory() entity.StageFactory {
	return &StageFactory{}
}

func (sf *StageFactory) StageId() string {
	return EntitySql
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

// Stage runs the query over batches. Plans are compiled once per distinct input schema
// and cached, so the stage is safe for concurrent use.
type Stage struct {
	query *query

	mu    sync.RWMutex
	plans map[string]*compiled
}

type compiled struct {
	plan *plan
	err  error
}

// New parses the query in the stage config. Syntax errors, non-SELECT statements,
// unsupported constructs and references to other tables are reported as *entity.QueryError.
func New(c entity.Config) (*Stage, error) {
	var config Config
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if config.Query == "" {
		return nil, entity.ConfigErrorf("sql: query missing")
	}
	if config.TableName == "" {
		config.TableName = DefaultTableName
	}
	q, err := parseQuery(config.Query, config.TableName)
	if err != nil {
		return nil, err
	}
	return &Stage{query: q, plans: make(map[string]*compiled)}, nil
}

// Bind validates the query against the input schema and returns the result schema.
func (s *Stage) Bind(in *entity.Schema) (*entity.Schema, error) {
	if in == nil {
		return nil, nil
	}
	p, err := s.planFor(in)
	if err != nil {
		return nil, err
	}
	return p.out, nil
}

func (s *Stage) Apply(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
	p, err := s.planFor(batch.Schema())
	if err != nil {
		return nil, err
	}
	out, err := p.execute(s.query, batch)
	if err != nil {
		return nil, &entity.QueryError{Query: s.query.sql, Reason: "execution failed", Err: err}
	}
	return []*entity.Batch{out}, nil
}

func (s *Stage) planFor(schema *entity.Schema) (*plan, error) {
	key := schema.String()
	s.mu.RLock()
	c, ok := s.plans[key]
	s.mu.RUnlock()
	if ok {
		return c.plan, c.err
	}

	p, err := s.query.compile(schema)
	var qe *entity.QueryError
	if err != nil && !errors.As(err, &qe) {
		err = &entity.QueryError{Query: s.query.sql, Reason: "invalid query for schema " + key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plans) >= maxCachedPlans {
		clear(s.plans)
	}
	s.plans[key] = &compiled{plan: p, err: err}
	return p, err
}
