package xbigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
	"google.golang.org/api/googleapi"
)

type MockBigQueryClient struct {
	mu       sync.Mutex
	datasets map[string]*bigquery.DatasetMetadata
	tables   map[string]*bigquery.TableMetadata
	inserter *MockBigQueryInserter
	closed   bool
}

func newMockClient() *MockBigQueryClient {
	return &MockBigQueryClient{
		datasets: make(map[string]*bigquery.DatasetMetadata),
		tables:   make(map[string]*bigquery.TableMetadata),
		inserter: &MockBigQueryInserter{},
	}
}

func notFound() error {
	return &googleapi.Error{Code: http.StatusNotFound}
}

func (b *MockBigQueryClient) GetDatasetMetadata(ctx context.Context, dataset *bigquery.Dataset) (*bigquery.DatasetMetadata, DatasetTableStatus, error) {
	md, ok := b.datasets[dataset.DatasetID]
	if !ok {
		return nil, status(false, notFound()), notFound()
	}
	return md, Existent, nil
}

func (b *MockBigQueryClient) CreateDatasetRef(datasetId string) *bigquery.Dataset {
	return &bigquery.Dataset{DatasetID: datasetId}
}

func (b *MockBigQueryClient) CreateDataset(ctx context.Context, id string, md *bigquery.DatasetMetadata) error {
	b.datasets[id] = md
	return nil
}

func (b *MockBigQueryClient) CreateTableRef(datasetId string, tableId string) *bigquery.Table {
	return &bigquery.Table{DatasetID: datasetId, TableID: tableId}
}

func (b *MockBigQueryClient) CreateTable(ctx context.Context, datasetId string, tableId string, tm *bigquery.TableMetadata) (*bigquery.Table, error) {
	b.tables[datasetId+"-"+tableId] = tm
	return &bigquery.Table{DatasetID: datasetId, TableID: tableId}, nil
}

func (b *MockBigQueryClient) GetTableInserter(table *bigquery.Table) BigQueryInserter {
	return b.inserter
}

func (b *MockBigQueryClient) GetTableMetadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, DatasetTableStatus, error) {
	tm, ok := b.tables[table.DatasetID+"-"+table.TableID]
	if !ok {
		return nil, NonExistent, fmt.Errorf("table not found, table: %+v", table)
	}
	return tm, Existent, nil
}

func (b *MockBigQueryClient) UpdateTable(
	ctx context.Context,
	table *bigquery.Table,
	tmToUpdate bigquery.TableMetadataToUpdate,
	etag string) (*bigquery.TableMetadata, error) {

	tm := b.tables[table.DatasetID+"-"+table.TableID]
	tm.Schema = tmToUpdate.Schema
	return tm, nil
}

func (b *MockBigQueryClient) Close() error {
	b.closed = true
	return nil
}

type MockBigQueryInserter struct {
	mu   sync.Mutex
	rows []map[string]bigquery.Value
	ids  []string
	err  error
}

func (i *MockBigQueryInserter) Put(ctx context.Context, src any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		err := i.err
		i.err = nil
		return err
	}
	for _, row := range src.([]*Row) {
		items, insertId, err := row.Save()
		if err != nil {
			return err
		}
		i.rows = append(i.rows, items)
		i.ids = append(i.ids, insertId)
	}
	return nil
}

func newTestSink(t *testing.T, client *MockBigQueryClient, props map[string]any) *sink {
	s, err := newSink(entity.Config{Kind: EntityBigQuery, Props: props},
		func(ctx context.Context, project string) (BigQueryClient, error) { return client, nil },
		&sync.Mutex{})
	require.NoError(t, err)
	s.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	return s
}

var ts = time.Date(2021, 6, 29, 20, 53, 20, 0, time.UTC)

func testBatch(t *testing.T) *entity.Batch {
	schema := entity.MustSchema(
		entity.Field{Name: "id", Type: entity.TypeString},
		entity.Field{Name: "value", Type: entity.TypeInt64},
		entity.Field{Name: "ts", Type: entity.TypeTimestamp},
	)
	b, err := entity.NewBatch(schema, [][]any{{"a", "b"}, {int64(10), int64(5)}, {ts, ts}})
	require.NoError(t, err)
	return b
}

func TestSinkCreateTable(t *testing.T) {

	ctx := context.Background()
	client := newMockClient()
	s := newTestSink(t, client, map[string]any{
		"project":         "p",
		"dataset":         "flowtest",
		"table":           "sensors",
		"create_table":    true,
		"insert_id_field": "id",
	})
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, DefaultBigQueryDatasetLocation, client.datasets["flowtest"].Location)
	assert.Empty(t, client.tables, "table creation is deferred to first write")

	require.NoError(t, s.Write(ctx, testBatch(t)))
	tm := client.tables["flowtest-sensors"]
	require.NotNil(t, tm)
	require.Len(t, tm.Schema, 3)
	assert.Equal(t, bigquery.StringFieldType, tm.Schema[0].Type)
	assert.Equal(t, bigquery.IntegerFieldType, tm.Schema[1].Type)
	assert.Equal(t, bigquery.TimestampFieldType, tm.Schema[2].Type)

	require.Len(t, client.inserter.rows, 2)
	assert.Equal(t, map[string]bigquery.Value{"id": "a", "value": int64(10), "ts": ts}, client.inserter.rows[0])
	assert.Equal(t, []string{"a", "b"}, client.inserter.ids)

	require.NoError(t, s.Close(ctx))
	assert.True(t, client.closed)
}

func TestSinkMissingTable(t *testing.T) {

	ctx := context.Background()
	client := newMockClient()
	s := newTestSink(t, client, map[string]any{"project": "p", "dataset": "d", "table": "t"})
	assert.Error(t, s.Connect(ctx))
	assert.True(t, client.closed)

	client = newMockClient()
	client.datasets["d"] = &bigquery.DatasetMetadata{}
	s = newTestSink(t, client, map[string]any{"project": "p", "dataset": "d", "table": "t"})
	assert.ErrorContains(t, s.Connect(ctx), "does not exist")
}

func TestSinkJSONRowsAndNewColumns(t *testing.T) {

	ctx := context.Background()
	client := newMockClient()
	client.datasets["d"] = &bigquery.DatasetMetadata{}
	client.tables["d-t"] = &bigquery.TableMetadata{Schema: bigquery.Schema{
		{Name: "sensor", Type: bigquery.StringFieldType},
	}}
	s := newTestSink(t, client, map[string]any{"project": "p", "dataset": "d", "table": "t", "add_columns": true})
	require.NoError(t, s.Connect(ctx))

	batch := entity.NewBinaryBatch([][]byte{
		[]byte(`{"sensor":"temp_1","value":10,"ok":true,"tags":["a"]}`),
		[]byte(`{"sensor":"temp_2","value":null}`),
	})
	require.NoError(t, s.Write(ctx, batch))

	schema := client.tables["d-t"].Schema
	require.Len(t, schema, 4)
	assert.Equal(t, "value", schema[1].Name)
	assert.Equal(t, bigquery.FloatFieldType, schema[1].Type)
	assert.Equal(t, bigquery.BooleanFieldType, schema[2].Type)
	assert.Equal(t, bigquery.StringFieldType, schema[3].Type)

	require.Len(t, client.inserter.rows, 2)
	assert.Equal(t, map[string]bigquery.Value{"sensor": "temp_1", "value": 10.0, "ok": true, "tags": `["a"]`}, client.inserter.rows[0])
	assert.Equal(t, map[string]bigquery.Value{"sensor": "temp_2", "value": nil}, client.inserter.rows[1])

	err := s.Write(ctx, entity.NewBinaryBatch([][]byte{[]byte(`not json`)}))
	require.Error(t, err)
	assert.False(t, entity.IsRetryable(err))
}

func TestSinkInsertErrors(t *testing.T) {

	ctx := context.Background()
	client := newMockClient()
	client.datasets["d"] = &bigquery.DatasetMetadata{}
	client.tables["d-t"] = &bigquery.TableMetadata{}
	s := newTestSink(t, client, map[string]any{"project": "p", "dataset": "d", "table": "t"})
	require.NoError(t, s.Connect(ctx))

	client.inserter.err = errors.New("connection reset")
	err := s.Write(ctx, testBatch(t))
	assert.True(t, entity.IsRetryable(err))

	client.inserter.err = bigquery.PutMultiError{{RowIndex: 1, Errors: bigquery.MultiError{errors.New("invalid value")}}}
	err = s.Write(ctx, testBatch(t))
	require.Error(t, err)
	assert.False(t, entity.IsRetryable(err))

	client.inserter.err = bigquery.PutMultiError{{RowIndex: 0, Errors: bigquery.MultiError{errors.New("no such field: value")}}}
	err = s.Write(ctx, testBatch(t))
	assert.True(t, entity.IsRetryable(err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	client.inserter.err = errors.New("no such field: value")
	err = s.Write(cctx, testBatch(t))
	assert.ErrorIs(t, err, entity.ErrEntityShutdownRequested)

	s = newTestSink(t, client, map[string]any{"project": "p", "dataset": "d", "table": "t", "insert_id_field": "missing"})
	require.NoError(t, s.Connect(ctx))
	assert.Error(t, s.Write(ctx, testBatch(t)))
}

func TestSinkConfig(t *testing.T) {
	invalid := []map[string]any{
		{"dataset": "d", "table": "t"},
		{"project": "p", "table": "t"},
		{"project": "p", "dataset": "d"},
		{"project": "p", "dataset": "d", "table": "t", "tables": []string{"x"}},
	}
	for _, props := range invalid {
		_, err := newSink(entity.Config{Kind: EntityBigQuery, Props: props}, nil, &sync.Mutex{})
		assert.True(t, entity.IsConfigError(err), "props: %v", props)
	}
}
