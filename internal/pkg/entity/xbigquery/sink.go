// Package xbigquery provides the "bigquery" sink, streaming batch rows into a BigQuery
// table.
package xbigquery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/teltech/logger"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

const (
	EntityBigQuery = "bigquery"

	TableUpdateBackoffTime         = 8 * time.Second
	DefaultBigQueryDatasetLocation = "EU"
)

var log *logger.Log

func init() {
	log = logger.New()
}

type SinkConfig struct {
	Project string `mapstructure:"project"`
	Dataset string `mapstructure:"dataset"`
	Table   string `mapstructure:"table"`

	// CreateTable creates the dataset and table if they don't exist, with the table
	// schema derived from the first batch written.
	CreateTable     bool   `mapstructure:"create_table"`
	DatasetLocation string `mapstructure:"dataset_location"`

	// AddColumns appends batch columns missing in the table schema to the table.
	AddColumns bool `mapstructure:"add_columns"`

	// InsertIdField is an optional column whose values are used as BigQuery insert IDs
	// for best effort deduplication.
	InsertIdField string `mapstructure:"insert_id_field"`
}

func (c *SinkConfig) validate() error {
	switch {
	case c.Project == "":
		return errors.New("project missing")
	case c.Dataset == "":
		return errors.New("dataset missing")
	case c.Table == "":
		return errors.New("table missing")
	}
	if c.DatasetLocation == "" {
		c.DatasetLocation = DefaultBigQueryDatasetLocation
	}
	return nil
}

type SinkFactory struct {
	newClient ClientFactory

	// Table metadata operations are serialized across all sinks of the process, since
	// many stream instances may write to the same table.
	mdMutex sync.Mutex
}

// NewSinkFactory creates the bigquery sink factory. If newClient is nil, clients are
// created with DefaultClientFactory.
func NewSinkFactory(newClient ClientFactory) entity.SinkFactory {
	if newClient == nil {
		newClient = DefaultClientFactory
	}
	return &SinkFactory{newClient: newClient}
}

func (sf *SinkFactory) SinkId() string {
	return EntityBigQuery
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return newSink(c, sf.newClient, &sf.mdMutex)
}

func (sf *SinkFactory) Close(ctx context.Context) error {
	return nil
}

type sink struct {
	c         entity.Config
	config    SinkConfig
	newClient ClientFactory
	notifier  *notify.Notifier
	mdMutex   *sync.Mutex
	sleep     func(ctx context.Context, d time.Duration) bool

	// Guarded by mdMutex
	client   BigQueryClient
	table    *bigquery.Table
	metadata *bigquery.TableMetadata
	inserter BigQueryInserter
}

func newSink(c entity.Config, newClient ClientFactory, mdMutex *sync.Mutex) (*sink, error) {
	var config SinkConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, entity.ConfigErrorf("bigquery: %v", err)
	}
	s := &sink{
		c:         c,
		config:    config,
		newClient: newClient,
		mdMutex:   mdMutex,
		sleep:     sleepCtx,
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xbigquery.sink", c.Instance, c.Stream)
	return s, nil
}

// Connect creates the client and the dataset if needed. A missing table is created on the
// first write when create_table is set, since its schema is derived from the batch.
func (s *sink) Connect(ctx context.Context) error {
	s.mdMutex.Lock()
	defer s.mdMutex.Unlock()

	if s.client != nil {
		return nil
	}
	client, err := s.newClient(ctx, s.config.Project)
	if err != nil {
		return fmt.Errorf("could not create bigquery client: %w", err)
	}
	defer func() {
		if s.client == nil {
			_ = client.Close()
		}
	}()

	_, status, err := client.GetDatasetMetadata(ctx, client.CreateDatasetRef(s.config.Dataset))
	if err != nil && status == Unknown {
		return err
	}
	if status == NonExistent {
		if !s.config.CreateTable {
			return fmt.Errorf("dataset %s does not exist and create_table is not set", s.config.Dataset)
		}
		md := &bigquery.DatasetMetadata{Location: s.config.DatasetLocation}
		if err = client.CreateDataset(ctx, s.config.Dataset, md); err != nil {
			return err
		}
		s.notifier.Notify(entity.NotifyLevelInfo, "Dataset %s created in %s", s.config.Dataset, md.Location)
	}

	s.table = client.CreateTableRef(s.config.Dataset, s.config.Table)
	s.metadata, status, err = client.GetTableMetadata(ctx, s.table)
	if err != nil && status == Unknown {
		return err
	}
	if status == NonExistent {
		if !s.config.CreateTable {
			return fmt.Errorf("table %s.%s does not exist and create_table is not set", s.config.Dataset, s.config.Table)
		}
		s.metadata = nil
	} else {
		s.inserter = client.GetTableInserter(s.table)
	}
	s.client = client
	return nil
}

func (s *sink) Write(ctx context.Context, batch *entity.Batch) error {
	rows, schema, err := s.createRows(batch)
	if err != nil {
		return err // This is probably an unretryable error due to corrupt schema or event
	}
	if len(rows) == 0 {
		return nil
	}

	inserter, err := s.ensureTable(ctx, schema)
	if err != nil {
		return err
	}

	err = inserter.Put(ctx, rows)
	if err == nil {
		if s.c.Ops.LogEventData {
			s.notifier.Notify(entity.NotifyLevelDebug, "Successfully inserted %d rows to BigQuery table %s", len(rows), s.config.Table)
		}
		return nil
	}

	var multiErr bigquery.PutMultiError
	if errors.As(err, &multiErr) && !probableTableUpdatingError(err) {
		return fmt.Errorf("%d of %d rows rejected: %w", len(multiErr), len(rows), err)
	}
	if probableTableUpdatingError(err) {
		// If new column(s) been added by table update it can take some time before BQ allows inserts to the new
		// column. Until then insert will return with insert failed errors. To reduce request retries in this case
		// back off slightly.
		s.notifier.Notify(entity.NotifyLevelWarn, "BQ table probably not ready after table update, let's back off a few sec (err: %v)", err)
		if !s.sleep(ctx, TableUpdateBackoffTime) {
			return entity.ErrEntityShutdownRequested
		}
	}
	return entity.Retryable(err)
}

func probableTableUpdatingError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such field")
}

// ensureTable creates the table if missing, and adds new columns if enabled.
func (s *sink) ensureTable(ctx context.Context, schema bigquery.Schema) (BigQueryInserter, error) {
	s.mdMutex.Lock()
	defer s.mdMutex.Unlock()

	if s.client == nil {
		return nil, errors.New("bigquery sink not connected")
	}

	if s.metadata == nil {
		md := &bigquery.TableMetadata{Schema: schema}
		table, err := s.client.CreateTable(ctx, s.config.Dataset, s.config.Table, md)
		if err != nil {
			return nil, entity.Retryable(err)
		}
		s.notifier.Notify(entity.NotifyLevelInfo, "Table %s.%s created with schema: %s", s.config.Dataset, s.config.Table, schemaString(schema))
		s.table = table
		s.metadata = md
		s.inserter = s.client.GetTableInserter(table)
		return s.inserter, nil
	}

	if s.config.AddColumns {
		if newColumns := s.newColumns(schema); len(newColumns) > 0 {
			if err := s.addColumnsToTable(ctx, newColumns); err != nil {
				return nil, err
			}
		}
	}
	return s.inserter, nil
}

func (s *sink) newColumns(schema bigquery.Schema) bigquery.Schema {
	var out bigquery.Schema
	for _, f := range schema {
		if !s.columnExists(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

func (s *sink) columnExists(colName string) bool {
	for _, field := range s.metadata.Schema {
		if field.Name == colName {
			return true
		}
	}
	return false
}

// addColumnsToTable must be called with mdMutex held.
func (s *sink) addColumnsToTable(ctx context.Context, newColumns bigquery.Schema) error {

	s.notifier.Notify(entity.NotifyLevelInfo, "New columns found, to be created: %s", schemaString(newColumns))

	// We cannot use the already stored metadata in the sink since we need to get the etag from BQ
	// to ensure consistency in the Update operation.
	meta, _, err := s.client.GetTableMetadata(ctx, s.table)
	if err != nil {
		return entity.Retryable(err)
	}

	update := bigquery.TableMetadataToUpdate{
		Schema: append(meta.Schema, newColumns...),
	}
	tm, err := s.client.UpdateTable(ctx, s.table, update, meta.ETag)
	if err != nil {
		return entity.Retryable(err)
	}
	s.metadata = tm

	// BQ takes a while to allow ingestion with new schema, this sleep will reduce number of retries,
	// although not required for actual functionality.
	if !s.sleep(ctx, TableUpdateBackoffTime) {
		return entity.ErrEntityShutdownRequested
	}
	return nil
}

// createRows converts the batch into BigQuery rows together with the schema of the
// columns. Binary batches are expected to hold one JSON object per row.
func (s *sink) createRows(batch *entity.Batch) ([]*Row, bigquery.Schema, error) {
	if batch.IsBinary() {
		return s.createRowsFromJSON(batch)
	}

	schema := make(bigquery.Schema, 0, batch.NumColumns())
	for _, f := range batch.Schema().Fields() {
		schema = append(schema, &bigquery.FieldSchema{Name: f.Name, Type: fieldType(f.Type)})
	}
	insertIdCol := -1
	if s.config.InsertIdField != "" {
		var ok bool
		if insertIdCol, ok = batch.Schema().Index(s.config.InsertIdField); !ok {
			return nil, nil, fmt.Errorf("insert ID column %s not found in batch with schema %s", s.config.InsertIdField, batch.Schema())
		}
	}

	rows := make([]*Row, batch.NumRows())
	for r := range rows {
		row := NewRow()
		for c, f := range batch.Schema().Fields() {
			row.AddItem(&RowItem{Name: f.Name, Value: batch.Value(r, c)})
		}
		if insertIdCol >= 0 {
			row.InsertId = fmt.Sprint(batch.Value(r, insertIdCol))
		}
		rows[r] = row
	}
	return rows, schema, nil
}

func (s *sink) createRowsFromJSON(batch *entity.Batch) ([]*Row, bigquery.Schema, error) {
	var (
		rows   []*Row
		schema bigquery.Schema
		seen   = make(map[string]bool)
	)
	for r := 0; r < batch.NumRows(); r++ {
		payload, _ := batch.Value(r, 0).([]byte)
		if !gjson.ValidBytes(payload) {
			return nil, nil, fmt.Errorf("row %d is not valid JSON: %.100s", r, payload)
		}
		doc := gjson.ParseBytes(payload)
		if !doc.IsObject() {
			return nil, nil, fmt.Errorf("row %d is not a JSON object: %.100s", r, payload)
		}
		row := NewRow()
		doc.ForEach(func(key, value gjson.Result) bool {
			row.AddItem(&RowItem{Name: key.String(), Value: jsonValue(value)})
			if !seen[key.String()] {
				seen[key.String()] = true
				schema = append(schema, &bigquery.FieldSchema{Name: key.String(), Type: jsonFieldType(value)})
			}
			return true
		})
		if s.config.InsertIdField != "" {
			row.InsertId = doc.Get(entity.EscapeJSONPath(s.config.InsertIdField)).String()
		}
		if row.Size() > 0 {
			rows = append(rows, row)
		}
	}
	return rows, schema, nil
}

func (s *sink) Close(ctx context.Context) error {
	s.mdMutex.Lock()
	defer s.mdMutex.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func fieldType(t entity.DataType) bigquery.FieldType {
	switch t {
	case entity.TypeBool:
		return bigquery.BooleanFieldType
	case entity.TypeInt64:
		return bigquery.IntegerFieldType
	case entity.TypeFloat64:
		return bigquery.FloatFieldType
	case entity.TypeBinary:
		return bigquery.BytesFieldType
	case entity.TypeTimestamp:
		return bigquery.TimestampFieldType
	}
	return bigquery.StringFieldType
}

func jsonFieldType(v gjson.Result) bigquery.FieldType {
	switch v.Type {
	case gjson.True, gjson.False:
		return bigquery.BooleanFieldType
	case gjson.Number:
		return bigquery.FloatFieldType
	}
	return bigquery.StringFieldType
}

// jsonValue keeps nested objects and arrays as their raw JSON text.
func jsonValue(v gjson.Result) bigquery.Value {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.True, gjson.False:
		return v.Bool()
	case gjson.Number:
		return v.Float()
	case gjson.String:
		return v.String()
	}
	return v.Raw
}

func schemaString(schema bigquery.Schema) string {
	parts := make([]string, len(schema))
	for i, f := range schema {
		parts[i] = f.Name + ":" + string(f.Type)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

type RowItem struct {
	Name  string
	Value any
}

type Row struct {
	InsertId string
	rowItems map[string]bigquery.Value
}

func NewRow() *Row {
	return &Row{
		rowItems: make(map[string]bigquery.Value),
	}
}

func (r *Row) AddItem(item *RowItem) {
	r.rowItems[item.Name] = item.Value
}

// Save is required for implementing the BigQuery ValueSaver interface, as used by the bigquery.Inserter
func (r *Row) Save() (map[string]bigquery.Value, string, error) {
	return r.rowItems, r.InsertId, nil
}

func (r *Row) Size() int {
	return len(r.rowItems)
}

// A context aware sleep func returning true if proper timeout after sleep and false if ctx canceled
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
