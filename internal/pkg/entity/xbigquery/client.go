package xbigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

// The sink uses GCP BQ Go client API for its functionality.
// We're decoupling this API here on consumer side for full unit test capabilities.
// Wrapping is required due to GCP Go client library design constraints.

type BigQueryClient interface {
	GetDatasetMetadata(ctx context.Context, dataset *bigquery.Dataset) (*bigquery.DatasetMetadata, DatasetTableStatus, error)
	CreateDatasetRef(datasetId string) *bigquery.Dataset
	CreateDataset(ctx context.Context, id string, md *bigquery.DatasetMetadata) error
	GetTableMetadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, DatasetTableStatus, error)
	CreateTableRef(datasetId string, tableId string) *bigquery.Table
	CreateTable(ctx context.Context, datasetId string, tableId string, tm *bigquery.TableMetadata) (*bigquery.Table, error)
	GetTableInserter(table *bigquery.Table) BigQueryInserter
	UpdateTable(ctx context.Context, table *bigquery.Table, tm bigquery.TableMetadataToUpdate, etag string) (*bigquery.TableMetadata, error)
	Close() error
}

type BigQueryInserter interface {
	Put(ctx context.Context, src any) error
}

// ClientFactory creates a client for the GCP project.
type ClientFactory func(ctx context.Context, project string) (BigQueryClient, error)

func DefaultClientFactory(ctx context.Context, project string) (BigQueryClient, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, err
	}
	return &defaultBigQueryClient{client: client}, nil
}

type DatasetTableStatus int

const (
	Unknown DatasetTableStatus = iota
	Existent
	NonExistent
)

type defaultBigQueryClient struct {
	client *bigquery.Client
}

func (b *defaultBigQueryClient) CreateDatasetRef(datasetId string) *bigquery.Dataset {
	return b.client.Dataset(datasetId)
}

// CreateDataset disregards "already exists" errors, since the dataset may be created
// concurrently by another stream instance.
func (b *defaultBigQueryClient) CreateDataset(ctx context.Context, id string, md *bigquery.DatasetMetadata) error {
	err := b.client.Dataset(id).Create(ctx, md)
	if err != nil && disregardError(err) {
		log.Warnf("disregarding BQ dataset error: %s", describe(err))
		err = nil
	}
	return err
}

func (b *defaultBigQueryClient) CreateTableRef(datasetId string, tableId string) *bigquery.Table {
	return b.client.Dataset(datasetId).Table(tableId)
}

func (b *defaultBigQueryClient) CreateTable(ctx context.Context, datasetId string, tableId string, tm *bigquery.TableMetadata) (*bigquery.Table, error) {
	table := b.client.Dataset(datasetId).Table(tableId)
	err := table.Create(ctx, tm)
	if err != nil {
		if disregardError(err) {
			log.Warnf("disregarding BQ table error: %v", describe(err))
			err = nil
		} else {
			log.Errorf("could not create table %s.%s, metadata: %+v, err: %v", datasetId, tableId, tm, err)
		}
	}
	return table, err
}

func (b *defaultBigQueryClient) GetTableInserter(table *bigquery.Table) BigQueryInserter {
	return table.Inserter()
}

func (b *defaultBigQueryClient) GetTableMetadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, DatasetTableStatus, error) {
	tm, err := table.Metadata(ctx)
	return tm, status(tm != nil, err), err
}

func (b *defaultBigQueryClient) GetDatasetMetadata(ctx context.Context, dataset *bigquery.Dataset) (*bigquery.DatasetMetadata, DatasetTableStatus, error) {
	md, err := dataset.Metadata(ctx)
	return md, status(md != nil, err), err
}

func (b *defaultBigQueryClient) UpdateTable(
	ctx context.Context,
	table *bigquery.Table,
	tm bigquery.TableMetadataToUpdate,
	etag string) (*bigquery.TableMetadata, error) {

	tmOut, err := table.Update(ctx, tm, etag)
	if err != nil && disregardError(err) {
		log.Warnf("disregarding BQ table update error: %v", describe(err))
		tmOut, err = table.Metadata(ctx)
	}
	return tmOut, err
}

func (b *defaultBigQueryClient) Close() error {
	return b.client.Close()
}

func status(found bool, err error) DatasetTableStatus {
	var e *googleapi.Error
	if errors.As(err, &e) && e.Code == http.StatusNotFound {
		return NonExistent
	}
	if found && err == nil {
		return Existent
	}
	return Unknown
}

func describe(err error) string {
	var e *googleapi.Error
	if errors.As(err, &e) {
		return fmt.Sprintf("googleapi code: %d, message: %s, details: %#v, errors: %+v", e.Code, e.Message, e.Details, e.Errors)
	}
	return err.Error()
}

// No good granular way to properly get real error codes from bq client, to detect these "non-errors" (in BQ sink scenarios).
// Need to parse error string -.-
func disregardError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
