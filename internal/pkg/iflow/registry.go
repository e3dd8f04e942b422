package iflow

import (
	"context"

	"github.com/zpiroux/flowline/entity"
)

// Registry holds the stream definitions to be run.
type Registry interface {
	Put(ctx context.Context, spec *entity.Spec) error
	Get(ctx context.Context, id string) (*entity.Spec, error)
	GetAll(ctx context.Context) (map[string]*entity.Spec, error)
	Delete(ctx context.Context, id string) error
	Exists(id string) bool
	Validate(specData []byte) (*entity.Spec, error)
}
