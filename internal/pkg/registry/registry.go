package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

type Config struct {
	NotifyChan entity.NotifyChan
	Log        bool
}

// StreamRegistry is the in-memory keeper of all registered stream specs. Specs are
// validated and given their defaults when registered.
type StreamRegistry struct {
	config   Config
	mu       sync.RWMutex
	specs    map[string]*entity.Spec
	order    []string
	notifier *notify.Notifier
}

func NewStreamRegistry(config Config) *StreamRegistry {
	r := &StreamRegistry{
		config: config,
		specs:  make(map[string]*entity.Spec),
	}
	r.notifier = notify.New(config.NotifyChan, notify.NewLog(config.Log), 2, "streamregistry", "inmem", "")
	return r
}

// Put registers or replaces a spec.
func (r *StreamRegistry) Put(ctx context.Context, spec *entity.Spec) error {
	if spec == nil {
		return entity.ConfigErrorf("nil spec")
	}
	spec.EnsureValidDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Id]; exists {
		r.notifier.Notify(entity.NotifyLevelInfo, "Replacing spec for stream %s", spec.Id)
	} else {
		r.order = append(r.order, spec.Id)
		r.notifier.Notify(entity.NotifyLevelInfo, "Registered spec for stream %s", spec.Id)
	}
	r.specs[spec.Id] = spec
	return nil
}

func (r *StreamRegistry) Get(ctx context.Context, id string) (*entity.Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	if !ok {
		return nil, fmt.Errorf("stream spec with id %s not found", id)
	}
	return spec, nil
}

func (r *StreamRegistry) GetAll(ctx context.Context) (map[string]*entity.Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make(map[string]*entity.Spec, len(r.specs))
	for id, spec := range r.specs {
		specs[id] = spec
	}
	return specs, nil
}

// Ids returns the ids of all registered specs in registration order.
func (r *StreamRegistry) Ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *StreamRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[id]; !ok {
		return fmt.Errorf("stream spec with id %s not found", id)
	}
	delete(r.specs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.notifier.Notify(entity.NotifyLevelInfo, "Deleted spec for stream %s", id)
	return nil
}

func (r *StreamRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[id]
	return ok
}

// Validate creates a spec from raw JSON spec data and validates it, without registering it.
func (r *StreamRegistry) Validate(specData []byte) (*entity.Spec, error) {
	return entity.NewSpec(specData)
}
