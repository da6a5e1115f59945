// Package entity implements a closed entity-adapter registry: rather than
// a runtime entity_type -> table string dictionary, every domain kind the
// sync core knows about registers an Adapter describing its storage
// table and primary key. Adapters have no JSON encode/decode step; records
// keep their Data payload as decoded JSON.
package entity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// Adapter describes how one domain entity kind maps onto the Local Store.
type Adapter interface {
	// EntityType is the dotted entity_type key this adapter handles, e.g.
	// "clinic.patient".
	EntityType() string
	// TableName is the Local Store bucket/collection name.
	TableName() string
	// PrimaryKey extracts the entity's primary key from its Data payload.
	PrimaryKey(data types.Data) (string, error)
}

// genericAdapter is the concrete Adapter used for every domain record
// kind (patients, appointments, treatments, invoices): the primary key
// field name is the only thing that varies between them.
type genericAdapter struct {
	entityType   string
	tableName    string
	primaryField string
}

func (a genericAdapter) EntityType() string { return a.entityType }
func (a genericAdapter) TableName() string  { return a.tableName }

func (a genericAdapter) PrimaryKey(data types.Data) (string, error) {
	raw, ok := data[a.primaryField]
	if !ok {
		return "", fmt.Errorf("entity %s: missing primary key field %q", a.entityType, a.primaryField)
	}
	id, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("entity %s: primary key field %q is not a string", a.entityType, a.primaryField)
	}
	if id == "" {
		return "", fmt.Errorf("entity %s: empty primary key", a.entityType)
	}
	return id, nil
}

// NewAdapter constructs an Adapter for a domain entity kind whose primary
// key lives in primaryField.
func NewAdapter(entityType, tableName, primaryField string) Adapter {
	return genericAdapter{entityType: entityType, tableName: tableName, primaryField: primaryField}
}

// Registry is a lookup of Adapter by entity_type, with leaf-of-dotted-path
// fallback: entity_type is a dotted path whose leaf segment is also a
// valid lookup key.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds adapter, keyed by its EntityType and also by the leaf
// segment of a dotted EntityType (so "clinic.patient" is reachable by
// either "clinic.patient" or "patient").
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.EntityType()] = adapter
	if leaf := leafOf(adapter.EntityType()); leaf != adapter.EntityType() {
		if _, exists := r.adapters[leaf]; !exists {
			r.adapters[leaf] = adapter
		}
	}
}

// Lookup resolves entityType to its Adapter.
func (r *Registry) Lookup(entityType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[entityType]; ok {
		return a, true
	}
	a, ok := r.adapters[leafOf(entityType)]
	return a, ok
}

func leafOf(entityType string) string {
	idx := strings.LastIndex(entityType, ".")
	if idx < 0 {
		return entityType
	}
	return entityType[idx+1:]
}

// DefaultRegistry returns a Registry pre-populated with the clinic domain
// entities: patients, appointments, treatments, invoices.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewAdapter("clinic.patient", "patients", "id"))
	r.Register(NewAdapter("clinic.appointment", "appointments", "id"))
	r.Register(NewAdapter("clinic.treatment", "treatments", "id"))
	r.Register(NewAdapter("clinic.invoice", "invoices", "id"))
	return r
}
