package schemas

import (
	"context"
	"time"
)

// Schema is the JSON Schema document governing resources of one kind
type Schema struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultPageSize is used when List is called with pageSize 0
const DefaultPageSize = 50

// Store persists schemas. Kind is unique across the store.
type Store interface {
	Create(ctx context.Context, schema *Schema) error
	Get(ctx context.Context, id string) (*Schema, error)
	GetByKind(ctx context.Context, kind string) (*Schema, error)
	// Update loads the schema, applies fn and persists the result
	// atomically. fn must not change ID or Kind.
	Update(ctx context.Context, id string, fn func(*Schema) error) (*Schema, error)
	Delete(ctx context.Context, id string) (*Schema, error)
	// List calls fn for schemas whose kind contains filter, ordered by
	// kind, starting at offset and stopping after limit results.
	List(ctx context.Context, filter string, offset, limit int, fn func(*Schema) error) error
}
