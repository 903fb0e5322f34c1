package schemas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/observability"
)

// UniqueKeyword marks a top-level property whose value must be unique
// among resources of the kind.
const UniqueKeyword = "x-unique"

// Validator validates resource payloads for a kind
type Validator interface {
	Validate(ctx context.Context, kind, data string) error
}

// compiled is a cache entry; a nil schema records that the kind has none.
type compiled struct {
	schema *jsonschema.Schema
	unique []string
}

// Compile parses and compiles a draft 7 schema document
func Compile(kind, data string) (*jsonschema.Schema, error) {
	url := "keel://schemas/" + kind + ".json"

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(url, strings.NewReader(data)); err != nil {
		return nil, apperr.Validation("schema for %q is not valid JSON: %v", kind, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, apperr.Validation("schema for %q does not compile: %v", kind, err)
	}
	return sch, nil
}

// UniqueProperties returns the sorted top-level properties of a schema
// document marked with x-unique.
func UniqueProperties(data string) ([]string, error) {
	var doc struct {
		Properties map[string]map[string]interface{} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, apperr.Validation("schema is not a JSON object: %v", err)
	}

	var out []string
	for name, prop := range doc.Properties {
		if unique, _ := prop[UniqueKeyword].(bool); unique {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SchemaValidator validates payloads against the stored schema for their
// kind, caching compiled schemas.
type SchemaValidator struct {
	store   Store
	cache   *expirable.LRU[string, *compiled]
	group   singleflight.Group
	metrics *observability.Metrics
}

// NewSchemaValidator creates a validator caching up to size compiled
// schemas for ttl. The ttl bounds how long another instance's schema
// change can go unnoticed.
func NewSchemaValidator(store Store, size int, ttl time.Duration, metrics *observability.Metrics) *SchemaValidator {
	if size <= 0 {
		size = 256
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &SchemaValidator{
		store:   store,
		cache:   expirable.NewLRU[string, *compiled](size, nil, ttl),
		metrics: metrics,
	}
}

func (v *SchemaValidator) load(ctx context.Context, kind string) (*compiled, error) {
	if c, ok := v.cache.Get(kind); ok {
		v.metrics.SchemaCacheTotal.WithLabelValues("hit").Inc()
		return c, nil
	}
	v.metrics.SchemaCacheTotal.WithLabelValues("miss").Inc()

	res, err, _ := v.group.Do(kind, func() (interface{}, error) {
		stored, err := v.store.GetByKind(ctx, kind)
		if apperr.IsNotFound(err) {
			c := &compiled{}
			v.cache.Add(kind, c)
			return c, nil
		}
		if err != nil {
			return nil, err
		}

		sch, err := Compile(kind, stored.Data)
		if err != nil {
			return nil, apperr.Internal(err, "stored schema for %q is invalid", kind)
		}
		unique, err := UniqueProperties(stored.Data)
		if err != nil {
			return nil, apperr.Internal(err, "stored schema for %q is invalid", kind)
		}

		c := &compiled{schema: sch, unique: unique}
		v.cache.Add(kind, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*compiled), nil
}

// Validate checks data against the schema for kind. Kinds without a schema
// accept any payload.
func (v *SchemaValidator) Validate(ctx context.Context, kind, data string) error {
	c, err := v.load(ctx, kind)
	if err != nil {
		return err
	}
	if c.schema == nil {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return apperr.Validation("data for kind %q must be JSON: %v", kind, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return apperr.Validation("data does not match schema %q: %s", kind, describe(verr))
		}
		return apperr.Validation("data does not match schema %q: %v", kind, err)
	}
	return nil
}

// UniqueProperties returns the x-unique properties of kind's schema
func (v *SchemaValidator) UniqueProperties(ctx context.Context, kind string) ([]string, error) {
	c, err := v.load(ctx, kind)
	if err != nil {
		return nil, err
	}
	return c.unique, nil
}

// Invalidate drops the cached schema for kind
func (v *SchemaValidator) Invalidate(kind string) {
	v.cache.Remove(kind)
	v.group.Forget(kind)
}

// describe flattens the leaf causes of a validation error into one line
func describe(verr *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}
