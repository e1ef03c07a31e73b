// Package registry holds the set of source documents for one compilation
// run. The registry is read-only after construction and safe to share across
// concurrent extraction tasks.
package registry

import (
	"github.com/rotisserie/eris"

	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// Registry is the per-run document store. It performs no logic beyond
// storage, lookup, and provenance validation.
type Registry struct {
	docs []schema.Document
	byID map[string]*schema.Document
}

// New builds a Registry from the given documents. Document IDs must be
// non-empty and unique within a run.
func New(docs []schema.Document) (*Registry, error) {
	r := &Registry{
		docs: make([]schema.Document, len(docs)),
		byID: make(map[string]*schema.Document, len(docs)),
	}
	copy(r.docs, docs)
	for i := range r.docs {
		d := &r.docs[i]
		if d.ID == "" {
			return nil, eris.New("registry: document with empty id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, eris.Errorf("registry: duplicate document id %q", d.ID)
		}
		r.byID[d.ID] = d
	}
	return r, nil
}

// Get returns the document with the given id, or nil if not registered.
func (r *Registry) Get(id string) *schema.Document {
	return r.byID[id]
}

// Has reports whether a document with the given id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// All returns the registered documents in registration order.
func (r *Registry) All() []schema.Document {
	return r.docs
}

// Count returns the number of registered documents.
func (r *Registry) Count() int {
	return len(r.docs)
}

// SourceKey returns a doc id -> human description map for snapshot
// provenance rendering.
func (r *Registry) SourceKey() map[string]string {
	key := make(map[string]string, len(r.docs))
	for _, d := range r.docs {
		desc := d.Description
		if desc == "" {
			desc = string(d.Type)
		} else {
			desc = string(d.Type) + ": " + desc
		}
		key[d.ID] = desc
	}
	return key
}

// ValidateProvenance checks that every extraction's provenance points at a
// registered document. An extraction claiming support from an unknown
// document is a pipeline bug, not a model failure.
func (r *Registry) ValidateProvenance(extractions []schema.Extraction) error {
	for _, ex := range extractions {
		if !r.Has(ex.Provenance.DocID) {
			return eris.Errorf("registry: extraction %s cites unknown document %q", ex.ID, ex.Provenance.DocID)
		}
	}
	return nil
}
