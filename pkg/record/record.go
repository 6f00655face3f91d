// Package record defines the decoded feature record exchanged between
// decoders and the batch accumulator.
//
// Records are short-lived: a decoder emits one, the accumulator folds it
// into the open batch, and the record goes back to the pool. Nothing may
// hold a record across an accumulation step.
package record

import (
	"sync"

	"github.com/geostreamio/geostream/pkg/geom"
)

// Record is one decoded feature: scalar properties plus an optional
// geometry in canonical form. A nil Geometry is a feature with
// "geometry": null (or an empty geometry cell). Property insertion order
// is preserved; schema inference depends on it for first-seen field
// ordering.
type Record struct {
	Properties map[string]interface{}
	Geometry   *geom.Geometry

	keys []string
}

var recordPool = sync.Pool{
	New: func() interface{} {
		return &Record{Properties: make(map[string]interface{}, 8)}
	},
}

// Get returns a cleared record from the pool
func Get() *Record {
	r := recordPool.Get().(*Record)
	return r
}

// Release clears the record and returns it to the pool
func (r *Record) Release() {
	for k := range r.Properties {
		delete(r.Properties, k)
	}
	r.keys = r.keys[:0]
	r.Geometry = nil
	recordPool.Put(r)
}

// Set stores a property value, remembering insertion order for new keys
func (r *Record) Set(name string, value interface{}) {
	if _, exists := r.Properties[name]; !exists {
		r.keys = append(r.keys, name)
	}
	r.Properties[name] = value
}

// Keys returns property names in insertion order
func (r *Record) Keys() []string {
	return r.keys
}
