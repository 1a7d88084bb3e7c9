// Package index defines the client interface to the external document
// store holding the parsed log events, together with the result types
// shared by the labeling and processing engines. The store owns all
// query evaluation; this package only describes the operations the
// core needs.
package index

import (
	"context"
	"fmt"
)

// Hit is one document returned by a search.
type Hit struct {
	// Index the document lives in.
	Index string

	// ID of the document within its index.
	ID string

	// Source is the document body.
	Source map[string]any
}

// SearchResult is the materialized outcome of a single search request.
type SearchResult struct {
	// Total number of matching documents (may exceed len(Hits)).
	Total int64

	// Hits actually returned by the request.
	Hits []Hit
}

// SequenceEvent references one event participating in a matched
// sequence instance.
type SequenceEvent struct {
	Index string
	ID    string
}

// SequenceResult is the flattening-ready outcome of a sequence query.
type SequenceResult struct {
	// Total number of matched sequence instances reported by the store.
	Total int64

	// Sequences lists the events of each matched instance in match
	// order. Ordering semantics are owned entirely by the store.
	Sequences [][]SequenceEvent
}

// Bucket is one bucket of a composite aggregation.
type Bucket struct {
	// Key holds the composite source values of the bucket.
	Key map[string]any

	// DocCount is the number of documents in the bucket.
	DocCount int64

	// Metrics holds the values of any metric sub-aggregations.
	Metrics map[string]float64
}

// SearchOptions tune a single search request.
type SearchOptions struct {
	// Size limits the number of returned hits (store default if zero).
	Size int

	// Sort entries in request order, e.g. {"log.file.line": "asc"}.
	Sort []map[string]string

	// Source restricts the returned document fields when non-empty.
	Source []string

	// RequestCache disables the store request cache when false and
	// explicitly set. Nil keeps the store default.
	RequestCache *bool
}

// Client is the document store interface consumed by the pipeline
// processors and the labeling rule engine.
type Client interface {
	// Search runs one query and returns the materialized result.
	Search(ctx context.Context, indices []string, body map[string]any, opts SearchOptions) (*SearchResult, error)

	// Scan streams every hit of a query through fn using the store's
	// scroll facility. Scanning stops at the first fn error.
	Scan(ctx context.Context, indices []string, body map[string]any, fn func(Hit) error) error

	// UpdateByQuery applies the update described by body (query plus
	// script) and blocks until the store-side task completes. Returns
	// the number of updated documents.
	UpdateByQuery(ctx context.Context, indices []string, body map[string]any) (int64, error)

	// DeleteByQuery removes every document matching body and returns
	// the number of deleted documents.
	DeleteByQuery(ctx context.Context, indices []string, body map[string]any) (int64, error)

	// SequenceSearch runs a native sequence (EQL) query, blocking until
	// the result is available.
	SequenceSearch(ctx context.Context, indices []string, body map[string]any) (*SequenceResult, error)

	// PutScript installs a stored script under id for the given script
	// context (update, filter, field).
	PutScript(ctx context.Context, id, scriptContext string, script map[string]any) error

	// PutMapping merges a field mapping into the matching indices.
	PutMapping(ctx context.Context, indices []string, body map[string]any) error

	// PutIndexTemplate installs a composable index template.
	PutIndexTemplate(ctx context.Context, name string, body map[string]any, createOnly bool) error

	// PutComponentTemplate installs an index component template.
	PutComponentTemplate(ctx context.Context, name string, body map[string]any, createOnly bool) error

	// PutLegacyTemplate installs a legacy (v1) index template.
	PutLegacyTemplate(ctx context.Context, name string, body map[string]any, createOnly bool, order int) error

	// PutIngestPipeline installs an ingest pipeline under id.
	PutIngestPipeline(ctx context.Context, id string, body map[string]any) error

	// CompositeScan pages through a composite aggregation named agg in
	// body until the store stops returning an after_key, accumulating
	// all buckets.
	CompositeScan(ctx context.Context, indices []string, agg string, body map[string]any) ([]Bucket, error)
}

// ResolveIndices prefixes the dataset name to the given index patterns.
// With no patterns the whole dataset (<name>-*) is addressed. When
// prefixing is disabled the patterns pass through unchanged.
func ResolveIndices(datasetName string, prefix bool, indices []string) []string {
	if !prefix || datasetName == "" {
		if len(indices) == 0 {
			return []string{"*"}
		}
		return indices
	}
	if len(indices) == 0 {
		return []string{datasetName + "-*"}
	}
	out := make([]string, len(indices))
	for i, index := range indices {
		out[i] = fmt.Sprintf("%s-%s", datasetName, index)
	}
	return out
}

// ExcludeIndices turns index patterns into negative match patterns,
// optionally dataset-prefixed. Negative patterns must come after the
// positive ones in a request for the store to honor them.
func ExcludeIndices(datasetName string, prefix bool, indices []string) []string {
	out := make([]string, len(indices))
	for i, index := range indices {
		if prefix && datasetName != "" {
			out[i] = fmt.Sprintf("-%s-%s", datasetName, index)
		} else {
			out[i] = "-" + index
		}
	}
	return out
}
