// Package indextest provides a scripted in-memory stand-in for the
// document store client. Query evaluation is owned by the external
// store, so the fake does not interpret queries: tests enqueue the
// responses they expect and assert on the recorded requests.
package indextest

import (
	"context"
	"sync"

	"github.com/rangelab/dataset/pkg/dataset/index"
)

// Call records one request issued against the fake.
type Call struct {
	// Op is the client operation name (Search, UpdateByQuery, ...).
	Op string

	// Indices addressed by the request, in request order.
	Indices []string

	// Name holds the template/script/pipeline id for admin operations
	// and the aggregation name for CompositeScan.
	Name string

	// Body is the request body as passed by the caller.
	Body map[string]any
}

// Fake implements index.Client with scripted responses.
type Fake struct {
	mu sync.Mutex

	// Calls lists every recorded request in order.
	Calls []Call

	// Err, when set, fails every subsequent operation.
	Err error

	// SearchResults are consumed by Search in FIFO order; an empty
	// queue yields an empty result.
	SearchResults []*index.SearchResult

	// ScanHits are consumed by Scan in FIFO order.
	ScanHits [][]index.Hit

	// SequenceResults are consumed by SequenceSearch in FIFO order.
	SequenceResults []*index.SequenceResult

	// Buckets are consumed by CompositeScan in FIFO order.
	Buckets [][]index.Bucket

	// UpdatedCounts are consumed by UpdateByQuery in FIFO order; an
	// empty queue yields zero.
	UpdatedCounts []int64

	// DeletedCounts are consumed by DeleteByQuery in FIFO order.
	DeletedCounts []int64
}

var _ index.Client = (*Fake)(nil)

func (f *Fake) record(call Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
	return f.Err
}

// CallsFor returns all recorded calls for one operation.
func (f *Fake) CallsFor(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, call := range f.Calls {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Search implements index.Client.
func (f *Fake) Search(ctx context.Context, indices []string, body map[string]any, opts index.SearchOptions) (*index.SearchResult, error) {
	if err := f.record(Call{Op: "Search", Indices: indices, Body: body}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SearchResults) == 0 {
		return &index.SearchResult{}, nil
	}
	result := f.SearchResults[0]
	f.SearchResults = f.SearchResults[1:]
	return result, nil
}

// Scan implements index.Client.
func (f *Fake) Scan(ctx context.Context, indices []string, body map[string]any, fn func(index.Hit) error) error {
	if err := f.record(Call{Op: "Scan", Indices: indices, Body: body}); err != nil {
		return err
	}
	f.mu.Lock()
	var hits []index.Hit
	if len(f.ScanHits) > 0 {
		hits = f.ScanHits[0]
		f.ScanHits = f.ScanHits[1:]
	}
	f.mu.Unlock()
	for _, hit := range hits {
		if err := fn(hit); err != nil {
			return err
		}
	}
	return nil
}

// UpdateByQuery implements index.Client.
func (f *Fake) UpdateByQuery(ctx context.Context, indices []string, body map[string]any) (int64, error) {
	if err := f.record(Call{Op: "UpdateByQuery", Indices: indices, Body: body}); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.UpdatedCounts) == 0 {
		return 0, nil
	}
	count := f.UpdatedCounts[0]
	f.UpdatedCounts = f.UpdatedCounts[1:]
	return count, nil
}

// DeleteByQuery implements index.Client.
func (f *Fake) DeleteByQuery(ctx context.Context, indices []string, body map[string]any) (int64, error) {
	if err := f.record(Call{Op: "DeleteByQuery", Indices: indices, Body: body}); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.DeletedCounts) == 0 {
		return 0, nil
	}
	count := f.DeletedCounts[0]
	f.DeletedCounts = f.DeletedCounts[1:]
	return count, nil
}

// SequenceSearch implements index.Client.
func (f *Fake) SequenceSearch(ctx context.Context, indices []string, body map[string]any) (*index.SequenceResult, error) {
	if err := f.record(Call{Op: "SequenceSearch", Indices: indices, Body: body}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SequenceResults) == 0 {
		return &index.SequenceResult{}, nil
	}
	result := f.SequenceResults[0]
	f.SequenceResults = f.SequenceResults[1:]
	return result, nil
}

// PutScript implements index.Client.
func (f *Fake) PutScript(ctx context.Context, id, scriptContext string, script map[string]any) error {
	return f.record(Call{Op: "PutScript", Name: id, Body: script})
}

// PutMapping implements index.Client.
func (f *Fake) PutMapping(ctx context.Context, indices []string, body map[string]any) error {
	return f.record(Call{Op: "PutMapping", Indices: indices, Body: body})
}

// PutIndexTemplate implements index.Client.
func (f *Fake) PutIndexTemplate(ctx context.Context, name string, body map[string]any, createOnly bool) error {
	return f.record(Call{Op: "PutIndexTemplate", Name: name, Body: body})
}

// PutComponentTemplate implements index.Client.
func (f *Fake) PutComponentTemplate(ctx context.Context, name string, body map[string]any, createOnly bool) error {
	return f.record(Call{Op: "PutComponentTemplate", Name: name, Body: body})
}

// PutLegacyTemplate implements index.Client.
func (f *Fake) PutLegacyTemplate(ctx context.Context, name string, body map[string]any, createOnly bool, order int) error {
	return f.record(Call{Op: "PutLegacyTemplate", Name: name, Body: body})
}

// PutIngestPipeline implements index.Client.
func (f *Fake) PutIngestPipeline(ctx context.Context, id string, body map[string]any) error {
	return f.record(Call{Op: "PutIngestPipeline", Name: id, Body: body})
}

// CompositeScan implements index.Client.
func (f *Fake) CompositeScan(ctx context.Context, indices []string, agg string, body map[string]any) ([]index.Bucket, error) {
	if err := f.record(Call{Op: "CompositeScan", Indices: indices, Name: agg, Body: body}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Buckets) == 0 {
		return nil, nil
	}
	buckets := f.Buckets[0]
	f.Buckets = f.Buckets[1:]
	return buckets, nil
}
