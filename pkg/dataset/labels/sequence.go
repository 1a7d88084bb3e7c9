package labels

import (
	"context"
	"fmt"
	"strings"

	"github.com/rangelab/dataset/pkg/dataset/errs"
	"github.com/rangelab/dataset/pkg/dataset/index"
)

// SequenceRule labels every document participating in a matched event
// sequence. Temporal ordering and tie-breaking are owned entirely by
// the store's native sequence query facility; this rule only builds the
// query, flattens the returned sequences into distinct documents and
// updates them in batches until no unlabeled sequence remains.
type SequenceRule struct {
	Base `mapstructure:",squash"`

	Index []string `mapstructure:"index"`

	// By joins sequence steps on shared field values.
	By []string `mapstructure:"by"`

	// MaxSpan bounds the time window a whole sequence must fit into.
	MaxSpan string `mapstructure:"max_span"`

	// Until ends valid sequences; the until event itself is not
	// labeled.
	Until string `mapstructure:"until"`

	// Sequences are the ordered event steps, at least two.
	Sequences []string `mapstructure:"sequences"`

	Filter []map[string]any `mapstructure:"filter"`

	EventCategoryField string `mapstructure:"event_category_field"`
	TimestampField     string `mapstructure:"timestamp_field"`
	TiebreakerField    string `mapstructure:"tiebreaker_field"`

	BatchSize       int `mapstructure:"batch_size"`
	MaxResultWindow int `mapstructure:"max_result_window"`

	PrefixDataset bool `mapstructure:"indices_prefix_dataset"`
}

func (r *SequenceRule) validate() error {
	if err := r.Base.validate(); err != nil {
		return err
	}
	if len(r.Sequences) < 2 {
		return fmt.Errorf("%w: rule %s: a sequence needs at least two steps, use a query rule for one", errs.ErrConfigLoad, r.ID)
	}
	return nil
}

// queryString renders the sequence query in the store's EQL syntax.
func (r *SequenceRule) queryString() string {
	var b strings.Builder
	b.WriteString("sequence")
	if len(r.By) > 0 {
		b.WriteString(" by ")
		b.WriteString(strings.Join(r.By, ", "))
	}
	if r.MaxSpan != "" {
		fmt.Fprintf(&b, " with maxspan=%s", r.MaxSpan)
	}
	for _, step := range r.Sequences {
		b.WriteString("\n  ")
		b.WriteString(step)
	}
	if r.Until != "" {
		b.WriteString("\nuntil ")
		b.WriteString(r.Until)
	}
	return b.String()
}

func (r *SequenceRule) body(env *Env) map[string]any {
	// drop sequences whose events this rule already labeled so the
	// batch loop makes progress
	field := fmt.Sprintf("%s.flat.%s", env.LabelObject, r.ID)
	mustNot := []any{
		map[string]any{"term": map[string]any{field: strings.Join(r.Labels, ";")}},
	}
	filter := map[string]any{"bool": map[string]any{
		"must_not": mustNot,
	}}
	if len(r.Filter) > 0 {
		filter["bool"].(map[string]any)["must"] = anySlice(r.Filter)
	}

	fetchSize := r.BatchSize + r.BatchSize/2
	if fetchSize > r.MaxResultWindow {
		fetchSize = r.MaxResultWindow
	}

	body := map[string]any{
		"query":                r.queryString(),
		"size":                 r.MaxResultWindow / len(r.Sequences),
		"fetch_size":           fetchSize,
		"event_category_field": r.EventCategoryField,
		"timestamp_field":      r.TimestampField,
		"filter":               filter,
	}
	if r.TiebreakerField != "" {
		body["tiebreaker_field"] = r.TiebreakerField
	}
	return body
}

func (r *SequenceRule) Apply(ctx context.Context, env *Env) (int64, error) {
	indices := index.ResolveIndices(env.Dataset.Name, r.PrefixDataset, r.Index)
	body := r.body(env)

	var updated int64
	// the store's sequence facility has no scroll equivalent, so search
	// in batches until every participating event carries the label
	for {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		result, err := env.Store.SequenceSearch(ctx, indices, body)
		if err != nil {
			return updated, err
		}
		if result.Total == 0 {
			return updated, nil
		}

		order, ids := flattenSequences(result.Sequences)
		count, err := applyToIDs(ctx, env, order, ids, r.MaxResultWindow, r.updateParams())
		if err != nil {
			return updated, err
		}
		updated += count
		if count == 0 {
			// matched events no longer change; avoid spinning on a
			// store that keeps returning the same sequences
			return updated, nil
		}
	}
}

// flattenSequences reduces matched sequence instances to distinct
// (index, id) pairs. Events shared between overlapping sequences are
// updated once.
func flattenSequences(sequences [][]index.SequenceEvent) ([]string, map[string][]string) {
	seen := map[string]map[string]bool{}
	ids := map[string][]string{}
	var order []string
	for _, sequence := range sequences {
		for _, event := range sequence {
			if seen[event.Index] == nil {
				seen[event.Index] = map[string]bool{}
				order = append(order, event.Index)
			}
			if seen[event.Index][event.ID] {
				continue
			}
			seen[event.Index][event.ID] = true
			ids[event.Index] = append(ids[event.Index], event.ID)
		}
	}
	return order, ids
}
