// Package labels implements the labeling rule engine: rule parsing,
// the four query/update strategies against the document store, and the
// labeler that drives a full labeling run including label file output.
package labels

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/errs"
	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/template"
)

// Env is the execution environment shared by all rule applications of
// one labeling run.
type Env struct {
	DatasetDir string
	Dataset    config.Dataset
	Store      index.Client
	Renderer   *template.Renderer

	// UpdateScriptID is the stored script applied by label updates.
	UpdateScriptID string

	// LabelObject is the document field holding the label bookkeeping
	// object.
	LabelObject string

	Logger *slog.Logger
}

func (e *Env) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Rule is one labeling rule. Apply attaches the rule's labels to every
// matching document and reports how many documents were updated. Zero
// matches is success; applying a rule twice must not duplicate labels.
type Rule interface {
	RuleID() string
	RuleLabels() []string
	Apply(ctx context.Context, env *Env) (int64, error)
}

// Base carries the fields every rule kind shares.
type Base struct {
	Type        string   `mapstructure:"type"`
	ID          string   `mapstructure:"id"`
	Labels      []string `mapstructure:"labels"`
	Description string   `mapstructure:"description"`
}

// RuleID implements Rule.
func (b *Base) RuleID() string { return b.ID }

// RuleLabels implements Rule.
func (b *Base) RuleLabels() []string { return b.Labels }

func (b *Base) updateParams() map[string]any {
	return map[string]any{
		"rule":   b.ID,
		"labels": b.Labels,
	}
}

func (b *Base) validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: rule has no id", errs.ErrConfigLoad)
	}
	if len(b.Labels) == 0 {
		return fmt.Errorf("%w: rule %s has no labels", errs.ErrConfigLoad, b.ID)
	}
	for _, label := range b.Labels {
		// the flat bookkeeping value is the semicolon-joined label list
		if strings.Contains(label, ";") {
			return fmt.Errorf("%w: rule %s: labels must not contain semicolons, got %q", errs.ErrConfigLoad, b.ID, label)
		}
	}
	return nil
}

// QueryBody is the shared query portion of the store-backed rule
// kinds: positive queries, filters and excludes over an index set.
type QueryBody struct {
	Index         []string         `mapstructure:"index"`
	Query         []map[string]any `mapstructure:"query"`
	Filter        []map[string]any `mapstructure:"filter"`
	Exclude       []map[string]any `mapstructure:"exclude"`
	PrefixDataset bool             `mapstructure:"indices_prefix_dataset"`
}

// boolQuery assembles the store query. withLabelExclusion adds the
// must_not clause that drops documents this rule already labeled, which
// is what makes re-runs idempotent and sequence batching terminate.
func (q QueryBody) boolQuery(env *Env, ruleID string, labels []string, withLabelExclusion bool) map[string]any {
	mustNot := make([]any, 0, len(q.Exclude)+1)
	if withLabelExclusion {
		field := fmt.Sprintf("%s.flat.%s", env.LabelObject, ruleID)
		mustNot = append(mustNot, map[string]any{
			"term": map[string]any{field: strings.Join(labels, ";")},
		})
	}
	for _, exclude := range q.Exclude {
		mustNot = append(mustNot, exclude)
	}

	boolBody := map[string]any{}
	if len(q.Query) > 0 {
		boolBody["must"] = anySlice(q.Query)
	}
	if len(q.Filter) > 0 {
		boolBody["filter"] = anySlice(q.Filter)
	}
	if len(mustNot) > 0 {
		boolBody["must_not"] = mustNot
	}
	return map[string]any{"bool": boolBody}
}

func (q QueryBody) indices(env *Env) []string {
	return index.ResolveIndices(env.Dataset.Name, q.PrefixDataset, q.Index)
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// QueryRule labels every document matching one store query via a
// single update-by-query call.
type QueryRule struct {
	Base      `mapstructure:",squash"`
	QueryBody `mapstructure:",squash"`
}

func (r *QueryRule) Apply(ctx context.Context, env *Env) (int64, error) {
	body := map[string]any{
		"query": r.boolQuery(env, r.ID, r.Labels, true),
		"script": map[string]any{
			"id":     env.UpdateScriptID,
			"params": r.updateParams(),
		},
	}
	return env.Store.UpdateByQuery(ctx, r.indices(env), body)
}

// SubQueryRule materializes a seed set with a base query, then renders
// and applies a dependent query per seed hit. The seed set is fully
// collected before the first dependent query is built; an empty seed
// set means the dependent query is never issued.
type SubQueryRule struct {
	Base      `mapstructure:",squash"`
	QueryBody `mapstructure:",squash"`

	// SubQuery is the unrendered dependent query template. Each seed
	// hit is exposed to it as HIT.
	SubQuery map[string]any `mapstructure:"sub_query"`
}

func (r *SubQueryRule) Apply(ctx context.Context, env *Env) (int64, error) {
	if len(r.SubQuery) == 0 {
		return 0, fmt.Errorf("%w: rule %s: sub_query is required", errs.ErrConfigLoad, r.ID)
	}

	body := map[string]any{"query": r.boolQuery(env, r.ID, r.Labels, true)}
	var seeds []index.Hit
	err := env.Store.Scan(ctx, r.indices(env), body, func(hit index.Hit) error {
		seeds = append(seeds, hit)
		return nil
	})
	if err != nil {
		return 0, err
	}

	var updated int64
	for _, seed := range seeds {
		dependent, err := renderQueryBody(env, r.SubQuery, seed)
		if err != nil {
			return updated, err
		}
		sub := &QueryRule{
			Base:      Base{Type: "elasticsearch.query", ID: r.ID, Labels: r.Labels, Description: r.Description},
			QueryBody: dependent,
		}
		count, err := sub.Apply(ctx, env)
		if err != nil {
			return updated, err
		}
		updated += count
	}
	return updated, nil
}

// ParentQueryRule labels base-query hits whose rendered parent query
// matches at least MinMatch documents, modeling hierarchical event
// relationships across indices.
type ParentQueryRule struct {
	Base      `mapstructure:",squash"`
	QueryBody `mapstructure:",squash"`

	// ParentQuery is the unrendered per-hit query template.
	ParentQuery map[string]any `mapstructure:"parent_query"`

	MinMatch        int `mapstructure:"min_match"`
	MaxResultWindow int `mapstructure:"max_result_window"`
}

func (r *ParentQueryRule) Apply(ctx context.Context, env *Env) (int64, error) {
	if len(r.ParentQuery) == 0 {
		return 0, fmt.Errorf("%w: rule %s: parent_query is required", errs.ErrConfigLoad, r.ID)
	}

	body := map[string]any{"query": r.boolQuery(env, r.ID, r.Labels, true)}
	var hits []index.Hit
	err := env.Store.Scan(ctx, r.indices(env), body, func(hit index.Hit) error {
		hits = append(hits, hit)
		return nil
	})
	if err != nil {
		return 0, err
	}

	matched := map[string][]string{}
	var matchedOrder []string
	for _, hit := range hits {
		parent, err := renderQueryBody(env, r.ParentQuery, hit)
		if err != nil {
			return 0, err
		}
		ok, err := r.checkParent(ctx, env, parent)
		if err != nil {
			return 0, err
		}
		if ok {
			if _, seen := matched[hit.Index]; !seen {
				matchedOrder = append(matchedOrder, hit.Index)
			}
			matched[hit.Index] = append(matched[hit.Index], hit.ID)
		}
	}

	return applyToIDs(ctx, env, matchedOrder, matched, r.MaxResultWindow, r.updateParams())
}

func (r *ParentQueryRule) checkParent(ctx context.Context, env *Env, parent QueryBody) (bool, error) {
	body := map[string]any{"query": parent.boolQuery(env, r.ID, r.Labels, false)}
	result, err := env.Store.Search(ctx, parent.indices(env), body, index.SearchOptions{Size: 0})
	if err != nil {
		return false, err
	}
	return result.Total >= int64(r.MinMatch), nil
}

// renderQueryBody renders a dependent/parent query template against a
// seed hit and decodes it. The hit document is exposed as HIT; its
// index and id as HIT_INDEX and HIT_ID.
func renderQueryBody(env *Env, raw map[string]any, hit index.Hit) (QueryBody, error) {
	vars := map[string]any{
		"HIT":       hit.Source,
		"HIT_INDEX": hit.Index,
		"HIT_ID":    hit.ID,
	}
	rendered, err := env.Renderer.RenderValue(raw, vars)
	if err != nil {
		return QueryBody{}, err
	}
	body := QueryBody{PrefixDataset: true}
	if err := decodeRule(rendered.(map[string]any), &body); err != nil {
		return QueryBody{}, fmt.Errorf("%w: dependent query: %v", errs.ErrConfigLoad, err)
	}
	return body, nil
}

// applyToIDs issues chunked id-list label updates per index.
func applyToIDs(ctx context.Context, env *Env, order []string, ids map[string][]string, chunkSize int, params map[string]any) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	var updated int64
	for _, indexName := range order {
		all := ids[indexName]
		for start := 0; start < len(all); start += chunkSize {
			end := start + chunkSize
			if end > len(all) {
				end = len(all)
			}
			body := map[string]any{
				"query": map[string]any{"ids": map[string]any{"values": all[start:end]}},
				"script": map[string]any{
					"id":     env.UpdateScriptID,
					"params": params,
				},
			}
			count, err := env.Store.UpdateByQuery(ctx, []string{indexName}, body)
			if err != nil {
				return updated, err
			}
			updated += count
		}
	}
	return updated, nil
}

// NoopRule does nothing. Useful for keeping a rule id reserved in a
// rule file without applying anything.
type NoopRule struct {
	Base `mapstructure:",squash"`
}

func (r *NoopRule) Apply(ctx context.Context, env *Env) (int64, error) {
	return 0, nil
}

// decodeRule decodes a rule mapping into its typed form, promoting
// scalars to single-element slices where the target wants a list.
func decodeRule(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			func(from reflect.Type, to reflect.Type, data any) (any, error) {
				if to.Kind() == reflect.Slice && from.Kind() != reflect.Slice {
					return []any{data}, nil
				}
				return data, nil
			},
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
