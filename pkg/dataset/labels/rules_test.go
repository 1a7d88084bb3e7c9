package labels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/index/indextest"
	"github.com/rangelab/dataset/pkg/dataset/template"
)

func testRuleEnv(fake *indextest.Fake) *Env {
	return &Env{
		Dataset:        config.Dataset{Name: "testset"},
		Store:          fake,
		Renderer:       template.New(),
		UpdateScriptID: UpdateScriptID("testset"),
		LabelObject:    DefaultLabelObject,
	}
}

func TestQueryRuleBodyAndIdempotence(t *testing.T) {
	fake := &indextest.Fake{UpdatedCounts: []int64{7}}
	env := testRuleEnv(fake)

	rule := &QueryRule{
		Base: Base{Type: "elasticsearch.query", ID: "attack.scan", Labels: []string{"attack", "scan"}},
		QueryBody: QueryBody{
			Index:         []string{"apache"},
			Query:         []map[string]any{{"match": map[string]any{"url": "/admin"}}},
			Exclude:       []map[string]any{{"term": map[string]any{"src": "10.0.0.1"}}},
			PrefixDataset: true,
		},
	}

	updated, err := rule.Apply(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated)

	calls := fake.CallsFor("UpdateByQuery")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"testset-apache"}, calls[0].Indices)

	script := calls[0].Body["script"].(map[string]any)
	assert.Equal(t, "testset_label_update", script["id"])
	params := script["params"].(map[string]any)
	assert.Equal(t, "attack.scan", params["rule"])
	assert.Equal(t, []string{"attack", "scan"}, params["labels"])

	// re-runs must not re-match already labeled documents: the query
	// carries a must_not term on the rule's flat bookkeeping value
	boolBody := calls[0].Body["query"].(map[string]any)["bool"].(map[string]any)
	mustNot := boolBody["must_not"].([]any)
	require.Len(t, mustNot, 2)
	exclusion := mustNot[0].(map[string]any)["term"].(map[string]any)
	assert.Equal(t, "attack;scan", exclusion["dataset_labels.flat.attack.scan"])
	assert.Len(t, boolBody["must"], 1)
}

func TestQueryRuleDefaultsToWholeDataset(t *testing.T) {
	fake := &indextest.Fake{}
	env := testRuleEnv(fake)

	rule := &QueryRule{
		Base:      Base{ID: "r", Labels: []string{"x"}},
		QueryBody: QueryBody{PrefixDataset: true},
	}
	_, err := rule.Apply(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"testset-*"}, fake.CallsFor("UpdateByQuery")[0].Indices)
}

func TestSubQueryRuleZeroSeedsShortCircuits(t *testing.T) {
	fake := &indextest.Fake{}
	env := testRuleEnv(fake)

	rule := &SubQueryRule{
		Base:      Base{ID: "r", Labels: []string{"x"}},
		QueryBody: QueryBody{PrefixDataset: true},
		SubQuery:  map[string]any{"query": []any{map[string]any{"term": map[string]any{"pid": "{{ get .HIT \"pid\" }}"}}}},
	}

	updated, err := rule.Apply(context.Background(), env)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Len(t, fake.CallsFor("Scan"), 1)
	assert.Empty(t, fake.CallsFor("UpdateByQuery"), "no dependent query may be issued without seeds")
}

func TestSubQueryRuleRendersPerSeed(t *testing.T) {
	fake := &indextest.Fake{
		ScanHits: [][]index.Hit{{
			{Index: "testset-audit", ID: "1", Source: map[string]any{"pid": "101"}},
			{Index: "testset-audit", ID: "2", Source: map[string]any{"pid": "202"}},
		}},
		UpdatedCounts: []int64{3, 4},
	}
	env := testRuleEnv(fake)

	rule := &SubQueryRule{
		Base:      Base{ID: "r", Labels: []string{"x"}},
		QueryBody: QueryBody{Index: []string{"audit"}, PrefixDataset: true},
		SubQuery: map[string]any{
			"index": []any{"audit"},
			"query": []any{map[string]any{"term": map[string]any{"ppid": "{{ get .HIT \"pid\" }}"}}},
		},
	}

	updated, err := rule.Apply(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated)

	calls := fake.CallsFor("UpdateByQuery")
	require.Len(t, calls, 2)
	first := calls[0].Body["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	term := first[0].(map[string]any)["term"].(map[string]any)
	assert.Equal(t, "101", term["ppid"])
	second := calls[1].Body["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	term = second[0].(map[string]any)["term"].(map[string]any)
	assert.Equal(t, "202", term["ppid"])
}

func TestParentQueryRuleLabelsOnlyMatchedHits(t *testing.T) {
	fake := &indextest.Fake{
		ScanHits: [][]index.Hit{{
			{Index: "testset-web", ID: "a", Source: map[string]any{"session": "s1"}},
			{Index: "testset-web", ID: "b", Source: map[string]any{"session": "s2"}},
		}},
		// first parent check matches, second does not
		SearchResults: []*index.SearchResult{
			{Total: 2},
			{Total: 0},
		},
		UpdatedCounts: []int64{1},
	}
	env := testRuleEnv(fake)

	rule := &ParentQueryRule{
		Base:      Base{ID: "r", Labels: []string{"x"}},
		QueryBody: QueryBody{Index: []string{"web"}, PrefixDataset: true},
		ParentQuery: map[string]any{
			"index": []any{"auth"},
			"query": []any{map[string]any{"term": map[string]any{"session": "{{ get .HIT \"session\" }}"}}},
		},
		MinMatch:        1,
		MaxResultWindow: 10000,
	}

	updated, err := rule.Apply(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	calls := fake.CallsFor("UpdateByQuery")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"testset-web"}, calls[0].Indices)
	ids := calls[0].Body["query"].(map[string]any)["ids"].(map[string]any)["values"].([]string)
	assert.Equal(t, []string{"a"}, ids, "only the hit whose parent query matched is labeled")
}

func TestApplyToIDsChunks(t *testing.T) {
	fake := &indextest.Fake{UpdatedCounts: []int64{2, 1}}
	env := testRuleEnv(fake)

	updated, err := applyToIDs(context.Background(), env,
		[]string{"idx"}, map[string][]string{"idx": {"1", "2", "3"}},
		2, map[string]any{"rule": "r", "labels": []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated)

	calls := fake.CallsFor("UpdateByQuery")
	require.Len(t, calls, 2)
	first := calls[0].Body["query"].(map[string]any)["ids"].(map[string]any)["values"].([]string)
	second := calls[1].Body["query"].(map[string]any)["ids"].(map[string]any)["values"].([]string)
	assert.Equal(t, []string{"1", "2"}, first)
	assert.Equal(t, []string{"3"}, second)
}

func TestBaseValidate(t *testing.T) {
	base := &Base{}
	assert.Error(t, base.validate(), "a rule without an id must fail")

	base = &Base{ID: "r"}
	assert.Error(t, base.validate(), "a rule without labels must fail")

	base = &Base{ID: "r", Labels: []string{"a;b"}}
	assert.Error(t, base.validate(), "semicolons collide with the flat label encoding")

	base = &Base{ID: "r", Labels: []string{"ok"}}
	assert.NoError(t, base.validate())
}
