package labels

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/index/indextest"
)

func TestParseRules(t *testing.T) {
	labeler := NewLabeler()

	rules, err := labeler.Parse([]map[string]any{
		{
			"type":   "elasticsearch.query",
			"id":     "attack.scan",
			"labels": []any{"attack"},
			"index":  "apache",
			"query":  map[string]any{"match": map[string]any{"url": "/admin"}},
		},
		{
			"type":   "noop",
			"id":     "reserved",
			"labels": []any{"todo"},
		},
	})
	require.NoError(t, err)
	require.Len(t, rules, 2)

	query, ok := rules[0].(*QueryRule)
	require.True(t, ok)
	assert.Equal(t, "attack.scan", query.RuleID())
	assert.Equal(t, []string{"attack"}, query.RuleLabels())
	// scalars promote to single-element lists
	assert.Equal(t, []string{"apache"}, query.Index)
	assert.Len(t, query.Query, 1)
	assert.True(t, query.PrefixDataset, "dataset prefixing defaults to on")
}

func TestParseRulesRejectsDuplicatesAndUnknownKinds(t *testing.T) {
	labeler := NewLabeler()

	_, err := labeler.Parse([]map[string]any{
		{"type": "noop", "id": "same", "labels": []any{"x"}},
		{"type": "noop", "id": "same", "labels": []any{"y"}},
	})
	assert.Error(t, err, "duplicate rule ids must fail")

	_, err = labeler.Parse([]map[string]any{
		{"type": "what.is.this", "id": "r", "labels": []any{"x"}},
	})
	assert.Error(t, err)

	_, err = labeler.Parse([]map[string]any{
		{"id": "r", "labels": []any{"x"}},
	})
	assert.Error(t, err, "a rule without a type must fail")
}

func TestLoadRuleFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("10-b.yaml", "- type: noop\n  id: b\n  labels: [x]\n")
	write("00-a.yaml", "- type: noop\n  id: a\n  labels: [x]\n")
	write("notes.txt", "ignored")

	raw, err := LoadRuleFiles(dir)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, "a", raw[0]["id"], "rule files load in sorted path order")
	assert.Equal(t, "b", raw[1]["id"])
}

func TestLoadRuleFilesRejectsNonList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("type: noop\n"), 0o644))
	_, err := LoadRuleFiles(dir)
	assert.Error(t, err)
}

func TestApplyInstallsMappingAndScripts(t *testing.T) {
	fake := &indextest.Fake{}
	env := testRuleEnv(fake)

	labeler := NewLabeler()
	rules, err := labeler.Parse([]map[string]any{
		{"type": "noop", "id": "r1", "labels": []any{"x"}},
	})
	require.NoError(t, err)
	require.NoError(t, labeler.Apply(context.Background(), env, rules))

	mappings := fake.CallsFor("PutMapping")
	require.Len(t, mappings, 1)
	assert.Equal(t, []string{"testset-*"}, mappings[0].Indices)
	props := mappings[0].Body["properties"].(map[string]any)[DefaultLabelObject].(map[string]any)["properties"].(map[string]any)
	flat := props["flat"].(map[string]any)["properties"].(map[string]any)
	assert.Contains(t, flat, "r1")

	scripts := fake.CallsFor("PutScript")
	require.Len(t, scripts, 3)
	ids := []string{scripts[0].Name, scripts[1].Name, scripts[2].Name}
	assert.Contains(t, ids, "testset_label_update")
	assert.Contains(t, ids, "testset_label_filter")
	assert.Contains(t, ids, "testset_label_field")
}

func TestApplyContinuesPastFailingRule(t *testing.T) {
	fake := &indextest.Fake{
		ScanHits: [][]index.Hit{nil},
	}
	env := testRuleEnv(fake)

	labeler := NewLabeler()
	rules, err := labeler.Parse([]map[string]any{
		// sub_query without its dependent query template fails at apply
		{"type": "elasticsearch.sub_query", "id": "broken", "labels": []any{"x"}},
		{"type": "elasticsearch.query", "id": "fine", "labels": []any{"y"}},
	})
	require.NoError(t, err)

	err = labeler.Apply(context.Background(), env, rules)
	require.Error(t, err, "the failing rule is still reported")
	assert.Len(t, fake.CallsFor("UpdateByQuery"), 1, "later rules still run")
}

func TestLabelFileLine(t *testing.T) {
	hit := index.Hit{
		Index: "testset-apache",
		ID:    "1",
		Source: map[string]any{
			"log": map[string]any{"file": map[string]any{"line": float64(42)}},
			DefaultLabelObject: map[string]any{
				"rules": []any{"r1", "r2"},
				"list": map[string]any{
					"r1": []any{"attack"},
					"r2": []any{"attack", "scan"},
				},
			},
		},
	}

	data, err := labelFileLine(DefaultLabelObject, hit)
	require.NoError(t, err)

	var decoded struct {
		Line   float64             `json:"line"`
		Labels []string            `json:"labels"`
		Rules  map[string][]string `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(42), decoded.Line)
	assert.Equal(t, []string{"attack", "scan"}, decoded.Labels)
	assert.Equal(t, []string{"r1", "r2"}, decoded.Rules["attack"])
	assert.Equal(t, []string{"r2"}, decoded.Rules["scan"])
}

func TestLabelFileLineRequiresLabelObject(t *testing.T) {
	hit := index.Hit{Source: map[string]any{}}
	_, err := labelFileLine(DefaultLabelObject, hit)
	assert.Error(t, err)
}

func TestScriptSourceSubstitutesLabelObject(t *testing.T) {
	source := scriptSource(updateScript, "custom_labels")
	assert.Contains(t, source, "custom_labels")
	assert.NotContains(t, source, "{{ label_object }}")
}
