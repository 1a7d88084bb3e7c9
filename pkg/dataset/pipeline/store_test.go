package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/index/indextest"
	"github.com/rangelab/dataset/pkg/dataset/template"
)

func storeTestEnv(t *testing.T, fake *indextest.Fake) *Env {
	t.Helper()
	return &Env{
		DatasetDir: t.TempDir(),
		Dataset: config.Dataset{
			Name:  "testset",
			Start: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		Store:    fake,
		Renderer: template.New(),
	}
}

func TestComponentTemplateCreate(t *testing.T) {
	fake := &indextest.Fake{}
	env := storeTestEnv(t, fake)
	writeTempFile(t, env.DatasetDir, "component.json", `{"template": {"mappings": {}}}`)

	proc := &ComponentTemplateCreate{
		Template:     "component.json",
		TemplateName: "base-mappings",
	}
	require.NoError(t, proc.Execute(context.Background(), env))

	calls := fake.CallsFor("PutComponentTemplate")
	require.Len(t, calls, 1)
	assert.Equal(t, "base-mappings", calls[0].Name)
	assert.Contains(t, calls[0].Body, "template")
}

func TestIndexTemplateCreatePrefixesPatterns(t *testing.T) {
	fake := &indextest.Fake{}
	env := storeTestEnv(t, fake)
	writeTempFile(t, env.DatasetDir, "template.yaml", "template:\n  settings: {}\n")

	proc := &IndexTemplateCreate{
		Template:      "template.yaml",
		TemplateName:  "testset",
		IndexPatterns: []string{"apache-*", "audit-*"},
		PrefixDataset: true,
		Priority:      100,
		ComposedOf:    []string{"base-mappings"},
	}
	require.NoError(t, proc.Execute(context.Background(), env))

	calls := fake.CallsFor("PutIndexTemplate")
	require.Len(t, calls, 1)
	assert.Equal(t, "testset", calls[0].Name)
	assert.Equal(t, []string{"testset-apache-*", "testset-audit-*"}, calls[0].Body["index_patterns"])
	assert.Equal(t, 100, calls[0].Body["priority"])
	assert.Equal(t, []string{"base-mappings"}, calls[0].Body["composed_of"])
}

func TestIndexTemplateCreateKeepsFilePatterns(t *testing.T) {
	fake := &indextest.Fake{}
	env := storeTestEnv(t, fake)
	writeTempFile(t, env.DatasetDir, "template.yaml", "index_patterns: [\"raw-*\"]\ntemplate: {}\n")

	proc := &IndexTemplateCreate{Template: "template.yaml", TemplateName: "raw"}
	require.NoError(t, proc.Execute(context.Background(), env))

	calls := fake.CallsFor("PutIndexTemplate")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"raw-*"}, calls[0].Body["index_patterns"])
}

func TestLegacyTemplateCreate(t *testing.T) {
	fake := &indextest.Fake{}
	env := storeTestEnv(t, fake)
	writeTempFile(t, env.DatasetDir, "legacy.json", `{"settings": {}}`)

	proc := &LegacyTemplateCreate{
		Template:      "legacy.json",
		TemplateName:  "testset",
		IndexPatterns: []string{"*"},
		PrefixDataset: true,
		Order:         10,
	}
	require.NoError(t, proc.Execute(context.Background(), env))

	calls := fake.CallsFor("PutLegacyTemplate")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"testset-*"}, calls[0].Body["index_patterns"])
}

func TestIngestCreate(t *testing.T) {
	fake := &indextest.Fake{}
	env := storeTestEnv(t, fake)
	writeTempFile(t, env.DatasetDir, "ingest.yaml", "processors:\n  - set:\n      field: x\n      value: 1\n")

	proc := &IngestCreate{IngestPipeline: "ingest.yaml", IngestPipelineID: "pre-parse"}
	require.NoError(t, proc.Execute(context.Background(), env))

	calls := fake.CallsFor("PutIngestPipeline")
	require.Len(t, calls, 1)
	assert.Equal(t, "pre-parse", calls[0].Name)
	assert.Contains(t, calls[0].Body, "processors")
}

func TestLoadBodyRejectsNonMapping(t *testing.T) {
	fake := &indextest.Fake{}
	env := storeTestEnv(t, fake)
	writeTempFile(t, env.DatasetDir, "list.yaml", "- a\n- b\n")

	proc := &IngestCreate{IngestPipeline: "list.yaml", IngestPipelineID: "x"}
	assert.Error(t, proc.Execute(context.Background(), env))
}

func TestQueryFuncsSearch(t *testing.T) {
	fake := &indextest.Fake{
		SearchResults: []*index.SearchResult{
			{Total: 1, Hits: []index.Hit{{Index: "testset-apache", ID: "1"}}},
		},
	}
	funcs := QueryFuncs(context.Background(), fake, "testset")

	search := funcs["search"].(func(string, string) (*index.SearchResult, error))
	result, err := search("apache, audit", `{"query": {"match_all": {}}}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Total)

	calls := fake.CallsFor("Search")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"testset-apache", "testset-audit"}, calls[0].Indices)
	assert.Contains(t, calls[0].Body, "query")

	_, err = search("apache", "{invalid")
	assert.Error(t, err, "a malformed body must fail before reaching the store")
}

func TestQueryFuncsEQL(t *testing.T) {
	fake := &indextest.Fake{}
	funcs := QueryFuncs(context.Background(), fake, "testset")

	eql := funcs["eql"].(func(string, string) (*index.SequenceResult, error))
	_, err := eql("", `{"query": "sequence [any where true] [any where true]"}`)
	require.NoError(t, err)

	calls := fake.CallsFor("SequenceSearch")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"testset-*"}, calls[0].Indices)
}
