package sample

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/index/indextest"
)

func testSampler(fake *indextest.Fake, gatherDir string) *Sampler {
	return &Sampler{
		Store:          fake,
		FilterScriptID: "testset_label_filter",
		LabelObject:    "dataset_labels",
		GatherDir:      gatherDir,
	}
}

func TestDrawUnlabeledExcludesRuleCarriers(t *testing.T) {
	fake := &indextest.Fake{}
	s := testSampler(fake, t.TempDir())

	_, err := s.Draw(context.Background(), Options{Indices: []string{"testset-*"}})
	require.NoError(t, err)

	calls := fake.CallsFor("Search")
	require.Len(t, calls, 1)
	boolBody := calls[0].Body["query"].(map[string]any)["bool"].(map[string]any)
	mustNot := boolBody["must_not"].([]any)
	exists := mustNot[0].(map[string]any)["exists"].(map[string]any)
	assert.Equal(t, "dataset_labels.rules", exists["field"])
	assert.NotContains(t, boolBody, "filter")
}

func TestDrawLabeledUsesFilterScript(t *testing.T) {
	fake := &indextest.Fake{}
	s := testSampler(fake, t.TempDir())

	seed := int64(42)
	_, err := s.Draw(context.Background(), Options{
		Indices: []string{"testset-*"},
		Labels:  []string{"attack"},
		Seed:    &seed,
		Size:    5,
	})
	require.NoError(t, err)

	calls := fake.CallsFor("Search")
	require.Len(t, calls, 1)
	boolBody := calls[0].Body["query"].(map[string]any)["bool"].(map[string]any)

	filter := boolBody["filter"].([]any)
	script := filter[0].(map[string]any)["script"].(map[string]any)["script"].(map[string]any)
	assert.Equal(t, "testset_label_filter", script["id"])
	params := script["params"].(map[string]any)
	assert.Equal(t, []string{"attack"}, params["labels"])

	// seeded draws pin the random score to a field
	must := boolBody["must"].([]any)
	randomScore := must[0].(map[string]any)["function_score"].(map[string]any)["random_score"].(map[string]any)
	assert.Equal(t, int64(42), randomScore["seed"])
	assert.Equal(t, "_seq_no", randomScore["field"])
}

func TestDrawFileFilter(t *testing.T) {
	fake := &indextest.Fake{}
	s := testSampler(fake, t.TempDir())

	_, err := s.Draw(context.Background(), Options{
		Indices: []string{"testset-*"},
		Files:   []string{"/gather/a.log", "/gather/b.log"},
	})
	require.NoError(t, err)

	boolBody := fake.CallsFor("Search")[0].Body["query"].(map[string]any)["bool"].(map[string]any)
	filter := boolBody["filter"].([]any)
	should := filter[len(filter)-1].(map[string]any)["bool"].(map[string]any)["should"].([]any)
	assert.Len(t, should, 2)
}

func TestReadContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("l1\nl2\nl3\nl4\nl5\n"), 0o644))

	before, line, after, err := readContext(path, 3, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"l2"}, before)
	assert.Equal(t, "l3", line)
	assert.Equal(t, []string{"l4"}, after)

	// context windows clip at the file boundaries
	before, line, after, err = readContext(path, 1, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, before)
	assert.Equal(t, "l1", line)
	assert.Equal(t, []string{"l2", "l3", "l4", "l5"}, after)

	_, _, _, err = readContext(path, 99, 1, 1)
	assert.Error(t, err, "a line number beyond the file must fail")
}

func TestEnrich(t *testing.T) {
	gather := t.TempDir()
	logPath := filepath.Join(gather, "host/app.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("a\nb\nc\nd\ne\n"), 0o644))

	fake := &indextest.Fake{}
	s := testSampler(fake, gather)

	hit := index.Hit{
		Index: "testset-apache",
		ID:    "1",
		Source: map[string]any{
			"@timestamp": "2021-01-01T10:00:00Z",
			"log": map[string]any{"file": map[string]any{
				"path": logPath,
				"line": float64(3),
			}},
			"dataset_labels": map[string]any{
				"rules": []any{"r2", "r1"},
			},
		},
	}

	line, err := s.Enrich(context.Background(), hit, "attack", 1, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "attack", line.Label)
	assert.Equal(t, []string{"r1", "r2"}, line.Rules)
	assert.Equal(t, filepath.Join("host", "app.log"), line.Path)
	assert.Equal(t, int64(3), line.LineNo)
	assert.Equal(t, []string{"b"}, line.Before)
	assert.Equal(t, "c", line.Line)
	assert.Equal(t, []string{"d"}, line.After)
	assert.Empty(t, line.Related)
}

func TestEnrichRelated(t *testing.T) {
	gather := t.TempDir()
	logPath := filepath.Join(gather, "app.log")
	otherPath := filepath.Join(gather, "other.log")
	require.NoError(t, os.WriteFile(logPath, []byte("a\nb\n"), 0o644))

	fake := &indextest.Fake{
		SearchResults: []*index.SearchResult{
			{Total: 1, Hits: []index.Hit{{
				Index: "testset-audit",
				ID:    "9",
				Source: map[string]any{
					"@timestamp": "2021-01-01T10:00:01Z",
					"log": map[string]any{"file": map[string]any{
						"path": otherPath,
						"line": float64(7),
					}},
				},
			}}},
		},
	}
	s := testSampler(fake, gather)

	hit := index.Hit{
		Index: "testset-apache",
		ID:    "1",
		Source: map[string]any{
			"@timestamp": "2021-01-01T10:00:00Z",
			"log": map[string]any{"file": map[string]any{
				"path": logPath,
				"line": float64(1),
			}},
		},
	}

	line, err := s.Enrich(context.Background(), hit, "normal", 0, 0, []string{"testset-audit"})
	require.NoError(t, err)
	require.Len(t, line.Related, 1)
	assert.Equal(t, "other.log", line.Related[0].Path)
	assert.Equal(t, int64(7), line.Related[0].LineNo)

	// the closest lookup scores by time distance
	calls := fake.CallsFor("Search")
	require.Len(t, calls, 1)
	fs := calls[0].Body["query"].(map[string]any)["function_score"].(map[string]any)
	functions := fs["functions"].([]any)
	linear := functions[0].(map[string]any)["linear"].(map[string]any)["@timestamp"].(map[string]any)
	assert.Equal(t, "2021-01-01T10:00:00Z", linear["origin"])
	assert.Equal(t, "5d", linear["scale"])
}

func TestEnrichSkipsRelatedInSameFile(t *testing.T) {
	gather := t.TempDir()
	logPath := filepath.Join(gather, "app.log")
	require.NoError(t, os.WriteFile(logPath, []byte("a\n"), 0o644))

	fake := &indextest.Fake{
		SearchResults: []*index.SearchResult{
			{Total: 1, Hits: []index.Hit{{
				Index: "testset-apache",
				ID:    "2",
				Source: map[string]any{
					"@timestamp": "2021-01-01T10:00:01Z",
					"log": map[string]any{"file": map[string]any{
						"path": logPath,
						"line": float64(1),
					}},
				},
			}}},
		},
	}
	s := testSampler(fake, gather)

	hit := index.Hit{
		Source: map[string]any{
			"@timestamp": "2021-01-01T10:00:00Z",
			"log": map[string]any{"file": map[string]any{
				"path": logPath,
				"line": float64(1),
			}},
		},
	}

	line, err := s.Enrich(context.Background(), hit, "normal", 0, 0, []string{"testset-apache"})
	require.NoError(t, err)
	assert.Empty(t, line.Related, "the sample's own file is not a related neighbor")
}
