package pipeline

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/index"
)

// loadBody reads a YAML/JSON request body file and requires a mapping
// at the top level.
func loadBody(path string) (map[string]any, error) {
	data, err := config.LoadAny(path)
	if err != nil {
		return nil, err
	}
	body, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a mapping at the top level, got %T", path, data)
	}
	return body, nil
}

// ComponentTemplateCreate installs an index component template in the
// document store before the parsing phase.
type ComponentTemplateCreate struct {
	Base `mapstructure:",squash"`

	Template     string `mapstructure:"template"`
	TemplateName string `mapstructure:"template_name"`
	CreateOnly   bool   `mapstructure:"create_only"`
}

func (p *ComponentTemplateCreate) Execute(ctx context.Context, env *Env) error {
	body, err := loadBody(resolvePath(env.DatasetDir, p.Template))
	if err != nil {
		return err
	}
	return env.Store.PutComponentTemplate(ctx, p.TemplateName, body, p.CreateOnly)
}

// IndexTemplateCreate installs a composable index template, optionally
// rewriting its index patterns to the dataset namespace.
type IndexTemplateCreate struct {
	Base `mapstructure:",squash"`

	Template      string   `mapstructure:"template"`
	TemplateName  string   `mapstructure:"template_name"`
	IndexPatterns []string `mapstructure:"index_patterns"`
	PrefixDataset bool     `mapstructure:"indices_prefix_dataset"`
	Priority      int      `mapstructure:"priority"`
	ComposedOf    []string `mapstructure:"composed_of"`
	CreateOnly    bool     `mapstructure:"create_only"`
}

func (p *IndexTemplateCreate) Execute(ctx context.Context, env *Env) error {
	body, err := loadBody(resolvePath(env.DatasetDir, p.Template))
	if err != nil {
		return err
	}
	if p.IndexPatterns != nil {
		body["index_patterns"] = templatePatterns(env.Dataset.Name, p.PrefixDataset, p.IndexPatterns)
	}
	body["priority"] = p.Priority
	if p.ComposedOf != nil {
		body["composed_of"] = p.ComposedOf
	}
	return env.Store.PutIndexTemplate(ctx, p.TemplateName, body, p.CreateOnly)
}

// LegacyTemplateCreate installs a v1 index template for stores that do
// not support composable templates yet.
type LegacyTemplateCreate struct {
	Base `mapstructure:",squash"`

	Template      string   `mapstructure:"template"`
	TemplateName  string   `mapstructure:"template_name"`
	IndexPatterns []string `mapstructure:"index_patterns"`
	PrefixDataset bool     `mapstructure:"indices_prefix_dataset"`
	Order         int      `mapstructure:"order"`
	CreateOnly    bool     `mapstructure:"create_only"`
}

func (p *LegacyTemplateCreate) Execute(ctx context.Context, env *Env) error {
	body, err := loadBody(resolvePath(env.DatasetDir, p.Template))
	if err != nil {
		return err
	}
	if p.IndexPatterns != nil {
		body["index_patterns"] = templatePatterns(env.Dataset.Name, p.PrefixDataset, p.IndexPatterns)
	}
	return env.Store.PutLegacyTemplate(ctx, p.TemplateName, body, p.CreateOnly, p.Order)
}

// IngestCreate installs an ingest pipeline used for upstream parsing.
type IngestCreate struct {
	Base `mapstructure:",squash"`

	IngestPipeline   string `mapstructure:"ingest_pipeline"`
	IngestPipelineID string `mapstructure:"ingest_pipeline_id"`
}

func (p *IngestCreate) Execute(ctx context.Context, env *Env) error {
	body, err := loadBody(resolvePath(env.DatasetDir, p.IngestPipeline))
	if err != nil {
		return err
	}
	return env.Store.PutIngestPipeline(ctx, p.IngestPipelineID, body)
}

func templatePatterns(datasetName string, prefix bool, patterns []string) []string {
	if !prefix {
		return patterns
	}
	out := make([]string, len(patterns))
	for i, pattern := range patterns {
		out[i] = fmt.Sprintf("%s-%s", datasetName, pattern)
	}
	return out
}

func parseBodyString(body string) (map[string]any, error) {
	var out map[string]any
	if err := yaml.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("query body is not valid YAML/JSON: %w", err)
	}
	return out, nil
}

func splitPattern(pattern string) []string {
	if pattern == "" {
		return nil
	}
	parts := strings.Split(pattern, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

// QueryFuncs exposes read-only document store helpers to template
// rendering. The search and eql functions take an index pattern
// (dataset-prefixed, comma separated) and a YAML/JSON body string.
func QueryFuncs(ctx context.Context, store index.Client, datasetName string) map[string]any {
	return map[string]any{
		"search": func(pattern, body string) (*index.SearchResult, error) {
			query, err := parseBodyString(body)
			if err != nil {
				return nil, err
			}
			indices := index.ResolveIndices(datasetName, true, splitPattern(pattern))
			return store.Search(ctx, indices, query, index.SearchOptions{})
		},
		"eql": func(pattern, body string) (*index.SequenceResult, error) {
			query, err := parseBodyString(body)
			if err != nil {
				return nil, err
			}
			indices := index.ResolveIndices(datasetName, true, splitPattern(pattern))
			return store.SequenceSearch(ctx, indices, query)
		},
	}
}
