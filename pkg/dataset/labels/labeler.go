package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rangelab/dataset/pkg/dataset"
	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/errs"
	"github.com/rangelab/dataset/pkg/dataset/index"
)

// DefaultLabelObject is the document field holding label bookkeeping
// unless a run overrides it.
const DefaultLabelObject = "dataset_labels"

// Factory creates an empty rule with its defaults applied.
type Factory func() Rule

// Labeler drives a labeling run: it parses rule files, installs the
// label mapping and scripts, applies the rules and writes label files.
type Labeler struct {
	kinds       map[string]Factory
	LabelObject string
}

// NewLabeler returns a labeler with the built-in rule kinds.
func NewLabeler() *Labeler {
	l := &Labeler{
		kinds:       map[string]Factory{},
		LabelObject: DefaultLabelObject,
	}
	l.RegisterKind("noop", func() Rule { return &NoopRule{} })
	l.RegisterKind("elasticsearch.query", func() Rule {
		return &QueryRule{QueryBody: QueryBody{PrefixDataset: true}}
	})
	l.RegisterKind("elasticsearch.sub_query", func() Rule {
		return &SubQueryRule{QueryBody: QueryBody{PrefixDataset: true}}
	})
	l.RegisterKind("elasticsearch.parent_query", func() Rule {
		return &ParentQueryRule{
			QueryBody:       QueryBody{PrefixDataset: true},
			MinMatch:        1,
			MaxResultWindow: 10000,
		}
	})
	l.RegisterKind("elasticsearch.sequence", func() Rule {
		return &SequenceRule{
			EventCategoryField: "event.category",
			TimestampField:     "@timestamp",
			BatchSize:          1000,
			MaxResultWindow:    10000,
			PrefixDataset:      true,
		}
	})
	return l
}

// RegisterKind adds a rule kind to the labeler.
func (l *Labeler) RegisterKind(kind string, factory Factory) {
	l.kinds[kind] = factory
}

// LoadRuleFiles reads every YAML/JSON rule file below dir in sorted
// path order. Each file holds a list of rule mappings.
func LoadRuleFiles(dir string) ([]map[string]any, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".json":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfigLoad, err)
	}
	sort.Strings(files)

	var rules []map[string]any
	for _, file := range files {
		data, err := config.LoadAny(file)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		list, ok := data.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule file %s must hold a list of rules, got %T", errs.ErrConfigLoad, file, data)
		}
		for i, entry := range list {
			rule, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: rule file %s entry %d must be a mapping, got %T", errs.ErrConfigLoad, file, i, entry)
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// Parse decodes and validates raw rule mappings. Rule ids must be
// unique across the whole run.
func (l *Labeler) Parse(raw []map[string]any) ([]Rule, error) {
	seen := map[string]bool{}
	rules := make([]Rule, 0, len(raw))
	for i, entry := range raw {
		kind, _ := entry["type"].(string)
		if kind == "" {
			return nil, fmt.Errorf("%w: rule %d has no type", errs.ErrConfigLoad, i)
		}
		factory, ok := l.kinds[kind]
		if !ok {
			return nil, fmt.Errorf("%w: unknown rule type %q", errs.ErrConfigLoad, kind)
		}
		rule := factory()
		if err := decodeRule(entry, rule); err != nil {
			return nil, fmt.Errorf("%w: rule %v: %v", errs.ErrConfigLoad, entry["id"], err)
		}
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		if seen[rule.RuleID()] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", errs.ErrConfigLoad, rule.RuleID())
		}
		seen[rule.RuleID()] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func validateRule(rule Rule) error {
	if v, ok := rule.(interface{ validate() error }); ok {
		return v.validate()
	}
	return nil
}

// installMapping registers keyword mappings for every rule's label
// fields. Sequence queries cannot test the existence of unmapped
// fields, so the mapping is created up front for all rules.
func (l *Labeler) installMapping(ctx context.Context, env *Env, rules []Rule) error {
	flat := map[string]any{}
	list := map[string]any{}
	for _, rule := range rules {
		flat[rule.RuleID()] = map[string]any{"type": "keyword"}
		list[rule.RuleID()] = map[string]any{"type": "keyword"}
	}
	body := map[string]any{
		"properties": map[string]any{
			l.LabelObject: map[string]any{
				"properties": map[string]any{
					"flat":  map[string]any{"properties": flat},
					"list":  map[string]any{"properties": list},
					"rules": map[string]any{"type": "keyword"},
				},
			},
		},
	}
	return env.Store.PutMapping(ctx, []string{env.Dataset.Name + "-*"}, body)
}

// Apply installs the label mapping and scripts and applies every rule
// in order. A failing rule does not stop the remaining rules; all rule
// errors are joined and reported at the end.
func (l *Labeler) Apply(ctx context.Context, env *Env, rules []Rule) error {
	if env.LabelObject == "" {
		env.LabelObject = l.LabelObject
	}
	if env.UpdateScriptID == "" {
		env.UpdateScriptID = UpdateScriptID(env.Dataset.Name)
	}

	if err := l.installMapping(ctx, env, rules); err != nil {
		return fmt.Errorf("%w: install label mapping: %v", errs.ErrRuleApplication, err)
	}
	if err := InstallScripts(ctx, env.Store, env.Dataset.Name, env.LabelObject); err != nil {
		return fmt.Errorf("%w: install label scripts: %v", errs.ErrRuleApplication, err)
	}

	var failures []error
	for _, rule := range rules {
		env.log().Info("applying rule", "rule", rule.RuleID())
		updated, err := rule.Apply(ctx, env)
		if err != nil {
			failures = append(failures, fmt.Errorf("%w: rule %s: %v", errs.ErrRuleApplication, rule.RuleID(), err))
			env.log().Error("rule failed", "rule", rule.RuleID(), "error", err)
			continue
		}
		env.log().Info("rule applied", "rule", rule.RuleID(), "labels", rule.RuleLabels(), "updated", updated)
	}
	return errors.Join(failures...)
}

// labeledFiles lists every gathered file holding at least one labeled
// event.
func (l *Labeler) labeledFiles(ctx context.Context, env *Env, indices []string, skip []string) ([]string, error) {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"exists": map[string]any{"field": env.LabelObject + ".rules"}},
				},
			},
		},
		"aggs": map[string]any{
			"files": map[string]any{
				"composite": map[string]any{
					"sources": []any{
						map[string]any{"path": map[string]any{"terms": map[string]any{"field": "log.file.path"}}},
					},
				},
			},
		},
	}
	buckets, err := env.Store.CompositeScan(ctx, indices, "files", body)
	if err != nil {
		return nil, err
	}

	skipSet := map[string]bool{}
	for _, path := range skip {
		skipSet[path] = true
	}
	var files []string
	for _, bucket := range buckets {
		path := fmt.Sprint(bucket.Key["path"])
		if !skipSet[path] {
			files = append(files, path)
		}
	}
	return files, nil
}

// Write mirrors the labels of every labeled file into the labels
// directory: one JSON line per labeled event carrying its line number,
// distinct labels and the rules behind each label.
func (l *Labeler) Write(ctx context.Context, env *Env, indices []string, skipFiles []string) error {
	if env.LabelObject == "" {
		env.LabelObject = l.LabelObject
	}

	files, err := l.labeledFiles(ctx, env, indices, skipFiles)
	if err != nil {
		return fmt.Errorf("%w: list labeled files: %v", errs.ErrRuleApplication, err)
	}

	gatherDir := filepath.Join(env.DatasetDir, dataset.GatherDir)
	labelsDir := filepath.Join(env.DatasetDir, dataset.LabelsDir)

	for _, file := range files {
		rel, err := filepath.Rel(gatherDir, file)
		if err != nil || strings.HasPrefix(rel, "..") {
			env.log().Warn("skipping labeled file outside the gather directory", "path", file)
			continue
		}
		dest := filepath.Join(labelsDir, rel)
		env.log().Info("writing label file", "src", file, "dest", dest)
		if err := l.writeLabelFile(ctx, env, file, dest); err != nil {
			return err
		}
	}
	return nil
}

func (l *Labeler) writeLabelFile(ctx context.Context, env *Env, srcPath, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"exists": map[string]any{"field": env.LabelObject + ".rules"}},
					map[string]any{"term": map[string]any{"log.file.path": srcPath}},
				},
			},
		},
		"sort": []any{map[string]any{"log.file.line": "asc"}},
	}

	indices := []string{env.Dataset.Name + "-*"}
	err = env.Store.Scan(ctx, indices, body, func(hit index.Hit) error {
		line, err := labelFileLine(env.LabelObject, hit)
		if err != nil {
			return fmt.Errorf("event %s/%s: %w", hit.Index, hit.ID, err)
		}
		if _, err := out.Write(line); err != nil {
			return err
		}
		_, err = out.Write([]byte{'\n'})
		return err
	})
	if err != nil {
		return err
	}
	return out.Close()
}

// labelFileLine builds the label JSON for one labeled event.
func labelFileLine(labelObject string, hit index.Hit) ([]byte, error) {
	bookkeeping, ok := hit.Source[labelObject].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing label object %q", labelObject)
	}
	rules, _ := bookkeeping["rules"].([]any)
	list, _ := bookkeeping["list"].(map[string]any)

	byLabel := map[string][]string{}
	var labelOrder []string
	for _, rawRule := range rules {
		rule := fmt.Sprint(rawRule)
		ruleLabels, _ := list[rule].([]any)
		for _, rawLabel := range ruleLabels {
			label := fmt.Sprint(rawLabel)
			if _, seen := byLabel[label]; !seen {
				labelOrder = append(labelOrder, label)
			}
			byLabel[label] = append(byLabel[label], rule)
		}
	}

	info := map[string]any{
		"line":   lookupField(hit.Source, "log", "file", "line"),
		"labels": labelOrder,
		"rules":  byLabel,
	}
	if multiline := lookupField(hit.Source, "log", "file", "multiline"); multiline != nil {
		info["multiline"] = multiline
	}
	return json.Marshal(info)
}

func lookupField(source map[string]any, path ...string) any {
	var current any = source
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = node[key]
	}
	return current
}

// LabelCounts aggregates the number of labeled events per label and
// file using a runtime field emitting each document's distinct labels.
func LabelCounts(ctx context.Context, env *Env, indices []string) ([]index.Bucket, error) {
	labelObject := env.LabelObject
	if labelObject == "" {
		labelObject = DefaultLabelObject
	}
	body := map[string]any{
		"runtime_mappings": map[string]any{
			"labels": map[string]any{
				"type":   "keyword",
				"script": scriptSource(aggregateFieldScript, labelObject),
			},
		},
		"aggs": map[string]any{
			"labels": map[string]any{
				"composite": map[string]any{
					"sources": []any{
						map[string]any{"label": map[string]any{"terms": map[string]any{"field": "labels"}}},
					},
				},
				"aggs": map[string]any{
					"files": map[string]any{"terms": map[string]any{"field": "log.file.path"}},
				},
			},
		},
	}
	return env.Store.CompositeScan(ctx, indices, "labels", body)
}
