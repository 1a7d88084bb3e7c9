// Package sample draws random labeled or unlabeled log lines from the
// document store and enriches them with surrounding file context, for
// spot-checking labeling rule quality.
package sample

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rangelab/dataset/pkg/dataset/index"
)

// Sampler draws samples from one dataset's indices.
type Sampler struct {
	Store index.Client

	// FilterScriptID is the stored label filter script used to match
	// documents carrying a given label.
	FilterScriptID string

	// LabelObject is the document field holding the label bookkeeping
	// object.
	LabelObject string

	// GatherDir is the dataset gather directory; sample paths are
	// reported relative to it.
	GatherDir string

	Logger *slog.Logger
}

func (s *Sampler) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Options select what to sample.
type Options struct {
	// Labels to sample from. Empty samples only unlabeled lines.
	Labels []string

	// Files restricts the sample to the given log file paths.
	Files []string

	// Indices to draw from, including any negative exclude patterns.
	Indices []string

	// Size is the number of lines to draw.
	Size int

	// Seed fixes the random draw when non-nil, keyed on SeedField.
	Seed      *int64
	SeedField string

	// Start and Stop bound the sampled time window when non-zero.
	Start time.Time
	Stop  time.Time
}

// Line is one enriched sample.
type Line struct {
	Label   string    `json:"label"`
	Rules   []string  `json:"rules"`
	Path    string    `json:"path"`
	LineNo  int64     `json:"line_no"`
	Before  []string  `json:"before"`
	Line    string    `json:"line"`
	After   []string  `json:"after"`
	Related []Related `json:"related"`
}

// Related points at the log line in a related index closest in time to
// the sample.
type Related struct {
	Path      string `json:"path"`
	LineNo    int64  `json:"line_no"`
	Timestamp any    `json:"timestamp"`
}

// Draw returns a random selection of matching documents. With labels
// the stored filter script selects carriers of any of them; without
// labels only documents with no labeling rules at all match.
func (s *Sampler) Draw(ctx context.Context, opts Options) ([]index.Hit, error) {
	randomScore := map[string]any{}
	if opts.Seed != nil {
		seedField := opts.SeedField
		if seedField == "" {
			seedField = "_seq_no"
		}
		randomScore["seed"] = *opts.Seed
		randomScore["field"] = seedField
	}

	boolBody := map[string]any{
		"must": []any{
			map[string]any{"function_score": map[string]any{
				"random_score": randomScore,
			}},
		},
	}

	var filter []any
	if len(opts.Labels) == 0 {
		boolBody["must_not"] = []any{
			map[string]any{"exists": map[string]any{
				"field": fmt.Sprintf("%s.rules", s.LabelObject),
			}},
		}
	} else {
		filter = append(filter, map[string]any{"script": map[string]any{
			"script": map[string]any{
				"id":     s.FilterScriptID,
				"params": map[string]any{"labels": opts.Labels},
			},
		}})
	}

	timeRange := map[string]any{}
	if !opts.Start.IsZero() {
		timeRange["gte"] = opts.Start.Format(time.RFC3339Nano)
	}
	if !opts.Stop.IsZero() {
		timeRange["lte"] = opts.Stop.Format(time.RFC3339Nano)
	}
	if len(timeRange) > 0 {
		filter = append(filter, map[string]any{"range": map[string]any{
			"@timestamp": timeRange,
		}})
	}

	if len(opts.Files) > 0 {
		should := make([]any, len(opts.Files))
		for i, file := range opts.Files {
			should[i] = map[string]any{"match": map[string]any{"log.file.path": file}}
		}
		filter = append(filter, map[string]any{"bool": map[string]any{"should": should}})
	}

	if len(filter) > 0 {
		boolBody["filter"] = filter
	}

	size := opts.Size
	if size <= 0 {
		size = 10
	}

	body := map[string]any{"query": map[string]any{"bool": boolBody}}
	result, err := s.Store.Search(ctx, opts.Indices, body, index.SearchOptions{
		Size: size,
		Sort: []map[string]string{{"_score": "asc"}},
		Source: []string{
			"@timestamp",
			"log",
			fmt.Sprintf("%s.list", s.LabelObject),
			fmt.Sprintf("%s.rules", s.LabelObject),
			"type",
		},
	})
	if err != nil {
		return nil, err
	}
	return result.Hits, nil
}

// Enrich reads the sampled line and its surrounding context from the
// gathered log file and looks up the closest event in each related
// index.
func (s *Sampler) Enrich(ctx context.Context, hit index.Hit, label string, before, after int, related []string) (*Line, error) {
	path, err := lookupString(hit.Source, "log", "file", "path")
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", hit.ID, err)
	}
	lineNo, err := lookupInt(hit.Source, "log", "file", "line")
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", hit.ID, err)
	}

	beforeLines, sampleLine, afterLines, err := readContext(path, lineNo, before, after)
	if err != nil {
		return nil, err
	}

	relPath, err := filepath.Rel(s.GatherDir, path)
	if err != nil {
		relPath = path
	}

	line := &Line{
		Label:  label,
		Rules:  s.ruleIDs(hit),
		Path:   relPath,
		LineNo: lineNo,
		Before: beforeLines,
		Line:   sampleLine,
		After:  afterLines,
	}

	timestamp := hit.Source["@timestamp"]
	for _, rel := range related {
		closest, err := s.closest(ctx, rel, timestamp)
		if err != nil {
			return nil, err
		}
		if closest == nil {
			continue
		}
		closestPath, err := lookupString(closest.Source, "log", "file", "path")
		if err != nil || closestPath == path {
			continue
		}
		closestLine, err := lookupInt(closest.Source, "log", "file", "line")
		if err != nil {
			continue
		}
		closestRel, err := filepath.Rel(s.GatherDir, closestPath)
		if err != nil {
			closestRel = closestPath
		}
		line.Related = append(line.Related, Related{
			Path:      closestRel,
			LineNo:    closestLine,
			Timestamp: closest.Source["@timestamp"],
		})
	}

	return line, nil
}

// closest returns the event in the related index nearest in time to the
// given timestamp, using a linear decay score over a 5 day window.
func (s *Sampler) closest(ctx context.Context, related string, timestamp any) (*index.Hit, error) {
	body := map[string]any{
		"query": map[string]any{"function_score": map[string]any{
			"functions": []any{
				map[string]any{"linear": map[string]any{
					"@timestamp": map[string]any{"origin": timestamp, "scale": "5d"},
				}},
			},
			"score_mode": "multiply",
			"boost_mode": "multiply",
		}},
	}
	result, err := s.Store.Search(ctx, []string{related}, body, index.SearchOptions{
		Size: 1,
		Sort: []map[string]string{{"_score": "desc"}, {"log.file.line": "asc"}},
	})
	if err != nil {
		return nil, err
	}
	if len(result.Hits) == 0 {
		return nil, nil
	}
	hit := result.Hits[0]
	return &hit, nil
}

// ruleIDs lists the labeling rules applied to a sampled document.
func (s *Sampler) ruleIDs(hit index.Hit) []string {
	labelObj, ok := hit.Source[s.LabelObject].(map[string]any)
	if !ok {
		return []string{}
	}
	// the label update script stores the applied rules as a list
	rules, ok := labelObj["rules"].([]any)
	if !ok {
		return []string{}
	}
	ids := make([]string, 0, len(rules))
	for _, id := range rules {
		if s, ok := id.(string); ok {
			ids = append(ids, s)
		}
	}
	sort.Strings(ids)
	return ids
}

// readContext reads the sample line plus the requested lines before and
// after it, streaming the file once.
func readContext(path string, lineNo int64, before, after int) (beforeLines []string, line string, afterLines []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", nil, err
	}
	defer f.Close()

	start := lineNo - int64(before)
	if start < 0 {
		start = 0
	}
	end := lineNo + int64(after)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var found bool
	var no int64
	for scanner.Scan() {
		no++
		switch {
		case no >= start && no < lineNo:
			beforeLines = append(beforeLines, scanner.Text())
		case no == lineNo:
			line = scanner.Text()
			found = true
		case no > lineNo && no <= end:
			afterLines = append(afterLines, scanner.Text())
		case no > end:
			return beforeLines, line, afterLines, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", nil, err
	}
	if !found {
		return nil, "", nil, fmt.Errorf("sample line %d not found in %s", lineNo, path)
	}
	return beforeLines, line, afterLines, nil
}

func lookupString(source map[string]any, path ...string) (string, error) {
	value, err := lookup(source, path...)
	if err != nil {
		return "", err
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("field %v is not a string", path)
	}
	return str, nil
}

func lookupInt(source map[string]any, path ...string) (int64, error) {
	value, err := lookup(source, path...)
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("field %v is not a number", path)
	}
}

func lookup(source map[string]any, path ...string) (any, error) {
	var current any = source
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %v missing", path)
		}
		current, ok = node[key]
		if !ok {
			return nil, fmt.Errorf("field %v missing", path)
		}
	}
	return current, nil
}
