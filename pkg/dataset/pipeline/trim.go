package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rangelab/dataset/pkg/dataset/index"
)

// Trim removes every log event outside the dataset observation window,
// both from the document store and from the gathered files on disk, and
// shifts the stored line numbers so they keep matching the trimmed
// files.
type Trim struct {
	Base `mapstructure:",squash"`

	// Start and End override the dataset observation window.
	Start time.Time `mapstructure:"start"`
	End   time.Time `mapstructure:"end"`

	Indices []string `mapstructure:"indices"`

	// Exclude removes matching indices from the trim even when covered
	// by an indices pattern.
	Exclude []string `mapstructure:"exclude"`

	PrefixDataset bool `mapstructure:"indices_prefix_dataset"`
}

func (p *Trim) Execute(ctx context.Context, env *Env) error {
	indices := index.ResolveIndices(env.Dataset.Name, p.PrefixDataset, p.Indices)
	// negative patterns only take effect after the positive ones
	indices = append(indices, index.ExcludeIndices(env.Dataset.Name, p.PrefixDataset, p.Exclude)...)

	start := p.Start
	if start.IsZero() {
		start = env.Dataset.Start
	}
	end := p.End
	if end.IsZero() {
		end = env.Dataset.End
	}

	before, err := env.Store.CompositeScan(ctx, indices, "files", lineStatsBody())
	if err != nil {
		return err
	}
	docsBefore := make(map[string]int64, len(before))
	for _, bucket := range before {
		docsBefore[bucketPath(bucket)] = bucket.DocCount
	}

	deleted, err := env.Store.DeleteByQuery(ctx, indices, map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must_not": []any{
					map[string]any{"range": map[string]any{"@timestamp": map[string]any{
						"gte": start.UTC().Format(time.RFC3339Nano),
						"lt":  end.UTC().Format(time.RFC3339Nano),
					}}},
				},
			},
		},
	})
	if err != nil {
		return err
	}
	env.log().Info("removed events outside the observation window", "deleted", deleted)

	after, err := env.Store.CompositeScan(ctx, indices, "files", lineStatsBody())
	if err != nil {
		return err
	}

	adjust := map[string]any{}
	for _, bucket := range after {
		path := bucketPath(bucket)
		firstLine := int64(bucket.Metrics["min_line"])
		lastLine := int64(bucket.Metrics["max_line"])

		// when the surviving tail already ends at the file's last line,
		// skip the truncation read
		if docsBefore[path]-(firstLine-1) == lastLine {
			lastLine = 0
		}
		if err := TrimFile(path, firstLine, lastLine); err != nil {
			return err
		}
		delete(docsBefore, path)

		if firstLine > 1 {
			adjust[path] = firstLine - 1
		}
	}

	// files with no surviving events disappear entirely
	for path := range docsBefore {
		env.log().Info("removing file without events inside the observation window", "path", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if len(adjust) == 0 {
		return nil
	}

	paths := make([]any, 0, len(adjust))
	for path := range adjust {
		paths = append(paths, path)
	}
	_, err = env.Store.UpdateByQuery(ctx, indices, map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"terms": map[string]any{"log.file.path": paths}},
				},
			},
		},
		"script": map[string]any{
			"lang":   "painless",
			"source": "ctx._source.log.file.line -= params[ctx._source.log.file.path]",
			"params": adjust,
		},
	})
	return err
}

func lineStatsBody() map[string]any {
	return map[string]any{
		"aggs": map[string]any{
			"files": map[string]any{
				"composite": map[string]any{
					"sources": []any{
						map[string]any{"path": map[string]any{"terms": map[string]any{"field": "log.file.path"}}},
					},
				},
				"aggs": map[string]any{
					"min_line": map[string]any{"min": map[string]any{"field": "log.file.line"}},
					"max_line": map[string]any{"max": map[string]any{"field": "log.file.line"}},
				},
			},
		},
	}
}

func bucketPath(bucket index.Bucket) string {
	return fmt.Sprint(bucket.Key["path"])
}

// TrimFile drops every line before firstLine and after lastLine
// (1-based, inclusive). A lastLine of zero keeps the file tail.
func TrimFile(path string, firstLine, lastLine int64) error {
	if firstLine <= 1 && lastLine == 0 {
		return nil
	}

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".trim-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	reader := bufio.NewReader(in)
	var lineNo int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if lineNo >= firstLine && (lastLine == 0 || lineNo <= lastLine) {
				if _, werr := writer.Write(line); werr != nil {
					tmp.Close()
					return werr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			tmp.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
