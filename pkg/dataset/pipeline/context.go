// Package pipeline implements the declarative processing pipeline: the
// variable context resolver, the processor registry and dispatcher, the
// sequential executor and the built-in processor set.
package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/errs"
)

// VariableFile is one variable-file declaration of a processor context.
// A named entry mounts the file content under Name; an unnamed entry
// must be a mapping and is merged at the context root.
type VariableFile struct {
	Name string
	Path string
}

// ContextSpec is the raw context block of a processor spec before
// resolution.
type ContextSpec struct {
	Variables map[string]any
	Files     []VariableFile
}

// ParseContextSpec extracts the context block from a decoded processor
// spec. Both the long (variables, variable_files) and the short (vars,
// var_files) key forms are accepted.
func ParseContextSpec(raw any) (ContextSpec, error) {
	spec := ContextSpec{}
	if raw == nil {
		return spec, nil
	}
	block, ok := raw.(map[string]any)
	if !ok {
		return spec, fmt.Errorf("%w: processor context must be a mapping, got %T", errs.ErrConfigLoad, raw)
	}

	vars := block["variables"]
	if vars == nil {
		vars = block["vars"]
	}
	if vars != nil {
		mapping, ok := vars.(map[string]any)
		if !ok {
			return spec, fmt.Errorf("%w: context variables must be a mapping, got %T", errs.ErrConfigLoad, vars)
		}
		spec.Variables = mapping
	}

	files := block["variable_files"]
	if files == nil {
		files = block["var_files"]
	}
	if files != nil {
		parsed, err := parseVariableFiles(files)
		if err != nil {
			return spec, err
		}
		spec.Files = parsed
	}
	return spec, nil
}

// parseVariableFiles accepts the three declaration forms: a single path
// (merged at root), a name to path mapping (mounted under the names, in
// sorted name order), or a sequence whose entries are paths or
// single-pair name to path mappings (declaration order preserved).
func parseVariableFiles(raw any) ([]VariableFile, error) {
	switch v := raw.(type) {
	case string:
		return []VariableFile{{Path: v}}, nil
	case map[string]any:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		files := make([]VariableFile, 0, len(v))
		for _, name := range names {
			path, ok := v[name].(string)
			if !ok {
				return nil, fmt.Errorf("%w: variable file %q must map to a path, got %T", errs.ErrConfigLoad, name, v[name])
			}
			files = append(files, VariableFile{Name: name, Path: path})
		}
		return files, nil
	case []any:
		files := make([]VariableFile, 0, len(v))
		for i, entry := range v {
			switch e := entry.(type) {
			case string:
				files = append(files, VariableFile{Path: e})
			case map[string]any:
				file, err := parseVariableFileEntry(e)
				if err != nil {
					return nil, fmt.Errorf("%w: variable_files[%d]: %v", errs.ErrConfigLoad, i, err)
				}
				files = append(files, file)
			default:
				return nil, fmt.Errorf("%w: variable_files[%d] must be a path or mapping, got %T", errs.ErrConfigLoad, i, entry)
			}
		}
		return files, nil
	default:
		return nil, fmt.Errorf("%w: variable_files must be a path, mapping or sequence, got %T", errs.ErrConfigLoad, raw)
	}
}

func parseVariableFileEntry(entry map[string]any) (VariableFile, error) {
	if path, ok := entry["file"].(string); ok {
		name, _ := entry["name"].(string)
		return VariableFile{Name: name, Path: path}, nil
	}
	if len(entry) == 1 {
		for name, val := range entry {
			path, ok := val.(string)
			if !ok {
				return VariableFile{}, fmt.Errorf("entry %q must map to a path, got %T", name, val)
			}
			return VariableFile{Name: name, Path: path}, nil
		}
	}
	return VariableFile{}, fmt.Errorf("entry must be {name: path} or {name: ..., file: ...}")
}

// ResolveContext merges inline variables and variable-file contents
// into one rendering context. Inline variables are applied first and
// are overridden by colliding variable-file keys; among files the
// later-declared one wins. Relative file paths resolve against baseDir.
func ResolveContext(baseDir string, spec ContextSpec) (map[string]any, error) {
	out := make(map[string]any, len(spec.Variables))
	for key, val := range spec.Variables {
		out[key] = val
	}

	for _, file := range spec.Files {
		path := file.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := config.LoadAny(path)
		if err != nil {
			return nil, err
		}
		if file.Name != "" {
			out[file.Name] = data
			continue
		}
		mapping, ok := data.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: variable file %s is merged at root and must be a mapping, got %T",
				errs.ErrConfigLoad, file.Path, data)
		}
		for key, val := range mapping {
			out[key] = val
		}
	}
	return out, nil
}

// cloneValue deep-copies the mapping/sequence/scalar trees used for
// processor specs so expanded child specs never share mutable state.
func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return value
	}
}

// CloneSpec deep-copies a raw processor spec.
func CloneSpec(spec map[string]any) map[string]any {
	return cloneValue(spec).(map[string]any)
}
