package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rangelab/dataset/pkg/dataset/errs"
)

// LoadFile reads a YAML or JSON file (selected by extension) into out.
func LoadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfigLoad, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrConfigLoad, path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrConfigLoad, path, err)
		}
	default:
		return fmt.Errorf("%w: %s: no loader for %q files", errs.ErrConfigLoad, path, filepath.Ext(path))
	}
	return nil
}

// LoadAny reads a YAML or JSON file into an untyped value.
func LoadAny(path string) (any, error) {
	var out any
	if err := LoadFile(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteFile serializes data to path. YAML is used for .yaml/.yml
// destinations, JSON for everything else.
func WriteFile(path string, data any) error {
	var (
		raw []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = yaml.Marshal(data)
	default:
		raw, err = json.Marshal(data)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadDataset loads and validates the dataset metadata file.
func LoadDataset(path string) (Dataset, error) {
	var ds Dataset
	if err := LoadFile(path, &ds); err != nil {
		return Dataset{}, err
	}
	if err := ds.Validate(); err != nil {
		return Dataset{}, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// LoadProcessing loads and validates the pipeline configuration file.
func LoadProcessing(path string) (Processing, error) {
	var pc Processing
	if err := LoadFile(path, &pc); err != nil {
		return Processing{}, err
	}
	pc.Parser.ApplyDefaults()
	if err := pc.Validate(); err != nil {
		return Processing{}, fmt.Errorf("%s: %w", path, err)
	}
	return pc, nil
}
