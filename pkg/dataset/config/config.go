// Package config contains the configuration models for a dataset and
// its processing pipeline, plus the YAML/JSON file helpers used to load
// and write them.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rangelab/dataset/pkg/dataset/errs"
)

// Dataset describes the dataset instance currently being processed.
// The values are set during the prepare phase and drive index naming
// and the observation window for trimming.
type Dataset struct {
	// Name is used as prefix for all document store indices of this
	// dataset instance.
	Name string `yaml:"name" json:"name"`

	// Start of the observation period.
	Start time.Time `yaml:"start" json:"start"`

	// End of the observation period.
	End time.Time `yaml:"end" json:"end"`
}

// Validate checks that the dataset metadata is complete.
func (d Dataset) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: dataset name must not be empty", errs.ErrConfigLoad)
	}
	if d.Start.IsZero() || d.End.IsZero() {
		return fmt.Errorf("%w: dataset observation start and end are required", errs.ErrConfigLoad)
	}
	if !d.End.After(d.Start) {
		return fmt.Errorf("%w: dataset observation end must be after start", errs.ErrConfigLoad)
	}
	return nil
}

// Parser configures how Logstash is launched as the dataset parser.
// The core treats it as an opaque launch configuration; only the
// directory fields are used when scaffolding parser config files.
type Parser struct {
	// SettingsDir contains logstash.yml (passed as --path.settings).
	SettingsDir string `yaml:"settings_dir" json:"settings_dir"`

	// ConfDir is the pipeline config directory (defaults to
	// <settings_dir>/conf.d).
	ConfDir string `yaml:"conf_dir" json:"conf_dir"`

	// LogLevel is passed to the logstash CLI when set.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LogDir is the logstash logging directory.
	LogDir string `yaml:"log_dir" json:"log_dir"`

	// CompletedLog is the file input completed log (defaults to
	// <log_dir>/file-completed.log).
	CompletedLog string `yaml:"completed_log" json:"completed_log"`

	// DataDir holds persistent parser data such as the sincedb.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// ParsedDir receives parsed log files when SaveParsed is set.
	ParsedDir string `yaml:"parsed_dir" json:"parsed_dir"`

	// SaveParsed writes parsed events back to disk in addition to the
	// document store. Individual log sources may override it.
	SaveParsed bool `yaml:"save_parsed" json:"save_parsed"`
}

// ApplyDefaults fills the derived directory defaults the same way the
// prepare scaffolding expects them.
func (p *Parser) ApplyDefaults() {
	if p.SettingsDir == "" {
		p.SettingsDir = "processing/logstash"
	}
	if p.ConfDir == "" {
		p.ConfDir = filepath.Join(p.SettingsDir, "conf.d")
	}
	if p.LogDir == "" {
		p.LogDir = "processing/logstash/log"
	}
	if p.CompletedLog == "" {
		p.CompletedLog = filepath.Join(p.LogDir, "file-completed.log")
	}
	if p.DataDir == "" {
		p.DataDir = "processing/logstash/data"
	}
	if p.ParsedDir == "" {
		p.ParsedDir = "parsed"
	}
}

// Processing is the pipeline configuration: the processors run before
// parsing, the parser launch configuration, and the processors run
// after the parsed events are in the document store.
type Processing struct {
	PreProcessors  []map[string]any `yaml:"pre_processors" json:"pre_processors"`
	Parser         Parser           `yaml:"parser" json:"parser"`
	PostProcessors []map[string]any `yaml:"post_processors" json:"post_processors"`
}

// Validate ensures every processor entry carries the required name and
// type fields before the pipeline starts rendering anything.
func (p *Processing) Validate() error {
	for phase, specs := range map[string][]map[string]any{
		"pre_processors":  p.PreProcessors,
		"post_processors": p.PostProcessors,
	} {
		for i, spec := range specs {
			name, _ := spec["name"].(string)
			if name == "" {
				return fmt.Errorf("%w: %s[%d]: a processor must have a name", errs.ErrConfigLoad, phase, i)
			}
			if kind, _ := spec["type"].(string); kind == "" {
				return fmt.Errorf("%w: %s[%d]: processor %q has no type", errs.ErrConfigLoad, phase, i, name)
			}
		}
	}
	return nil
}

// LogSource describes one to-be-parsed log file group of a host. It is
// consumed by the logstash.setup processor when rendering the file
// input configuration.
type LogSource struct {
	// Type tags every event read from this source.
	Type string `yaml:"type" json:"type"`

	// Codec is the file codec used for reading (default plain).
	Codec any `yaml:"codec" json:"codec"`

	// Path holds the log file path or paths (globs allowed).
	Path any `yaml:"path" json:"path"`

	// SaveParsed overrides Parser.SaveParsed for this source.
	SaveParsed *bool `yaml:"save_parsed" json:"save_parsed"`

	// Exclude lists globs excluded from reading.
	Exclude any `yaml:"exclude" json:"exclude"`

	// FileSortDirection orders multiple matched files (asc or desc).
	FileSortDirection string `yaml:"file_sort_direction" json:"file_sort_direction"`

	// FileChunkSize overrides the read chunk size in bytes.
	FileChunkSize *int `yaml:"file_chunk_size" json:"file_chunk_size"`

	// Delimiter is the newline delimiter.
	Delimiter string `yaml:"delimiter" json:"delimiter"`

	// Tags are attached to every event of this source.
	Tags []string `yaml:"tags" json:"tags"`

	// AddField adds static fields to every event of this source.
	AddField map[string]any `yaml:"add_field" json:"add_field"`
}
