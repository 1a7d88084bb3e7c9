// Package dataset defines the on-disk layout of a testbed dataset and
// the shared types passed between the processing and labeling engines.
package dataset

// Well-known paths inside a dataset directory. All of them are relative
// to the dataset root.
const (
	// GatherDir holds the raw per-host capture (facts, configs, logs).
	GatherDir = "gather"

	// ProcessingDir holds the pipeline config, templates and assets.
	ProcessingDir = "processing"

	// ProcessingConfig is the pipeline configuration file.
	ProcessingConfig = "processing/process.yaml"

	// RulesDir receives rendered labeling rules during post-processing.
	RulesDir = "rules"

	// LabelsDir mirrors GatherDir with per-line label files.
	LabelsDir = "labels"

	// ConfigFile is the dataset metadata file written by prepare.
	ConfigFile = "dataset.yaml"
)
