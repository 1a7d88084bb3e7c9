package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"

	"github.com/spf13/cobra"

	"github.com/rangelab/dataset/pkg/dataset"
	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/index/elastic"
	"github.com/rangelab/dataset/pkg/dataset/pipeline"
	"github.com/rangelab/dataset/pkg/dataset/template"
)

var (
	flagDatasetDir  string
	flagLogstashBin string
	flagElasticURL  string
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Turn raw testbed log captures into a labeled, queryable dataset",
	Long: `dataset processes the raw per-host log captures of a testbed run
into a parsed, labeled and queryable dataset.

A dataset directory holds the gathered logs, the processing pipeline
configuration, the labeling rules and the resulting label files. The
typical flow is prepare, process, label, sample.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func setup(cmd *cobra.Command, args []string) error {
	abs, err := filepath.Abs(flagDatasetDir)
	if err != nil {
		return err
	}
	flagDatasetDir = abs

	// processor paths and rule dirs resolve relative to the dataset
	if info, err := os.Stat(flagDatasetDir); err == nil && info.IsDir() {
		if err := os.Chdir(flagDatasetDir); err != nil {
			return err
		}
	}

	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDatasetDir, "dataset", "d", ".", "the dataset directory to work on")
	rootCmd.PersistentFlags().StringVarP(&flagLogstashBin, "logstash", "l", "/usr/share/logstash/bin/logstash", "the logstash binary used for parsing")
	rootCmd.PersistentFlags().StringVarP(&flagElasticURL, "elasticsearch", "e", "http://127.0.0.1:9200", "the elasticsearch connection URL")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(sampleCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadDatasetConfig reads and validates the dataset metadata file.
func loadDatasetConfig(path string) (config.Dataset, error) {
	if path == "" {
		path = filepath.Join(flagDatasetDir, dataset.ConfigFile)
	}
	cfg, err := config.LoadDataset(path)
	if err != nil {
		return config.Dataset{}, err
	}
	return cfg, cfg.Validate()
}

// newStore connects to the configured document store.
func newStore() (*elastic.Client, error) {
	return elastic.New(flagElasticURL)
}

// newRenderer builds the template renderer with the store query helpers
// attached, so rule and processor templates can look events up.
func newRenderer(cmd *cobra.Command, store *elastic.Client, datasetName string) *template.Renderer {
	funcs := pipeline.QueryFuncs(cmd.Context(), store, datasetName)
	return template.New().WithFuncs(texttemplate.FuncMap(funcs))
}

// splitList splits a comma separated flag value, dropping empty entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
