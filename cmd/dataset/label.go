package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rangelab/dataset/pkg/dataset"
	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/labels"
)

var (
	labelDatasetCfg   string
	labelObject       string
	labelApply        bool
	labelWrite        bool
	labelSkipFiles    string
	labelExcludeIndex string
)

var labelCmd = &cobra.Command{
	Use:   "label [rule-dirs...]",
	Short: "Apply the labeling rules to the dataset",
	Long: `Apply the labeling rules to the parsed dataset and write the label
files.

Rules are loaded from every *.json, *.yaml and *.yml file in the given
rule directories (defaults to <dataset>/rules). Relative paths start at
the dataset directory.`,
	RunE: runLabel,
}

func init() {
	labelCmd.Flags().StringVar(&labelDatasetCfg, "dataset-config", "", "the dataset configuration file (defaults to <dataset>/dataset.yaml)")
	labelCmd.Flags().StringVar(&labelObject, "label-object", labels.DefaultLabelObject, "the document field to store the labels in")
	labelCmd.Flags().BoolVar(&labelApply, "apply", true, "apply the labeling rules")
	labelCmd.Flags().BoolVar(&labelWrite, "write", true, "write the label files")
	labelCmd.Flags().StringVar(&labelSkipFiles, "write-skip-files", "", "comma separated list of log files to not write labels for")
	labelCmd.Flags().StringVarP(&labelExcludeIndex, "write-exclude-index", "E", "", "comma separated list of indices to exclude when writing label files")
}

func runLabel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ruleDirs := args
	if len(ruleDirs) == 0 {
		ruleDirs = []string{filepath.Join(flagDatasetDir, dataset.RulesDir)}
	}

	datasetCfg, err := loadDatasetConfig(labelDatasetCfg)
	if err != nil {
		return err
	}
	store, err := newStore()
	if err != nil {
		return err
	}

	var raw []map[string]any
	for _, dir := range ruleDirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(flagDatasetDir, dir)
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("rule directory %q: %w", dir, err)
		}
		rules, err := labels.LoadRuleFiles(dir)
		if err != nil {
			return err
		}
		raw = append(raw, rules...)
	}

	labeler := labels.NewLabeler()
	labeler.LabelObject = labelObject

	rules, err := labeler.Parse(raw)
	if err != nil {
		return err
	}

	env := &labels.Env{
		DatasetDir:  flagDatasetDir,
		Dataset:     datasetCfg,
		Store:       store,
		Renderer:    newRenderer(cmd, store, datasetCfg.Name),
		LabelObject: labelObject,
		Logger:      slog.Default(),
	}

	if labelApply {
		color.Cyan("Applying %d labeling rules ...", len(rules))
		if err := labeler.Apply(ctx, env, rules); err != nil {
			return err
		}
	}

	if labelWrite {
		indices := []string{datasetCfg.Name + "-*"}
		indices = append(indices, index.ExcludeIndices(datasetCfg.Name, true, splitList(labelExcludeIndex))...)
		color.Cyan("Writing label files ...")
		if err := labeler.Write(ctx, env, indices, splitList(labelSkipFiles)); err != nil {
			return err
		}
	}

	color.Green("Labeling finished.")
	return nil
}
