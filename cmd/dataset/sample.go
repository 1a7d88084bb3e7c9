package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rangelab/dataset/pkg/dataset"
	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/labels"
	"github.com/rangelab/dataset/pkg/dataset/sample"
	"github.com/rangelab/dataset/pkg/dataset/template"
)

var (
	sampleDatasetCfg  string
	sampleLabelObject string
	sampleLabel       string
	sampleFrom        string
	sampleUntil       string
	sampleFiles       string
	sampleRelated     string
	sampleDefault     string
	sampleIndex       string
	sampleExclude     string
	sampleSeed        int64
	sampleSeedField   string
	sampleBefore      int
	sampleAfter       int
	sampleListOnly    bool
)

var sampleCmd = &cobra.Command{
	Use:   "sample [size]",
	Short: "Draw random labeled or unlabeled log lines",
	Long: `Draw a random sample of log lines from the labeled dataset and print
them as JSON, together with the surrounding lines from the gathered log
files.

Without --label only unlabeled lines are sampled. With --list the
available labels and their log line counts are printed instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSample,
}

func init() {
	sampleCmd.Flags().StringVar(&sampleDatasetCfg, "dataset-config", "", "the dataset configuration file (defaults to <dataset>/dataset.yaml)")
	sampleCmd.Flags().StringVar(&sampleLabelObject, "label-object", labels.DefaultLabelObject, "the document field the labels are stored in")
	sampleCmd.Flags().StringVarP(&sampleLabel, "label", "L", "", "the label to sample log lines for (unset samples unlabeled lines)")
	sampleCmd.Flags().StringVar(&sampleFrom, "from-timestamp", "", "minimum timestamp for log rows to consider")
	sampleCmd.Flags().StringVar(&sampleUntil, "until-timestamp", "", "maximum timestamp for log rows to consider")
	sampleCmd.Flags().StringVarP(&sampleFiles, "files", "f", "", "comma separated list of log files to sample from")
	sampleCmd.Flags().StringVarP(&sampleRelated, "related", "r", "", "comma separated list of indices to include the closest log line from")
	sampleCmd.Flags().StringVar(&sampleDefault, "default-label", "normal", "the label reported for unlabeled log rows")
	sampleCmd.Flags().StringVarP(&sampleIndex, "index", "i", "", "comma separated list of indices to sample from")
	sampleCmd.Flags().StringVarP(&sampleExclude, "exclude-index", "E", "", "comma separated list of indices to exclude from sampling")
	sampleCmd.Flags().Int64VarP(&sampleSeed, "seed", "s", -1, "the random seed for the sampling query (-1 for none)")
	sampleCmd.Flags().StringVar(&sampleSeedField, "seed-field", "_seq_no", "the document field used for the seeded random order")
	sampleCmd.Flags().IntVar(&sampleBefore, "before", 5, "number of context lines before each sample")
	sampleCmd.Flags().IntVar(&sampleAfter, "after", 5, "number of context lines after each sample")
	sampleCmd.Flags().BoolVar(&sampleListOnly, "list", false, "only list the available labels with their log line counts")
}

func runSample(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	size := 10
	if len(args) == 1 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid sample size %q: %w", args[0], err)
		}
		size = parsed
	}

	datasetCfg, err := loadDatasetConfig(sampleDatasetCfg)
	if err != nil {
		return err
	}
	store, err := newStore()
	if err != nil {
		return err
	}

	indices := index.ResolveIndices(datasetCfg.Name, true, splitList(sampleIndex))
	indices = append(indices, index.ExcludeIndices(datasetCfg.Name, true, splitList(sampleExclude))...)

	if sampleListOnly {
		env := &labels.Env{
			Dataset:     datasetCfg,
			Store:       store,
			LabelObject: sampleLabelObject,
		}
		buckets, err := labels.LabelCounts(ctx, env, indices)
		if err != nil {
			return err
		}
		return printJSON(cmd, buckets, false)
	}

	opts := sample.Options{
		Files:     splitList(sampleFiles),
		Indices:   indices,
		Size:      size,
		SeedField: sampleSeedField,
	}
	if sampleLabel != "" {
		opts.Labels = []string{sampleLabel}
	}
	if sampleSeed >= 0 {
		seed := sampleSeed
		opts.Seed = &seed
	}
	if opts.Start, err = parseFlagTime(sampleFrom); err != nil {
		return err
	}
	if opts.Stop, err = parseFlagTime(sampleUntil); err != nil {
		return err
	}

	sampler := &sample.Sampler{
		Store:          store,
		FilterScriptID: labels.FilterScriptID(datasetCfg.Name),
		LabelObject:    sampleLabelObject,
		GatherDir:      filepath.Join(flagDatasetDir, dataset.GatherDir),
		Logger:         slog.Default(),
	}

	hits, err := sampler.Draw(ctx, opts)
	if err != nil {
		return err
	}

	label := sampleLabel
	if label == "" {
		label = sampleDefault
	}
	related := index.ResolveIndices(datasetCfg.Name, true, splitList(sampleRelated))
	if sampleRelated == "" {
		related = nil
	}

	lines := make([]*sample.Line, 0, len(hits))
	for _, hit := range hits {
		line, err := sampler.Enrich(ctx, hit, label, sampleBefore, sampleAfter, related)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	return printJSON(cmd, lines, true)
}

func parseFlagTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return template.ParseTime(value)
}

func printJSON(cmd *cobra.Command, value any, indent bool) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if indent {
		enc.SetIndent("", "    ")
	}
	return enc.Encode(value)
}
