package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rangelab/dataset/pkg/dataset"
	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/journal"
	"github.com/rangelab/dataset/pkg/dataset/parser"
	"github.com/rangelab/dataset/pkg/dataset/pipeline"
)

// journalFile is the run journal inside the dataset directory.
const journalFile = ".journal.db"

var (
	processConfig     string
	processDatasetCfg string
	processSkipPre    bool
	processSkipParse  bool
	processSkipPost   bool
	processResume     bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process the dataset and prepare it for labeling",
	Long: `Run the processing pipeline: the pre-processors, the parser, and the
post-processors, in that order. Parsing only starts after every
pre-processor succeeded; post-processing only starts after the parser
exited cleanly.

Every run is recorded in the dataset's run journal. With --resume the
processors that completed in the previous run are skipped.`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&processConfig, "config", "c", "", "the processing configuration file (defaults to <dataset>/processing/process.yaml)")
	processCmd.Flags().StringVar(&processDatasetCfg, "dataset-config", "", "the dataset configuration file (defaults to <dataset>/dataset.yaml)")
	processCmd.Flags().BoolVar(&processSkipPre, "skip-pre", false, "skip the pre-processing phase")
	processCmd.Flags().BoolVar(&processSkipParse, "skip-parse", false, "skip the parsing phase")
	processCmd.Flags().BoolVar(&processSkipPost, "skip-post", false, "skip the post-processing phase")
	processCmd.Flags().BoolVar(&processResume, "resume", false, "skip processors that completed in the previous run")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	configPath := processConfig
	if configPath == "" {
		configPath = filepath.Join(flagDatasetDir, dataset.ProcessingConfig)
	}
	processing, err := config.LoadProcessing(configPath)
	if err != nil {
		return err
	}

	datasetCfg, err := loadDatasetConfig(processDatasetCfg)
	if err != nil {
		return err
	}

	store, err := newStore()
	if err != nil {
		return err
	}

	env := &pipeline.Env{
		DatasetDir: flagDatasetDir,
		Dataset:    datasetCfg,
		Parser:     processing.Parser,
		Store:      store,
		StoreURL:   flagElasticURL,
		Renderer:   newRenderer(cmd, store, datasetCfg.Name),
		Logger:     slog.Default(),
	}

	j, err := journal.Open(ctx, filepath.Join(flagDatasetDir, journalFile))
	if err != nil {
		return err
	}
	defer j.Close()

	completed := map[string]map[string]bool{}
	if processResume {
		lastRun, err := j.LastRun(ctx, "process")
		if err != nil {
			return err
		}
		if lastRun != "" {
			completed, err = j.CompletedSteps(ctx, lastRun)
			if err != nil {
				return err
			}
		}
	}

	runID, err := j.Begin(ctx, "process")
	if err != nil {
		return err
	}

	runErr := processPhases(ctx, env, processing, j, runID, completed)
	if err := j.Finish(ctx, runID, runErr); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	color.Green("Processing finished.")
	return nil
}

func processPhases(ctx context.Context, env *pipeline.Env, processing config.Processing, j *journal.Journal, runID string, completed map[string]map[string]bool) error {
	exec := pipeline.NewExecutor()

	if !processSkipPre {
		color.Cyan("Running pre-processors ...")
		if err := runPhase(ctx, exec, env, j, runID, "pre", processing.PreProcessors, completed["pre"]); err != nil {
			return err
		}
	} else {
		color.Yellow("Skipping pre-processors ...")
	}

	if !processSkipParse {
		color.Cyan("Parsing log files ...")
		if err := runParse(ctx, env, processing.Parser, j, runID, completed["parse"]); err != nil {
			return err
		}
	} else {
		color.Yellow("Skipping parsing ...")
	}

	if !processSkipPost {
		color.Cyan("Running post-processors ...")
		if err := runPhase(ctx, exec, env, j, runID, "post", processing.PostProcessors, completed["post"]); err != nil {
			return err
		}
	} else {
		color.Yellow("Skipping post-processors ...")
	}

	return nil
}

// runPhase runs the processors of one phase in order, journaling each
// one. Steps marked completed in the resumed run are skipped.
func runPhase(ctx context.Context, exec *pipeline.Executor, env *pipeline.Env, j *journal.Journal, runID, phase string, specs []map[string]any, done map[string]bool) error {
	for i, spec := range specs {
		name, _ := spec["name"].(string)
		if name == "" {
			name = fmt.Sprintf("%s-%d", phase, i)
		}
		if done[name] {
			env.Logger.Info("skipping completed processor", "phase", phase, "processor", name)
			continue
		}
		if err := j.MarkStep(ctx, runID, phase, name, journal.StatusStarted, nil); err != nil {
			return err
		}
		err := exec.Run(ctx, []map[string]any{spec}, env)
		status := journal.StatusCompleted
		if err != nil {
			status = journal.StatusFailed
		}
		if jErr := j.MarkStep(ctx, runID, phase, name, status, err); jErr != nil {
			return jErr
		}
		if err != nil {
			return fmt.Errorf("%s-processor %q: %w", phase, name, err)
		}
	}
	return nil
}

func runParse(ctx context.Context, env *pipeline.Env, parserCfg config.Parser, j *journal.Journal, runID string, done map[string]bool) error {
	if done["logstash"] {
		env.Logger.Info("skipping completed parse phase")
		return nil
	}
	if err := j.MarkStep(ctx, runID, "parse", "logstash", journal.StatusStarted, nil); err != nil {
		return err
	}
	runner := &parser.Runner{
		Bin:        flagLogstashBin,
		DatasetDir: flagDatasetDir,
		Parser:     parserCfg,
	}
	err := runner.Run(ctx)
	status := journal.StatusCompleted
	if err != nil {
		status = journal.StatusFailed
	}
	if jErr := j.MarkStep(ctx, runID, "parse", "logstash", status, err); jErr != nil {
		return jErr
	}
	return err
}
