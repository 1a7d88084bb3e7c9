package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rangelab/dataset/pkg/dataset"
	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/template"
)

var (
	prepareGatherDir  string
	prepareProcessDir string
	prepareName       string
	prepareStart      string
	prepareEnd        string
	prepareYes        bool
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Initialize a dataset directory from gathered logs",
	Long: `Initialize the dataset directory: write the dataset metadata file,
create the rules and labels directories, and copy the gathered logs and
the processing configuration into the dataset.

Name, start and end are prompted for when not passed as flags.`,
	RunE: runPrepare,
}

func init() {
	prepareCmd.Flags().StringVarP(&prepareGatherDir, "gather-dir", "g", "", "the gathered logs and facts source directory")
	prepareCmd.Flags().StringVarP(&prepareProcessDir, "process-dir", "p", "", "the processing configuration source directory")
	prepareCmd.Flags().StringVar(&prepareName, "name", "", "the dataset name")
	prepareCmd.Flags().StringVar(&prepareStart, "start", "", "the observation start time")
	prepareCmd.Flags().StringVar(&prepareEnd, "end", "", "the observation end time")
	prepareCmd.Flags().BoolVarP(&prepareYes, "yes", "y", false, "affirm all confirmation prompts")
	prepareCmd.MarkFlagRequired("gather-dir")
	prepareCmd.MarkFlagRequired("process-dir")
}

func runPrepare(cmd *cobra.Command, args []string) error {
	stdin := bufio.NewReader(cmd.InOrStdin())

	// the working directory may be the dataset directory itself and is
	// deleted below, so the copy sources must be resolved first
	gatherDir, err := resolveSourceDir(prepareGatherDir)
	if err != nil {
		return err
	}
	processDir, err := resolveSourceDir(prepareProcessDir)
	if err != nil {
		return err
	}

	if entries, err := os.ReadDir(flagDatasetDir); err == nil && len(entries) > 0 {
		if !prepareYes {
			ok, err := confirm(stdin, fmt.Sprintf("The dataset directory %q is not empty.\nAre you sure that you want to continue?", flagDatasetDir))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("aborted")
			}
		}
		color.Yellow("Deleting old dataset directory.")
		if err := os.RemoveAll(flagDatasetDir); err != nil {
			return err
		}
	}

	color.Cyan("Creating dataset directory structure ...")
	if err := os.MkdirAll(flagDatasetDir, 0o755); err != nil {
		return err
	}
	if err := os.Chdir(flagDatasetDir); err != nil {
		return err
	}

	cfg, err := promptDatasetConfig(stdin)
	if err != nil {
		return err
	}

	color.Cyan("Creating dataset config file ...")
	if err := config.WriteFile(filepath.Join(flagDatasetDir, dataset.ConfigFile), cfg); err != nil {
		return err
	}

	for _, dir := range []string{dataset.RulesDir, dataset.LabelsDir} {
		if err := os.MkdirAll(filepath.Join(flagDatasetDir, dir), 0o755); err != nil {
			return err
		}
	}

	color.Cyan("Copying gathered logs and facts into the dataset ...")
	if err := copyTree(gatherDir, filepath.Join(flagDatasetDir, dataset.GatherDir)); err != nil {
		return err
	}
	color.Cyan("Copying the processing configuration into the dataset ...")
	if err := copyTree(processDir, filepath.Join(flagDatasetDir, dataset.ProcessingDir)); err != nil {
		return err
	}

	color.Green("Dataset initialized in: %s", flagDatasetDir)
	return nil
}

func promptDatasetConfig(stdin *bufio.Reader) (config.Dataset, error) {
	name := prepareName
	if name == "" {
		var err error
		name, err = prompt(stdin, "Please enter the name to use for the dataset", filepath.Base(flagDatasetDir))
		if err != nil {
			return config.Dataset{}, err
		}
	}

	start, err := promptTime(stdin, prepareStart, "Please enter the datasets observation start time")
	if err != nil {
		return config.Dataset{}, err
	}
	end, err := promptTime(stdin, prepareEnd, "Please enter the datasets observation end time")
	if err != nil {
		return config.Dataset{}, err
	}

	cfg := config.Dataset{Name: name, Start: start, End: end}
	return cfg, cfg.Validate()
}

func promptTime(stdin *bufio.Reader, value, message string) (time.Time, error) {
	if value == "" {
		var err error
		value, err = prompt(stdin, message, "")
		if err != nil {
			return time.Time{}, err
		}
	}
	return template.ParseTime(value)
}

func prompt(stdin *bufio.Reader, message, defaultValue string) (string, error) {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", message, defaultValue)
	} else {
		fmt.Printf("%s: ", message)
	}
	line, err := stdin.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = trimLine(line)
	if line == "" {
		if defaultValue == "" {
			return "", fmt.Errorf("a value is required")
		}
		return defaultValue, nil
	}
	return line, nil
}

func confirm(stdin *bufio.Reader, message string) (bool, error) {
	answer, err := prompt(stdin, message+" [y/N]", "n")
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y" || answer == "yes", nil
}

// resolveSourceDir resolves a copy source to an absolute path and
// verifies it is an existing directory.
func resolveSourceDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: not a directory", abs)
	}
	return abs, nil
}

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// copyTree copies a directory tree, preserving file modes.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return copyFileMode(path, target, info.Mode())
	})
}

func copyFileMode(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
