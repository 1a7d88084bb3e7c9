// Package parser runs the external Logstash parser as a blocking
// subprocess. Parsing completion is a hard barrier between the pre- and
// post-processing phases.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rangelab/dataset/pkg/dataset/config"
)

// Runner launches Logstash against the generated parser configuration
// and waits for it to exit. The file inputs run in read mode, so a
// clean exit means every gathered log file was consumed.
type Runner struct {
	// Bin is the logstash executable (default "logstash" from PATH).
	Bin string

	// DatasetDir is the dataset root the parser configuration paths
	// resolve against.
	DatasetDir string

	Parser config.Parser

	Logger *slog.Logger
}

func (r *Runner) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run blocks until the parser exits. A non-zero exit is returned as an
// error; the parser's own logs live under the configured log dir.
func (r *Runner) Run(ctx context.Context) error {
	bin := r.Bin
	if bin == "" {
		bin = "logstash"
	}

	settingsDir := r.Parser.SettingsDir
	if !filepath.IsAbs(settingsDir) {
		settingsDir = filepath.Join(r.DatasetDir, settingsDir)
	}

	args := []string{"--path.settings", settingsDir}
	if r.Parser.LogLevel != "" {
		args = append(args, "--log.level", r.Parser.LogLevel)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.DatasetDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.log().Info("starting parser", "bin", bin, "settings", settingsDir)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("parser run: %w", err)
	}
	r.log().Info("parser finished")
	return nil
}
