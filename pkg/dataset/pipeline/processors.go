package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Print writes a message to standard output. Mostly useful for
// debugging pipeline configurations.
type Print struct {
	Base `mapstructure:",squash"`

	Msg string `mapstructure:"msg"`
}

func (p *Print) Execute(ctx context.Context, env *Env) error {
	_, err := fmt.Fprintln(os.Stdout, p.Msg)
	return err
}

// Copy copies a file or directory tree into the dataset. Existing
// destination files are overwritten so re-runs converge on the source
// state.
type Copy struct {
	Base `mapstructure:",squash"`

	Src  string `mapstructure:"src"`
	Dest string `mapstructure:"dest"`
}

func (p *Copy) Execute(ctx context.Context, env *Env) error {
	src := resolvePath(env.DatasetDir, p.Src)
	dest := resolvePath(env.DatasetDir, p.Dest)

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(src, dest)
	}
	return copyFile(src, dest, info.Mode())
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(current string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, current)
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
		return copyFile(current, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
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

// Template renders a template file into the dataset. When a dedicated
// template_context is configured it replaces the processor context for
// the file rendering.
type Template struct {
	Base `mapstructure:",squash"`

	Src             string `mapstructure:"src"`
	Dest            string `mapstructure:"dest"`
	TemplateContext any    `mapstructure:"template_context"`
}

func (p *Template) Execute(ctx context.Context, env *Env) error {
	vars := p.Vars
	if p.TemplateContext != nil {
		spec, err := ParseContextSpec(p.TemplateContext)
		if err != nil {
			return err
		}
		vars, err = ResolveContext(env.DatasetDir, spec)
		if err != nil {
			return err
		}
	}
	vars = withEnvVars(vars, env)

	src := resolvePath(env.DatasetDir, p.Src)
	dest := resolvePath(env.DatasetDir, p.Dest)

	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	rendered, err := env.Renderer.Render(string(content), vars)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(rendered), 0o644)
}

// withEnvVars exposes the dataset execution environment to file
// template rendering.
func withEnvVars(vars map[string]any, env *Env) map[string]any {
	out := make(map[string]any, len(vars)+3)
	for key, val := range vars {
		out[key] = val
	}
	out["DATASET_DIR"] = env.DatasetDir
	out["DATASET"] = env.Dataset
	out["PARSER"] = env.Parser
	return out
}

// Mkdir creates a directory. Existing directories are not an error.
type Mkdir struct {
	Base `mapstructure:",squash"`

	Path      string `mapstructure:"path"`
	Recursive bool   `mapstructure:"recursive"`
}

func (p *Mkdir) Execute(ctx context.Context, env *Env) error {
	target := resolvePath(env.DatasetDir, p.Path)
	if p.Recursive {
		return os.MkdirAll(target, 0o755)
	}
	err := os.Mkdir(target, 0o755)
	if err != nil && os.IsExist(err) {
		return nil
	}
	return err
}

// Gzip decompresses gzip files in place, removing the compressed
// source. A glob (supporting ** segments) selects multiple files
// relative to path; without a glob, path names a single file. Missing
// sources are skipped so a re-run after partial failure converges.
type Gzip struct {
	Base `mapstructure:",squash"`

	Path string `mapstructure:"path"`
	Glob string `mapstructure:"glob"`
}

func (p *Gzip) Execute(ctx context.Context, env *Env) error {
	base := resolvePath(env.DatasetDir, p.Path)

	var files []string
	if p.Glob == "" {
		files = []string{base}
	} else {
		matched, err := globFiles(base, p.Glob)
		if err != nil {
			return err
		}
		files = matched
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := gunzipFile(file); err != nil {
			return fmt.Errorf("decompress %s: %w", file, err)
		}
	}
	return nil
}

func gunzipFile(file string) error {
	in, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	reader, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer reader.Close()

	dest := strings.TrimSuffix(file, filepath.Ext(file))
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(file)
}

// globFiles matches files below base against a slash-separated glob
// pattern where a ** segment spans any number of directories. Results
// are sorted for deterministic processing order.
func globFiles(base, pattern string) ([]string, error) {
	segments := strings.Split(path.Clean(pattern), "/")

	var matches []string
	err := filepath.WalkDir(base, func(current string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, current)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if matchSegments(segments, parts) {
			matches = append(matches, current)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func matchSegments(segments, parts []string) bool {
	if len(segments) == 0 {
		return len(parts) == 0
	}
	if segments[0] == "**" {
		for i := 0; i <= len(parts); i++ {
			if matchSegments(segments[1:], parts[i:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, err := path.Match(segments[0], parts[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(segments[1:], parts[1:])
}

func resolvePath(baseDir, target string) string {
	if target == "" || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(baseDir, target)
}
