package pipeline

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/errs"
)

//go:embed assets
var logstashAssets embed.FS

// ServerLogs is the per-host log source configuration consumed by the
// parser setup.
type ServerLogs struct {
	Timezone string             `mapstructure:"timezone"`
	Logs     []config.LogSource `mapstructure:"logs"`
}

// LogstashSetup generates the full parser configuration: settings,
// pipeline definition, per-source file inputs, the store output and the
// pre-process filter. It must run during pre-processing unless a static
// parser configuration is shipped with the dataset.
type LogstashSetup struct {
	Base `mapstructure:",squash"`

	InputConfigName  string `mapstructure:"input_config_name"`
	OutputConfigName string `mapstructure:"output_config_name"`

	// PreProcessName is prefixed with 0000_ so its filters run first.
	PreProcessName string `mapstructure:"pre_process_name"`

	LogstashTemplate  string `mapstructure:"logstash_template"`
	PipelinesTemplate string `mapstructure:"pipelines_template"`

	// UseLegacyTemplate selects the v1 index template for the output.
	UseLegacyTemplate bool `mapstructure:"use_legacy_template"`

	IndexTemplateTemplate       string `mapstructure:"index_template_template"`
	LegacyIndexTemplateTemplate string `mapstructure:"legacy_index_template_template"`

	Servers map[string]ServerLogs `mapstructure:"servers"`
}

// NewLogstashSetup returns the processor with its file name defaults.
func NewLogstashSetup() *LogstashSetup {
	return &LogstashSetup{
		InputConfigName:             "input.conf",
		OutputConfigName:            "output.conf",
		PreProcessName:              "0000_pre_process.conf",
		LogstashTemplate:            "logstash.yml.tmpl",
		PipelinesTemplate:           "pipelines.yml.tmpl",
		IndexTemplateTemplate:       "ecs-template.json.tmpl",
		LegacyIndexTemplateTemplate: "legacy-ecs-template.json.tmpl",
	}
}

func (p *LogstashSetup) Execute(ctx context.Context, env *Env) error {
	if len(p.Servers) == 0 {
		return fmt.Errorf("%w: logstash.setup needs a servers configuration", errs.ErrConfigLoad)
	}
	for host, server := range p.Servers {
		if len(server.Logs) == 0 {
			return fmt.Errorf("%w: server %q has no logs configuration", errs.ErrConfigLoad, host)
		}
		if server.Timezone == "" {
			server.Timezone = "UTC"
			p.Servers[host] = server
		}
	}

	parser := resolveParserPaths(env.DatasetDir, env.Parser)

	for _, dir := range []string{parser.SettingsDir, parser.ConfDir, parser.DataDir, parser.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// static runtime settings only written when absent
	for _, name := range []string{"jvm.options", "log4j2.properties"} {
		if err := writeAssetIfMissing(name, filepath.Join(parser.SettingsDir, name)); err != nil {
			return err
		}
	}

	vars := withEnvVars(p.Vars, env)
	vars["PARSER"] = parser
	vars["SERVERS"] = p.Servers
	vars["USE_LEGACY_TEMPLATE"] = p.UseLegacyTemplate
	vars["ELASTICSEARCH_URL"] = env.StoreURL

	renderings := []struct {
		template string
		dest     string
	}{
		{p.LogstashTemplate, filepath.Join(parser.SettingsDir, "logstash.yml")},
		{p.PipelinesTemplate, filepath.Join(parser.SettingsDir, "pipelines.yml")},
		{p.IndexTemplateTemplate, filepath.Join(parser.SettingsDir, env.Dataset.Name+"-index-template.json")},
		{p.LegacyIndexTemplateTemplate, filepath.Join(parser.SettingsDir, env.Dataset.Name+"-legacy-index-template.json")},
	}
	for _, r := range renderings {
		if err := p.renderConfig(env, r.template, r.dest, vars); err != nil {
			return err
		}
	}

	input := p.buildInputConfig(env, parser)
	if err := os.WriteFile(filepath.Join(parser.ConfDir, p.InputConfigName), []byte(input), 0o644); err != nil {
		return err
	}

	output := p.buildOutputConfig(env, parser)
	if err := os.WriteFile(filepath.Join(parser.ConfDir, p.OutputConfigName), []byte(output), 0o644); err != nil {
		return err
	}

	preProcess := p.buildPreProcessConfig(env)
	return os.WriteFile(filepath.Join(parser.ConfDir, p.PreProcessName), []byte(preProcess), 0o644)
}

// renderConfig renders a template file, preferring a dataset-local
// override over the embedded default of the same name.
func (p *LogstashSetup) renderConfig(env *Env, name, dest string, vars map[string]any) error {
	var content []byte
	local := resolvePath(env.DatasetDir, name)
	if data, err := os.ReadFile(local); err == nil {
		content = data
	} else {
		data, err := logstashAssets.ReadFile("assets/" + filepath.Base(name))
		if err != nil {
			return fmt.Errorf("%w: parser template %s not found", errs.ErrConfigLoad, name)
		}
		content = data
	}
	rendered, err := env.Renderer.Render(string(content), vars)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(rendered), 0o644)
}

func writeAssetIfMissing(name, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	data, err := logstashAssets.ReadFile("assets/" + name)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// buildInputConfig emits one file input per configured log source. The
// sources read in "read" mode so the parser exits once every file is
// consumed, which is the hard barrier the post-processing phase waits
// on.
func (p *LogstashSetup) buildInputConfig(env *Env, parser config.Parser) string {
	var b strings.Builder
	b.WriteString("input {\n")

	for _, host := range sortedHosts(p.Servers) {
		server := p.Servers[host]
		for i, src := range server.Logs {
			saveParsed := parser.SaveParsed
			if src.SaveParsed != nil {
				saveParsed = *src.SaveParsed
			}

			fmt.Fprintf(&b, "  file {\n")
			fmt.Fprintf(&b, "    id => %q\n", fmt.Sprintf("%s-%s-%d", host, src.Type, i))
			fmt.Fprintf(&b, "    path => %s\n", logstashList(resolveSourcePaths(env.DatasetDir, src.Path)))
			if excludes := asStringList(src.Exclude); len(excludes) > 0 {
				fmt.Fprintf(&b, "    exclude => %s\n", logstashList(excludes))
			}
			fmt.Fprintf(&b, "    mode => \"read\"\n")
			fmt.Fprintf(&b, "    exit_after_read => true\n")
			fmt.Fprintf(&b, "    file_completed_action => \"log\"\n")
			fmt.Fprintf(&b, "    file_completed_log_path => %q\n", parser.CompletedLog)
			fmt.Fprintf(&b, "    sincedb_path => %q\n", filepath.Join(parser.DataDir, fmt.Sprintf("sincedb_%s_%s_%d", host, src.Type, i)))
			if dir := src.FileSortDirection; dir != "" {
				fmt.Fprintf(&b, "    file_sort_direction => %q\n", dir)
			}
			if src.FileChunkSize != nil {
				fmt.Fprintf(&b, "    file_chunk_size => %d\n", *src.FileChunkSize)
			}
			if src.Delimiter != "" {
				fmt.Fprintf(&b, "    delimiter => %q\n", src.Delimiter)
			}
			if codec, ok := src.Codec.(string); ok && codec != "" {
				fmt.Fprintf(&b, "    codec => %s\n", codec)
			}
			fmt.Fprintf(&b, "    type => %q\n", src.Type)
			if len(src.Tags) > 0 {
				fmt.Fprintf(&b, "    tags => %s\n", logstashList(src.Tags))
			}
			fmt.Fprintf(&b, "    add_field => {\n")
			fmt.Fprintf(&b, "      \"[host][name]\" => %q\n", host)
			fmt.Fprintf(&b, "      \"[dataset][timezone]\" => %q\n", server.Timezone)
			fmt.Fprintf(&b, "      \"[@metadata][save_parsed]\" => %q\n", fmt.Sprint(saveParsed))
			for _, field := range sortedKeys(src.AddField) {
				fmt.Fprintf(&b, "      %q => %q\n", field, fmt.Sprint(src.AddField[field]))
			}
			fmt.Fprintf(&b, "    }\n")
			fmt.Fprintf(&b, "  }\n")
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func (p *LogstashSetup) buildOutputConfig(env *Env, parser config.Parser) string {
	templateFile := filepath.Join(parser.SettingsDir, env.Dataset.Name+"-index-template.json")
	templateSetting := ""
	if p.UseLegacyTemplate {
		templateFile = filepath.Join(parser.SettingsDir, env.Dataset.Name+"-legacy-index-template.json")
		templateSetting = fmt.Sprintf("    template => %q\n    template_name => %q\n    template_overwrite => true\n",
			templateFile, env.Dataset.Name)
	}

	var b strings.Builder
	b.WriteString("output {\n")
	fmt.Fprintf(&b, "  elasticsearch {\n")
	fmt.Fprintf(&b, "    hosts => [%q]\n", env.StoreURL)
	fmt.Fprintf(&b, "    ilm_enabled => false\n")
	if templateSetting != "" {
		b.WriteString(templateSetting)
	} else {
		fmt.Fprintf(&b, "    manage_template => false\n")
	}
	fmt.Fprintf(&b, "    index => %q\n", env.Dataset.Name+"-%{[type]}-%{[host][name]}")
	fmt.Fprintf(&b, "  }\n")
	fmt.Fprintf(&b, "  if [@metadata][save_parsed] == \"true\" {\n")
	fmt.Fprintf(&b, "    file {\n")
	fmt.Fprintf(&b, "      path => %q\n", filepath.Join(resolvePath(env.DatasetDir, parser.ParsedDir), "%{[host][name]}", "%{[type]}.json"))
	fmt.Fprintf(&b, "      codec => json_lines\n")
	fmt.Fprintf(&b, "    }\n")
	fmt.Fprintf(&b, "  }\n")
	b.WriteString("}\n")
	return b.String()
}

func (p *LogstashSetup) buildPreProcessConfig(env *Env) string {
	var b strings.Builder
	b.WriteString("filter {\n")
	fmt.Fprintf(&b, "  mutate {\n")
	fmt.Fprintf(&b, "    add_field => { \"[dataset][name]\" => %q }\n", env.Dataset.Name)
	fmt.Fprintf(&b, "  }\n")
	// the file input in read mode reports the source under [log][file][path]
	fmt.Fprintf(&b, "  if ![log][file][path] and [path] {\n")
	fmt.Fprintf(&b, "    mutate { rename => { \"path\" => \"[log][file][path]\" } }\n")
	fmt.Fprintf(&b, "  }\n")
	b.WriteString("}\n")
	return b.String()
}

func resolveParserPaths(datasetDir string, parser config.Parser) config.Parser {
	parser.SettingsDir = resolvePath(datasetDir, parser.SettingsDir)
	parser.ConfDir = resolvePath(datasetDir, parser.ConfDir)
	parser.LogDir = resolvePath(datasetDir, parser.LogDir)
	parser.CompletedLog = resolvePath(datasetDir, parser.CompletedLog)
	parser.DataDir = resolvePath(datasetDir, parser.DataDir)
	parser.ParsedDir = resolvePath(datasetDir, parser.ParsedDir)
	return parser
}

func resolveSourcePaths(datasetDir string, raw any) []string {
	paths := asStringList(raw)
	for i, path := range paths {
		paths[i] = resolvePath(datasetDir, path)
	}
	return paths
}

func asStringList(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

func logstashList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func sortedHosts(servers map[string]ServerLogs) []string {
	hosts := make([]string, 0, len(servers))
	for host := range servers {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
