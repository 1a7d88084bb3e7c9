package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/rangelab/dataset/pkg/dataset/config"
	"github.com/rangelab/dataset/pkg/dataset/errs"
	"github.com/rangelab/dataset/pkg/dataset/index"
	"github.com/rangelab/dataset/pkg/dataset/template"
)

// Env carries the shared execution environment handed to every
// processor of a run.
type Env struct {
	// DatasetDir is the dataset root; relative processor paths resolve
	// against it.
	DatasetDir string

	// Dataset is the dataset metadata from dataset.yaml.
	Dataset config.Dataset

	// Parser is the parser launch configuration from process.yaml.
	Parser config.Parser

	// Store is the document store client.
	Store index.Client

	// StoreURL is exposed to rendered parser configurations.
	StoreURL string

	// Renderer renders processor fields and template files.
	Renderer *template.Renderer

	Logger *slog.Logger
}

func (e *Env) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Processor is a single typed unit of pipeline work. Execute either
// fully completes its side effect or returns an error; there is no
// partial-success signal.
type Processor interface {
	ProcessorName() string
	Execute(ctx context.Context, env *Env) error
}

// Container is a processor that expands into child specs instead of
// performing work itself. The executor runs the children through the
// regular dispatch path.
type Container interface {
	Processor
	Expand() ([]map[string]any, error)
}

// Base holds the fields shared by every processor spec.
type Base struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// Vars is the resolved rendering context of this invocation, set by
	// the executor after decoding.
	Vars map[string]any `mapstructure:"-"`

	// RawContext is the unresolved context block, kept for containers
	// that pass it on to child specs.
	RawContext map[string]any `mapstructure:"-"`
}

// ProcessorName implements Processor.
func (b *Base) ProcessorName() string { return b.Name }

func (b *Base) bind(vars map[string]any, rawContext map[string]any) {
	b.Vars = vars
	b.RawContext = rawContext
}

type binder interface {
	bind(vars map[string]any, rawContext map[string]any)
}

// Factory creates an empty processor with its defaults applied.
type Factory func() Processor

type registration struct {
	factory Factory

	// renderExclude lists top-level spec fields that must not be
	// template-rendered (e.g. foreach's nested processor template).
	renderExclude []string
}

// Registry maps the processor type discriminator to its
// implementation. Unknown types fail fast at dispatch.
type Registry struct {
	kinds map[string]registration
}

// NewRegistry returns a registry with all built-in processors.
func NewRegistry() *Registry {
	r := &Registry{kinds: map[string]registration{}}
	r.Register("print", func() Processor { return &Print{} })
	r.Register("copy", func() Processor { return &Copy{} })
	r.Register("template", func() Processor { return &Template{} })
	r.Register("mkdir", func() Processor { return &Mkdir{Recursive: true} })
	r.Register("gzip", func() Processor { return &Gzip{Path: "."} })
	r.Register("pcap.convert", func() Processor {
		return &PcapConvert{
			RemoveIndexMessages: true,
			RemoveFiltered:      true,
			PacketSummary:       true,
			PacketDetails:       true,
			CreateDestDirs:      true,
		}
	})
	r.Register("logstash.setup", func() Processor { return NewLogstashSetup() })
	r.Register("elasticsearch.component_template", func() Processor { return &ComponentTemplateCreate{} })
	r.Register("elasticsearch.template", func() Processor {
		return &IndexTemplateCreate{Priority: 100, PrefixDataset: true}
	})
	r.Register("elasticsearch.legacy_template", func() Processor {
		return &LegacyTemplateCreate{Order: 100, PrefixDataset: true}
	})
	r.Register("elasticsearch.ingest", func() Processor { return &IngestCreate{} })
	r.Register("dataset.trim", func() Processor { return &Trim{PrefixDataset: true} })
	r.Register("foreach", func() Processor { return &ForEach{LoopVar: "item"} }, "processor")
	return r
}

// Register adds a processor type. renderExclude names top-level fields
// excluded from template rendering.
func (r *Registry) Register(kind string, factory Factory, renderExclude ...string) {
	r.kinds[kind] = registration{factory: factory, renderExclude: renderExclude}
}

// Known reports whether kind is registered.
func (r *Registry) Known(kind string) bool {
	_, ok := r.kinds[kind]
	return ok
}

// Build decodes a rendered spec into its typed processor.
func (r *Registry) Build(kind string, rendered map[string]any) (Processor, error) {
	reg, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown processor type %q", errs.ErrConfigLoad, kind)
	}
	proc := reg.factory()
	if err := decodeSpec(rendered, proc); err != nil {
		return nil, fmt.Errorf("%w: processor %v: %v", errs.ErrConfigLoad, rendered["name"], err)
	}
	return proc, nil
}

// decodeSpec decodes a rendered spec mapping into a typed processor,
// converting timestamp strings and promoting scalars to single-element
// slices where the target wants a list.
func decodeSpec(rendered map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timeHook,
			stringToBoolHook,
			scalarToSliceHook,
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(rendered)
}

func timeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	return template.ParseTime(data.(string))
}

// stringToBoolHook recovers booleans from rendered template output.
func stringToBoolHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	return strconv.ParseBool(data.(string))
}

// scalarToSliceHook promotes scalars to single-element lists and
// recovers list values from rendered template output (templates always
// produce strings; emitting YAML or JSON restores the structure).
func scalarToSliceHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Slice || from.Kind() == reflect.Slice {
		return data, nil
	}
	if from.Kind() == reflect.String {
		var parsed any
		if err := yaml.Unmarshal([]byte(data.(string)), &parsed); err == nil {
			if list, ok := parsed.([]any); ok {
				return list, nil
			}
		}
		if to.Elem().Kind() == reflect.String {
			return []string{data.(string)}, nil
		}
	}
	return data, nil
}

// Executor runs pipeline phases strictly sequentially.
type Executor struct {
	Registry *Registry
}

// NewExecutor returns an executor over the built-in registry.
func NewExecutor() *Executor {
	return &Executor{Registry: NewRegistry()}
}

// Run executes the given processor specs in order. The first failing
// processor halts the phase; prior effects are not rolled back.
func (e *Executor) Run(ctx context.Context, specs []map[string]any, env *Env) error {
	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runOne(ctx, spec, env); err != nil {
			return fmt.Errorf("processor %d (%v): %w", i, spec["name"], err)
		}
	}
	return nil
}

func (e *Executor) runOne(ctx context.Context, spec map[string]any, env *Env) error {
	kind, _ := spec["type"].(string)
	if kind == "" {
		return fmt.Errorf("%w: processor has no type", errs.ErrConfigLoad)
	}
	if name, _ := spec["name"].(string); name == "" {
		return fmt.Errorf("%w: processor has no name", errs.ErrConfigLoad)
	}
	reg, ok := e.Registry.kinds[kind]
	if !ok {
		return fmt.Errorf("%w: unknown processor type %q", errs.ErrConfigLoad, kind)
	}

	ctxSpec, err := ParseContextSpec(spec["context"])
	if err != nil {
		return err
	}
	vars, err := ResolveContext(env.DatasetDir, ctxSpec)
	if err != nil {
		return err
	}

	rendered, err := renderSpec(env.Renderer, spec, vars, reg.renderExclude)
	if err != nil {
		return err
	}

	proc, err := e.Registry.Build(kind, rendered)
	if err != nil {
		return err
	}
	if b, ok := proc.(binder); ok {
		rawContext, _ := spec["context"].(map[string]any)
		b.bind(vars, rawContext)
	}

	if container, ok := proc.(Container); ok {
		env.log().Info("expanding processor container", "processor", proc.ProcessorName())
		children, err := container.Expand()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrProcessorExecution, proc.ProcessorName(), err)
		}
		return e.Run(ctx, children, env)
	}

	env.log().Info("executing processor", "processor", proc.ProcessorName(), "type", kind)
	if err := proc.Execute(ctx, env); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrProcessorExecution, proc.ProcessorName(), err)
	}
	return nil
}

// renderSpec renders every top-level spec field except the excluded
// ones. The context block is left untouched; it was already consumed
// during resolution.
func renderSpec(r *template.Renderer, spec map[string]any, vars map[string]any, exclude []string) (map[string]any, error) {
	skip := map[string]bool{"context": true}
	for _, field := range exclude {
		skip[field] = true
	}
	out := make(map[string]any, len(spec))
	for key, val := range spec {
		if skip[key] {
			out[key] = val
			continue
		}
		rendered, err := r.RenderValue(val, vars)
		if err != nil {
			return nil, err
		}
		out[key] = rendered
	}
	return out, nil
}
