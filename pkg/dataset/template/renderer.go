// Package template renders the template strings embedded in processor
// specs, variable files and labeling rules. Rendering is strict: a
// reference to an undefined variable fails instead of silently
// producing an empty string.
package template

import (
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/rangelab/dataset/pkg/dataset/errs"
)

// Renderer renders strings and nested configuration values against a
// variable context. A zero-extra Renderer carries the base function
// set; query helpers are attached for rule-template rendering via
// WithFuncs.
type Renderer struct {
	funcs template.FuncMap
}

// New creates a renderer with the base template function set.
func New() *Renderer {
	return &Renderer{funcs: baseFuncs()}
}

// WithFuncs returns a copy of the renderer with extra template
// functions merged in. Used to expose read-only document store query
// helpers while rendering labeling rule templates.
func (r *Renderer) WithFuncs(extra template.FuncMap) *Renderer {
	merged := template.FuncMap{}
	for name, fn := range r.funcs {
		merged[name] = fn
	}
	for name, fn := range extra {
		merged[name] = fn
	}
	return &Renderer{funcs: merged}
}

// Render renders a single template string against vars. Undefined
// variable access, parse failures and execution failures all surface
// as ErrTemplateRender.
func (r *Renderer) Render(text string, vars map[string]any) (string, error) {
	tpl, err := template.New("inline").
		Option("missingkey=error").
		Funcs(r.funcs).
		Parse(text)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %v", errs.ErrTemplateRender, text, err)
	}

	var buf strings.Builder
	if err := tpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("%w: render %q: %v", errs.ErrTemplateRender, text, err)
	}
	return buf.String(), nil
}

// RenderValue recursively renders every string leaf of a nested
// configuration value, preserving structure. Mapping keys are rendered
// as well. Non-string scalars pass through unchanged.
func (r *Renderer) RenderValue(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			renderedKey, err := r.Render(key, vars)
			if err != nil {
				return nil, err
			}
			renderedVal, err := r.RenderValue(val, vars)
			if err != nil {
				return nil, err
			}
			out[renderedKey] = renderedVal
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			renderedKey, err := r.RenderValue(key, vars)
			if err != nil {
				return nil, err
			}
			renderedVal, err := r.RenderValue(val, vars)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(renderedKey)] = renderedVal
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := r.RenderValue(val, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		return r.Render(v, vars)
	default:
		return value, nil
	}
}

// RenderTyped renders a template string whose output is itself a
// serialized structure and parses the result as YAML (which covers
// JSON as well). Used for variable-file entries defined as templates.
func (r *Renderer) RenderTyped(text string, vars map[string]any) (any, error) {
	rendered, err := r.Render(text, vars)
	if err != nil {
		return nil, err
	}
	var out any
	if err := yaml.Unmarshal([]byte(rendered), &out); err != nil {
		return nil, fmt.Errorf("%w: rendered output is not valid YAML/JSON: %v", errs.ErrTemplateRender, err)
	}
	return out, nil
}
