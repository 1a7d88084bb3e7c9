package pipeline

import (
	"context"
	"fmt"
)

// ForEach expands a nested processor template once per item. The
// children run through the regular dispatch path in element order, each
// with the loop variable bound into its context. This is how a pipeline
// grows based on data only known after earlier processors ran.
type ForEach struct {
	Base `mapstructure:",squash"`

	Items []any `mapstructure:"items"`

	// LoopVar is the context variable the current item is bound to.
	LoopVar string `mapstructure:"loop_var"`

	// Processor is the unrendered child spec template. It is excluded
	// from rendering at this level; each instance renders against its
	// own item-scoped context.
	Processor map[string]any `mapstructure:"processor"`
}

// Expand implements Container.
func (p *ForEach) Expand() ([]map[string]any, error) {
	if len(p.Processor) == 0 {
		return nil, fmt.Errorf("foreach needs a processor template")
	}

	children := make([]map[string]any, 0, len(p.Items))
	for _, item := range p.Items {
		child := CloneSpec(p.Processor)

		ctxBlock, ok := child["context"].(map[string]any)
		if !ok {
			// inherit the parent context when the template has none
			if p.RawContext != nil {
				ctxBlock = CloneSpec(p.RawContext)
			} else {
				ctxBlock = map[string]any{}
			}
			child["context"] = ctxBlock
		}

		vars := contextVariables(ctxBlock)
		vars[p.LoopVar] = item

		children = append(children, child)
	}
	return children, nil
}

// contextVariables returns the inline variable mapping of a context
// block, creating it under the key form already in use.
func contextVariables(block map[string]any) map[string]any {
	for _, key := range []string{"variables", "vars"} {
		if vars, ok := block[key].(map[string]any); ok {
			return vars
		}
	}
	vars := map[string]any{}
	block["variables"] = vars
	return vars
}

// Execute implements Processor. Containers never execute directly.
func (p *ForEach) Execute(ctx context.Context, env *Env) error {
	return fmt.Errorf("foreach is a container and cannot execute directly")
}
