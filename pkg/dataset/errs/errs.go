// Package errs defines the error taxonomy shared by the dataset
// processing and labeling engines.
package errs

import "errors"

// Sentinel errors for the fatal failure classes of a dataset run.
var (
	// ErrConfigLoad marks a missing or malformed configuration or
	// variable file. Fatal, surfaced immediately.
	ErrConfigLoad = errors.New("config load error")

	// ErrTemplateRender marks an undefined variable, a malformed
	// template, or malformed rendered YAML/JSON. Fatal at the offending
	// processor.
	ErrTemplateRender = errors.New("template render error")

	// ErrProcessorExecution marks a failed processor side effect. The
	// phase halts; effects of earlier processors are not undone.
	ErrProcessorExecution = errors.New("processor execution error")

	// ErrRuleApplication marks a query or update rejected by the
	// document store. Zero matches is explicitly not an error.
	ErrRuleApplication = errors.New("rule application error")
)
