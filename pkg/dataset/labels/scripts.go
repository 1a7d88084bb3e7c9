package labels

import (
	"context"
	"fmt"
	"strings"

	"github.com/rangelab/dataset/pkg/dataset/index"
)

// updateScript merges a rule's labels into the label bookkeeping object
// of a document. Re-applying an unchanged rule turns the update into a
// noop so update-by-query counts stay meaningful.
const updateScript = `
boolean updated = false;
String labels_flat = params.labels.join(";");
if (
    ctx._source.{{ label_object }} == null ||
    ctx._source.{{ label_object }}.list == null ||
    ctx._source.{{ label_object }}.flat == null ||
    ctx._source.{{ label_object }}.rules == null
) {
    ctx._source.{{ label_object }} = [:];
    ctx._source.{{ label_object }}.list = [:];
    ctx._source.{{ label_object }}.flat = [:];
    ctx._source.{{ label_object }}.rules = [];
}
if (ctx._source.{{ label_object }}.flat[params.rule] != labels_flat) {
    ctx._source.{{ label_object }}.list[params.rule] = params.labels;
    ctx._source.{{ label_object }}.flat[params.rule] = labels_flat;
    if (!ctx._source.{{ label_object }}.rules.contains(params.rule)) {
        ctx._source.{{ label_object }}.rules.add(params.rule)
    }
    updated = true;
}
if (!updated) {
    ctx.op = "noop";
}
`

// filterScript matches documents carrying every label in params.labels,
// regardless of which rule applied them.
const filterScript = `
boolean found;
for (label in params.labels) {
    found = false;
    for (rule in doc["{{ label_object }}.rules"]) {
        found = doc["{{ label_object }}.list."+rule].contains(label);
        if (found) {
            break;
        }
    }
    if (!found) {
        return false;
    }
}
return true;
`

// fieldScript materializes the distinct sorted label set of a document.
const fieldScript = `
doc["{{ label_object }}.rules"].stream()
    .flatMap(l -> doc["{{ label_object }}.list."+l].stream())
    .distinct()
    .sorted()
    .collect(Collectors.toList());
`

// aggregateFieldScript emits each label of a document once, for use as
// a runtime keyword field in aggregations.
const aggregateFieldScript = `
List labels = doc["{{ label_object }}.rules"]
    .stream()
    .flatMap(
        l -> doc["{{ label_object }}.list."+l].stream()
    ).distinct()
    .collect(Collectors.toList());
for (label in labels) {
     emit(label);
}
`

func scriptSource(tpl, labelObject string) string {
	return strings.ReplaceAll(tpl, "{{ label_object }}", labelObject)
}

// UpdateScriptID returns the stored update script id for a dataset.
func UpdateScriptID(datasetName string) string {
	return fmt.Sprintf("%s_label_update", datasetName)
}

// FilterScriptID returns the stored filter script id for a dataset.
func FilterScriptID(datasetName string) string {
	return fmt.Sprintf("%s_label_filter", datasetName)
}

// FieldScriptID returns the stored field script id for a dataset.
func FieldScriptID(datasetName string) string {
	return fmt.Sprintf("%s_label_field", datasetName)
}

// InstallScripts stores the label update, filter and field scripts
// under dataset-scoped ids so several datasets can coexist on one store
// instance.
func InstallScripts(ctx context.Context, store index.Client, datasetName, labelObject string) error {
	scripts := []struct {
		id      string
		context string
		source  string
		desc    string
	}{
		{UpdateScriptID(datasetName), "update", scriptSource(updateScript, labelObject), "label merge update script"},
		{FilterScriptID(datasetName), "filter", scriptSource(filterScript, labelObject), "label filter script"},
		{FieldScriptID(datasetName), "field", scriptSource(fieldScript, labelObject), "label field script"},
	}
	for _, script := range scripts {
		body := map[string]any{
			"script": map[string]any{
				"description": script.desc,
				"lang":        "painless",
				"source":      script.source,
			},
		}
		if err := store.PutScript(ctx, script.id, script.context, body); err != nil {
			return err
		}
	}
	return nil
}
