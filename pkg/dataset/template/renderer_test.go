package template

import (
	"errors"
	"testing"
	"text/template"

	"github.com/rangelab/dataset/pkg/dataset/errs"
)

func TestRenderBasic(t *testing.T) {
	r := New()
	out, err := r.Render("hello {{ .name }}", map[string]any{"name": "world"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "hello world" {
		t.Errorf("out = %q", out)
	}
}

func TestRenderUndefinedVariableFails(t *testing.T) {
	r := New()
	_, err := r.Render("{{ .missing }}", map[string]any{})
	if err == nil {
		t.Fatal("undefined variable must fail, not render empty")
	}
	if !errors.Is(err, errs.ErrTemplateRender) {
		t.Errorf("err = %v, want ErrTemplateRender", err)
	}
}

func TestRenderParseErrorFails(t *testing.T) {
	r := New()
	_, err := r.Render("{{ .unclosed", nil)
	if !errors.Is(err, errs.ErrTemplateRender) {
		t.Errorf("err = %v, want ErrTemplateRender", err)
	}
}

func TestRenderIsPure(t *testing.T) {
	r := New()
	vars := map[string]any{"v": "x"}
	first, err := r.Render("{{ .v }}-{{ .v }}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := r.Render("{{ .v }}-{{ .v }}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if first != second || first != "x-x" {
		t.Errorf("renders differ: %q vs %q", first, second)
	}
	if vars["v"] != "x" {
		t.Error("rendering mutated the variable context")
	}
}

func TestRenderValuePreservesStructure(t *testing.T) {
	r := New()
	value := map[string]any{
		"{{ .key }}": []any{"{{ .v }}", 42, true},
		"nested":     map[string]any{"deep": "{{ .v }}"},
	}
	rendered, err := r.RenderValue(value, map[string]any{"key": "k", "v": "val"})
	if err != nil {
		t.Fatalf("render value: %v", err)
	}
	out := rendered.(map[string]any)
	list := out["k"].([]any)
	if list[0] != "val" || list[1] != 42 || list[2] != true {
		t.Errorf("list = %v", list)
	}
	if out["nested"].(map[string]any)["deep"] != "val" {
		t.Errorf("nested = %v", out["nested"])
	}
	// the input tree is untouched
	if _, ok := value["{{ .key }}"]; !ok {
		t.Error("RenderValue mutated its input")
	}
}

func TestRenderTyped(t *testing.T) {
	r := New()
	out, err := r.RenderTyped("[{{ .a }}, {{ .b }}]", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("render typed: %v", err)
	}
	list, ok := out.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("out = %#v, want a two element list", out)
	}
}

func TestWithFuncsDoesNotMutateBase(t *testing.T) {
	base := New()
	extended := base.WithFuncs(template.FuncMap{
		"shout": func(s string) string { return s + "!" },
	})

	out, err := extended.Render("{{ shout .v }}", map[string]any{"v": "hi"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "hi!" {
		t.Errorf("out = %q", out)
	}

	if _, err := base.Render("{{ shout .v }}", map[string]any{"v": "hi"}); err == nil {
		t.Error("base renderer must not gain the extra function")
	}
}

func TestParseTimeLayouts(t *testing.T) {
	for _, value := range []string{
		"2021-01-01T00:00:00Z",
		"2021-01-01T00:00:00.123456789Z",
		"2021-01-01T00:00:00",
		"2021-01-01 00:00:00",
		"2021-01-01",
	} {
		if _, err := ParseTime(value); err != nil {
			t.Errorf("ParseTime(%q): %v", value, err)
		}
	}
	if _, err := ParseTime("not a time"); err == nil {
		t.Error("garbage must not parse")
	}
}

func TestTimeFuncs(t *testing.T) {
	r := New()
	vars := map[string]any{"start": "2021-01-01T00:00:00Z"}

	out, err := r.Render(`{{ isoTime (timeAdd (asTime .start) "90m") }}`, vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "2021-01-01T01:30:00Z" {
		t.Errorf("out = %q", out)
	}

	out, err = r.Render(`{{ isoTime (timeSub (asTime .start) "30s") }}`, vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "2020-12-31T23:59:30Z" {
		t.Errorf("out = %q", out)
	}
}

func TestRegexFuncs(t *testing.T) {
	r := New()

	out, err := r.Render(`{{ regexMatch "web\\d+" .host }}`, map[string]any{"host": "web01.example"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "true" {
		t.Errorf("regexMatch anchored = %q", out)
	}

	// regexMatch anchors at the start, regexSearch does not
	out, _ = r.Render(`{{ regexMatch "example" .host }}`, map[string]any{"host": "web01.example"})
	if out != "false" {
		t.Errorf("regexMatch unanchored hit = %q", out)
	}
	out, _ = r.Render(`{{ regexSearch "example" .host }}`, map[string]any{"host": "web01.example"})
	if out != "true" {
		t.Errorf("regexSearch = %q", out)
	}

	out, _ = r.Render(`{{ matchAny .host "db\\d+" "web\\d+" }}`, map[string]any{"host": "web01"})
	if out != "true" {
		t.Errorf("matchAny = %q", out)
	}
}

func TestGetNavigatesDottedPath(t *testing.T) {
	r := New()
	vars := map[string]any{
		"HIT": map[string]any{
			"log": map[string]any{"file": map[string]any{"path": "/logs/app.log"}},
		},
	}
	out, err := r.Render(`{{ get .HIT "log.file.path" }}`, vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "/logs/app.log" {
		t.Errorf("out = %q", out)
	}

	if _, err := r.Render(`{{ get .HIT "log.nope" }}`, vars); err == nil {
		t.Error("missing path must fail")
	}
}

func TestJSONFuncs(t *testing.T) {
	r := New()
	out, err := r.Render(`{{ toJSON .v }}`, map[string]any{"v": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != `["a","b"]` {
		t.Errorf("toJSON = %q", out)
	}

	out, err = r.Render(`{{ index (fromJSON .v) 1 }}`, map[string]any{"v": `["a","b"]`})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "b" {
		t.Errorf("fromJSON = %q", out)
	}
}
