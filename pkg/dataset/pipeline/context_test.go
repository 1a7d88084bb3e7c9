package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestResolveContextInlineOnly(t *testing.T) {
	vars, err := ResolveContext(t.TempDir(), ContextSpec{
		Variables: map[string]any{"host": "web01", "port": 9200},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if vars["host"] != "web01" {
		t.Errorf("host = %v, want web01", vars["host"])
	}
	if vars["port"] != 9200 {
		t.Errorf("port = %v, want 9200", vars["port"])
	}
}

func TestResolveContextFileOverridesInline(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "vars.yaml", "v: from-file\nextra: 1\n")

	vars, err := ResolveContext(dir, ContextSpec{
		Variables: map[string]any{"v": "inline", "keep": true},
		Files:     []VariableFile{{Path: "vars.yaml"}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if vars["v"] != "from-file" {
		t.Errorf("v = %v, want file value to win over inline", vars["v"])
	}
	if vars["keep"] != true {
		t.Errorf("keep = %v, inline variable without collision must survive", vars["keep"])
	}
	if vars["extra"] != 1 {
		t.Errorf("extra = %v, want 1", vars["extra"])
	}
}

func TestResolveContextLaterFileWins(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "f1.yaml", "v: first\n")
	writeTempFile(t, dir, "f2.yaml", "v: second\n")

	vars, err := ResolveContext(dir, ContextSpec{
		Files: []VariableFile{{Path: "f1.yaml"}, {Path: "f2.yaml"}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if vars["v"] != "second" {
		t.Errorf("v = %v, want the later file to win", vars["v"])
	}
}

func TestResolveContextNamedMount(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "servers.yaml", "webserver:\n  ip: 10.0.0.1\n")

	vars, err := ResolveContext(dir, ContextSpec{
		Files: []VariableFile{{Name: "servers", Path: "servers.yaml"}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	servers, ok := vars["servers"].(map[string]any)
	if !ok {
		t.Fatalf("servers = %T, want mapping mounted under its name", vars["servers"])
	}
	if _, ok := servers["webserver"]; !ok {
		t.Error("mounted file content missing webserver key")
	}
}

func TestResolveContextRootMergeRequiresMapping(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "list.yaml", "- a\n- b\n")

	_, err := ResolveContext(dir, ContextSpec{
		Files: []VariableFile{{Path: "list.yaml"}},
	})
	if err == nil {
		t.Fatal("merging a non-mapping file at root should fail")
	}
}

func TestResolveContextMissingFile(t *testing.T) {
	_, err := ResolveContext(t.TempDir(), ContextSpec{
		Files: []VariableFile{{Path: "nope.yaml"}},
	})
	if err == nil {
		t.Fatal("missing variable file should fail resolution")
	}
}

func TestParseContextSpecForms(t *testing.T) {
	spec, err := ParseContextSpec(map[string]any{
		"variables":      map[string]any{"a": 1},
		"variable_files": "vars.yaml",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(spec.Files) != 1 || spec.Files[0].Path != "vars.yaml" || spec.Files[0].Name != "" {
		t.Errorf("single path form parsed wrong: %+v", spec.Files)
	}

	spec, err = ParseContextSpec(map[string]any{
		"vars": map[string]any{"a": 1},
		"var_files": []any{
			"root.yaml",
			map[string]any{"servers": "servers.yaml"},
			map[string]any{"name": "facts", "file": "facts.json"},
		},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []VariableFile{
		{Path: "root.yaml"},
		{Name: "servers", Path: "servers.yaml"},
		{Name: "facts", Path: "facts.json"},
	}
	if len(spec.Files) != len(want) {
		t.Fatalf("got %d files, want %d", len(spec.Files), len(want))
	}
	for i, file := range want {
		if spec.Files[i] != file {
			t.Errorf("files[%d] = %+v, want %+v", i, spec.Files[i], file)
		}
	}

	spec, err = ParseContextSpec(map[string]any{
		"variable_files": map[string]any{"b": "b.yaml", "a": "a.yaml"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Files[0].Name != "a" || spec.Files[1].Name != "b" {
		t.Errorf("mapping form must mount in sorted name order, got %+v", spec.Files)
	}
}

func TestParseContextSpecRejectsNonMapping(t *testing.T) {
	if _, err := ParseContextSpec("nope"); err == nil {
		t.Fatal("non-mapping context should fail")
	}
	if _, err := ParseContextSpec(map[string]any{"variables": []any{"x"}}); err == nil {
		t.Fatal("non-mapping variables should fail")
	}
}

func TestCloneSpecIsDeep(t *testing.T) {
	spec := map[string]any{
		"nested": map[string]any{"list": []any{1, 2}},
	}
	clone := CloneSpec(spec)
	clone["nested"].(map[string]any)["list"].([]any)[0] = 99
	if spec["nested"].(map[string]any)["list"].([]any)[0] != 1 {
		t.Error("clone shares nested state with the original")
	}
}
