package generate

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/spec"
)

func sampleSpec() spec.Specification {
	return spec.Specification{
		ID:          "spec-1",
		OwnerID:     "owner-1",
		Name:        "Support Bot",
		Description: "Answers support tickets",
		Personality: map[string]string{"tone": "friendly", "style": "concise"},
		Tools: map[string]spec.ToolConfig{
			"web_search":     {Enabled: true},
			"knowledge_base": {Enabled: true, Params: map[string]string{"index": "support"}},
			"crm":            {Enabled: false},
		},
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	first, err := e.Render(sampleSpec())
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	second, err := e.Render(sampleSpec())
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("file count differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Path != second[i].Path {
			t.Fatalf("file %d path differs: %s vs %s", i, first[i].Path, second[i].Path)
		}
		if !bytes.Equal(first[i].Content, second[i].Content) {
			t.Fatalf("file %s content differs between identical renders", first[i].Path)
		}
	}
}

func TestRenderProducesFullTree(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	files, err := e.Render(sampleSpec())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := map[string]bool{
		"Dockerfile":       false,
		"assistant.json":   false,
		"main.py":          false,
		"requirements.txt": false,
	}
	for _, f := range files {
		if _, ok := want[f.Path]; !ok {
			t.Fatalf("unexpected file %s", f.Path)
		}
		want[f.Path] = true
		if len(f.Content) == 0 {
			t.Fatalf("file %s is empty", f.Path)
		}
	}
	for path, seen := range want {
		if !seen {
			t.Fatalf("missing file %s", path)
		}
	}
}

func TestRenderDisabledToolLeavesNoTrace(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sp := sampleSpec()
	files, err := e.Render(sp)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, f := range files {
		if f.Path == "assistant.json" && strings.Contains(string(f.Content), `"crm"`) {
			t.Fatalf("disabled tool leaked into %s", f.Path)
		}
	}
}

func TestRenderRejectsEmptyName(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sp := sampleSpec()
	sp.Name = "   "
	files, err := e.Render(sp)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldError, got %T: %v", err, err)
	}
	if fe.Field != "name" {
		t.Fatalf("expected diagnostic on field name, got %q", fe.Field)
	}
	if len(files) != 0 {
		t.Fatalf("validation failure must not produce a partial tree, got %d files", len(files))
	}
}

func TestRenderRejectsUnsupportedTool(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sp := sampleSpec()
	sp.Tools["time-machine"] = spec.ToolConfig{Enabled: true}
	files, err := e.Render(sp)
	if err == nil {
		t.Fatalf("expected unsupported tool error")
	}
	var te *UnsupportedToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected UnsupportedToolError, got %T: %v", err, err)
	}
	if te.Tool != "time-machine" {
		t.Fatalf("wrong tool in diagnostic: %q", te.Tool)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files on failure, got %d", len(files))
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Support Bot", "support-bot"},
		{"  My  Assistant!  ", "my-assistant"},
		// Docker repository names are lowercase ASCII; anything else must
		// never reach the tag.
		{"Éclair 9000", "clair-9000"},
		{"Ünïcode Bot", "n-code-bot"},
		{"___", ""},
		{"ÉÀÖ", ""},
	}
	for _, c := range cases {
		if got := Slugify(c.in); got != c.want {
			t.Fatalf("Slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
