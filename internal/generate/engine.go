// Package generate renders an assistant specification into the complete
// source tree of its container image. Rendering is deterministic: the same
// specification always yields byte-identical output.
package generate

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"text/template"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/spec"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// SupportedTools is the closed set of integrations the generated assistant
// runtime knows how to wire. Anything outside it fails generation.
var SupportedTools = map[string]bool{
	"web_search":     true,
	"knowledge_base": true,
	"calendar":       true,
	"email":          true,
	"crm":            true,
	"analytics":      true,
	"slack":          true,
	"whatsapp":       true,
}

// AssistantPort is the port the generated service listens on inside its
// container.
const AssistantPort = 8000

// File is one rendered output, path relative to the build context root.
type File struct {
	Path    string
	Content []byte
}

// FieldError is a field-level diagnostic for an invalid specification.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("specification field %q: %s", e.Field, e.Msg)
}

// UnsupportedToolError marks an enabled tool key outside the closed set.
type UnsupportedToolError struct {
	Tool string
}

func (e *UnsupportedToolError) Error() string {
	return fmt.Sprintf("unsupported tool %q", e.Tool)
}

// variables is the closed, named substitution set. Templates may reference
// these names and nothing else; missingkey=error turns anything unresolved
// into a hard failure instead of a silently emitted placeholder.
type variables struct {
	SpecID               string
	AssistantName        string
	AssistantSlug        string
	AssistantDescription string
	OwnerID              string
	PersonalityJSON      string
	EnabledTools         []string
	ToolConfigJSON       string
	ListenPort           int
}

type Engine struct {
	tmpl *template.Template
}

func NewEngine() (*Engine, error) {
	tmpl, err := template.New("assistant").
		Option("missingkey=error").
		ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{tmpl: tmpl}, nil
}

// Render produces the full source tree for one specification, sorted by
// path. A validation failure returns no files at all: the next stage never
// sees a partial tree.
func (e *Engine) Render(sp spec.Specification) ([]File, error) {
	vars, err := bindVariables(sp)
	if err != nil {
		return nil, err
	}

	names, err := templateNames()
	if err != nil {
		return nil, err
	}
	out := make([]File, 0, len(names))
	for _, name := range names {
		var buf bytes.Buffer
		if err := e.tmpl.ExecuteTemplate(&buf, name, vars); err != nil {
			return nil, fmt.Errorf("render %s: %w", name, err)
		}
		out = append(out, File{
			Path:    strings.TrimSuffix(name, ".tmpl"),
			Content: buf.Bytes(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// bindVariables validates the specification and maps its fields onto the
// substitution set. All derived JSON is marshalled from maps, which
// encoding/json emits with sorted keys, keeping output byte-stable.
func bindVariables(sp spec.Specification) (variables, error) {
	if strings.TrimSpace(sp.ID) == "" {
		return variables{}, &FieldError{Field: "id", Msg: "must not be empty"}
	}
	name := strings.TrimSpace(sp.Name)
	if name == "" {
		return variables{}, &FieldError{Field: "name", Msg: "must not be empty"}
	}
	slug := Slugify(name)
	if slug == "" {
		return variables{}, &FieldError{Field: "name", Msg: "must contain at least one letter or digit"}
	}

	enabled := make([]string, 0, len(sp.Tools))
	toolConfig := make(map[string]map[string]string, len(sp.Tools))
	for key, tc := range sp.Tools {
		if !tc.Enabled {
			continue
		}
		if !SupportedTools[key] {
			return variables{}, &UnsupportedToolError{Tool: key}
		}
		enabled = append(enabled, key)
		params := tc.Params
		if params == nil {
			params = map[string]string{}
		}
		toolConfig[key] = params
	}
	sort.Strings(enabled)

	personality := sp.Personality
	if personality == nil {
		personality = map[string]string{}
	}
	personalityJSON, err := json.Marshal(personality)
	if err != nil {
		return variables{}, &FieldError{Field: "personality", Msg: err.Error()}
	}
	toolJSON, err := json.Marshal(toolConfig)
	if err != nil {
		return variables{}, &FieldError{Field: "tools", Msg: err.Error()}
	}

	return variables{
		SpecID:               sp.ID,
		AssistantName:        name,
		AssistantSlug:        slug,
		AssistantDescription: strings.TrimSpace(sp.Description),
		OwnerID:              sp.OwnerID,
		PersonalityJSON:      string(personalityJSON),
		EnabledTools:         enabled,
		ToolConfigJSON:       string(toolJSON),
		ListenPort:           AssistantPort,
	}, nil
}

// Slugify derives the registry/DNS-safe name used for image tags and
// deployed service names. Only [a-z0-9-] survives: docker repository names
// reject anything else, so non-ASCII runes act as separators.
func Slugify(name string) string {
	var b strings.Builder
	prevDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevDash = false
		case !prevDash:
			b.WriteByte('-')
			prevDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func templateNames() ([]string, error) {
	entries, err := fs.ReadDir(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmpl") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
