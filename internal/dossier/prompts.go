package dossier

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"dossier/internal/config"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// PromptData is what instruction templates are executed with.
type PromptData struct {
	Subject    string
	Noun       string
	Domain     string
	MaxQueries int
}

// Prompts renders stage instructions: the embedded defaults, with any
// instruction a domain sets for a stage taking precedence.
type Prompts struct {
	base      *template.Template
	overrides map[string]*template.Template
}

var promptFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// NewPrompts parses the defaults and the domain's instruction overrides.
func NewPrompts(d config.Domain) (*Prompts, error) {
	base, err := template.New("prompts").Funcs(promptFuncs).ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse default prompts: %w", err)
	}
	p := &Prompts{base: base, overrides: make(map[string]*template.Template)}
	for id, sc := range d.Stages {
		if strings.TrimSpace(sc.Instruction) == "" {
			continue
		}
		t, err := template.New(id).Funcs(promptFuncs).Parse(sc.Instruction)
		if err != nil {
			return nil, fmt.Errorf("parse instruction for %s: %w", id, err)
		}
		p.overrides[id] = t
	}
	return p, nil
}

// Render executes the named prompt.
func (p *Prompts) Render(name string, data PromptData) (string, error) {
	t, ok := p.overrides[name]
	if !ok {
		t = p.base.Lookup(name)
	}
	if t == nil {
		return "", fmt.Errorf("no prompt named %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
