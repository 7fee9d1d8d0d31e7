package stages

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"

	"github.com/go-go-golems/gazette/pkg/tools"
)

// Spec binds one stage to its tool subset, prompt template, quality threshold
// and context token budget.
type Spec struct {
	Stage       Stage
	Tools       []string
	Template    string
	Threshold   float64
	TokenBudget int
}

// PromptData is the payload a stage template renders against. Not every field
// is set for every stage; the templates guard the optional ones.
type PromptData struct {
	Placeholder   string
	Intent        string
	Objective     string
	TimeWindow    string
	SchemaContext string
	ErrorInfo     string
	DataPreview   string
	SQL           string
	Chart         string
}

// Manager hands out per-stage tool subsets and rendered prompts. All templates
// are parsed once at construction.
type Manager struct {
	specs     map[Stage]Spec
	templates map[Stage]*template.Template
}

type Option func(*Manager)

// WithSpec overrides or adds a stage spec before templates are parsed.
func WithSpec(spec Spec) Option {
	return func(m *Manager) { m.specs[spec.Stage] = spec }
}

// WithThreshold overrides one stage's quality threshold.
func WithThreshold(stage Stage, threshold float64) Option {
	return func(m *Manager) {
		if spec, ok := m.specs[stage]; ok {
			spec.Threshold = threshold
			m.specs[stage] = spec
		}
	}
}

// NewManager builds a manager with the default stage specs, applies the
// options, then parses every template.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{specs: make(map[Stage]Spec, 4)}
	for _, spec := range defaultSpecs() {
		m.specs[spec.Stage] = spec
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.templates = make(map[Stage]*template.Template, len(m.specs))
	for stage, spec := range m.specs {
		tmpl, err := template.New(string(stage)).Funcs(sprig.FuncMap()).Parse(spec.Template)
		if err != nil {
			return nil, errors.Wrapf(err, "stages: parse template for %s", stage)
		}
		m.templates[stage] = tmpl
	}
	return m, nil
}

// Spec returns the stage's configuration.
func (m *Manager) Spec(stage Stage) (Spec, bool) {
	spec, ok := m.specs[stage]
	return spec, ok
}

// Threshold returns the stage's quality threshold, zero for unknown stages.
func (m *Manager) Threshold(stage Stage) float64 {
	return m.specs[stage].Threshold
}

// RenderPrompt executes the stage's template against data.
func (m *Manager) RenderPrompt(stage Stage, data PromptData) (string, error) {
	tmpl, ok := m.templates[stage]
	if !ok {
		return "", errors.Errorf("stages: no template for stage %s", stage)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "stages: render prompt for %s", stage)
	}
	return buf.String(), nil
}

// Registry clones the stage's tool subset out of the full registry. A stage
// with no tools gets an empty registry, never the full one.
func (m *Manager) Registry(stage Stage, full tools.Registry) tools.Registry {
	spec, ok := m.specs[stage]
	if !ok || len(spec.Tools) == 0 {
		return tools.NewInMemoryRegistry()
	}
	return full.Subset(spec.Tools)
}
