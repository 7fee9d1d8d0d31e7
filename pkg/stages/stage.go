package stages

import (
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
)

// Stage identifies one phase of the report pipeline. Each stage binds its own
// tool subset, prompt template and quality threshold. Moving to the next stage
// never resets the run's turn counter.
type Stage string

const (
	SQLGeneration      Stage = "sql_generation"
	SQLValidation      Stage = "sql_validation"
	ChartGeneration    Stage = "chart_generation"
	DocumentGeneration Stage = "document_generation"
)

// All returns the stages in pipeline order.
func All() []Stage {
	return []Stage{SQLGeneration, SQLValidation, ChartGeneration, DocumentGeneration}
}

func (s Stage) String() string {
	return string(s)
}

// Parse normalizes a free-form stage name ("SQLGeneration", "chart generation",
// "document-generation") to its canonical snake_case slug.
func Parse(raw string) (Stage, error) {
	slug := strcase.ToSnake(strings.TrimSpace(raw))
	for _, s := range All() {
		if string(s) == slug {
			return s, nil
		}
	}

	known := make([]string, 0, len(All()))
	for _, s := range All() {
		known = append(known, string(s))
	}
	return "", errors.Errorf("stages: unknown stage %q (known: %s)", raw, strings.Join(known, ", "))
}
