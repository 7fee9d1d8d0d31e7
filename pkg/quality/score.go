package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/text"

	"github.com/go-go-golems/gazette/pkg/datasource"
	"github.com/go-go-golems/gazette/pkg/schema"
	"github.com/go-go-golems/gazette/pkg/sqlcheck"
)

// Snapshot is one quality measurement of a candidate output.
type Snapshot struct {
	Stage      string             `json:"stage"`
	Score      float64            `json:"score"`
	Threshold  float64            `json:"threshold"`
	Dimensions map[string]float64 `json:"dimensions"`
	Issues     []string           `json:"issues,omitempty"`
	Turn       int                `json:"turn"`
}

// Met reports whether the snapshot reached its stage threshold.
func (s Snapshot) Met() bool {
	return s.Score >= s.Threshold
}

// DefaultThresholds returns the per-stage acceptance thresholds.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"sql_generation":      0.80,
		"sql_validation":      0.80,
		"chart_generation":    0.75,
		"document_generation": 0.85,
	}
}

// Env is the request-side context a candidate is scored against.
type Env struct {
	Schemas   map[string]*schema.TableSchema
	StartDate string
	EndDate   string
}

// Scorer measures candidates with weighted structural dimensions per stage.
// With deep validation enabled, SQL candidates are additionally probed
// against the live data source.
type Scorer struct {
	thresholds map[string]float64
	deep       bool
	runner     datasource.Runner
}

type ScorerOption func(*Scorer)

func WithThresholds(thresholds map[string]float64) ScorerOption {
	return func(s *Scorer) {
		for stage, v := range thresholds {
			s.thresholds[stage] = v
		}
	}
}

func WithThreshold(stage string, v float64) ScorerOption {
	return func(s *Scorer) {
		s.thresholds[stage] = v
	}
}

// WithDeepValidation turns on the LIMIT-0 probe dimension for SQL stages.
func WithDeepValidation(runner datasource.Runner) ScorerOption {
	return func(s *Scorer) {
		s.deep = true
		s.runner = runner
	}
}

func NewScorer(opts ...ScorerOption) *Scorer {
	s := &Scorer{thresholds: DefaultThresholds()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) Threshold(stage string) float64 {
	if v, ok := s.thresholds[stage]; ok {
		return v
	}
	return 0.80
}

// Score measures one candidate for one stage.
func (s *Scorer) Score(ctx context.Context, stage, candidate string, env Env) Snapshot {
	snap := Snapshot{
		Stage:      stage,
		Threshold:  s.Threshold(stage),
		Dimensions: map[string]float64{},
	}

	switch stage {
	case "chart_generation":
		s.scoreChart(&snap, candidate)
	case "document_generation":
		s.scoreDocument(&snap, candidate)
	default:
		s.scoreSQL(ctx, &snap, candidate, env)
	}

	log.Debug().
		Str("stage", stage).
		Float64("score", snap.Score).
		Float64("threshold", snap.Threshold).
		Strs("issues", snap.Issues).
		Msg("quality: candidate scored")
	return snap
}

func (s *Scorer) scoreSQL(ctx context.Context, snap *Snapshot, candidate string, env Env) {
	trimmed := strings.TrimSpace(candidate)

	parseable := 0.0
	if trimmed != "" && balanced(trimmed) && startsWithSelect(trimmed) {
		parseable = 1.0
	} else {
		snap.Issues = append(snap.Issues, "statement is empty, unbalanced, or not a SELECT")
	}

	schemaWeight := 0.5
	probeWeight := 0.0
	if s.deep && s.runner != nil {
		schemaWeight = 0.35
		probeWeight = 0.15
	}

	schemaScore := 0.0
	report := sqlcheck.Validate(trimmed, env.Schemas)
	if report.Valid {
		schemaScore = 1.0
	} else {
		for _, t := range report.InvalidTables {
			snap.Issues = append(snap.Issues, fmt.Sprintf("unknown table %s", t))
		}
		for _, c := range report.InvalidColumns {
			issue := fmt.Sprintf("unknown column %s", c)
			if sug, ok := report.Suggestions[c]; ok {
				issue = fmt.Sprintf("unknown column %s (did you mean %s?)", c, sug)
			}
			snap.Issues = append(snap.Issues, issue)
		}
	}

	placeholderScore := 1.0
	if _, changes := sqlcheck.FixQuotedPlaceholders(trimmed); len(changes) > 0 {
		placeholderScore = 0.0
		snap.Issues = append(snap.Issues, "placeholders must not be quoted")
	}
	for _, name := range sqlcheck.Placeholders(trimmed) {
		if name != "start_date" && name != "end_date" {
			placeholderScore = 0.0
			snap.Issues = append(snap.Issues, fmt.Sprintf("unknown placeholder {{%s}}", name))
		}
	}

	shapeScore := 0.0
	if startsWithSelect(trimmed) && containsWord(trimmed, "FROM") {
		shapeScore = 1.0
	} else {
		snap.Issues = append(snap.Issues, "expected a SELECT ... FROM statement")
	}

	probeScore := 0.0
	if probeWeight > 0 {
		probe := sqlcheck.SubstitutePlaceholders(trimmed, env.StartDate, env.EndDate)
		if err := sqlcheck.DeepValidate(ctx, s.runner, probe); err != nil {
			snap.Issues = append(snap.Issues, fmt.Sprintf("probe failed: %s", err))
		} else {
			probeScore = 1.0
		}
	}

	snap.Dimensions["parseable"] = parseable
	snap.Dimensions["schema"] = schemaScore
	snap.Dimensions["placeholders"] = placeholderScore
	snap.Dimensions["shape"] = shapeScore
	if probeWeight > 0 {
		snap.Dimensions["deep_probe"] = probeScore
	}
	snap.Score = 0.2*parseable + schemaWeight*schemaScore + 0.15*placeholderScore + 0.15*shapeScore + probeWeight*probeScore
}

var chartTypes = map[string]bool{
	"line": true, "bar": true, "pie": true, "area": true, "scatter": true,
}

func (s *Scorer) scoreChart(snap *Snapshot, candidate string) {
	validJSON := 0.0
	typeScore := 0.0
	keysScore := 0.0

	var chart map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &chart); err != nil {
		snap.Issues = append(snap.Issues, fmt.Sprintf("chart is not valid JSON: %s", err))
	} else {
		validJSON = 1.0

		if ct, _ := chart["type"].(string); chartTypes[ct] {
			typeScore = 1.0
		} else {
			snap.Issues = append(snap.Issues, fmt.Sprintf("unknown chart type %q", chart["type"]))
		}

		if title, _ := chart["title"].(string); title != "" {
			keysScore += 0.5
		} else {
			snap.Issues = append(snap.Issues, "chart is missing a title")
		}
		if hasSeries(chart) {
			keysScore += 0.5
		} else {
			snap.Issues = append(snap.Issues, "chart is missing series data")
		}
	}

	snap.Dimensions["valid_json"] = validJSON
	snap.Dimensions["chart_type"] = typeScore
	snap.Dimensions["required_keys"] = keysScore
	snap.Score = 0.4*validJSON + 0.2*typeScore + 0.4*keysScore
}

func hasSeries(chart map[string]any) bool {
	for _, key := range []string{"series", "data"} {
		if v, ok := chart[key]; ok {
			if arr, ok := v.([]any); ok && len(arr) > 0 {
				return true
			}
		}
	}
	return false
}

func (s *Scorer) scoreDocument(snap *Snapshot, candidate string) {
	trimmed := strings.TrimSpace(candidate)

	markdown := 0.0
	doc := goldmark.New().Parser().Parse(text.NewReader([]byte(trimmed)))
	if trimmed != "" && doc.ChildCount() > 0 {
		markdown = 1.0
	} else {
		snap.Issues = append(snap.Issues, "document is empty")
	}

	length := 0.0
	switch n := len(trimmed); {
	case n >= 200 && n <= 50000:
		length = 1.0
	case n >= 50:
		length = 0.5
		snap.Issues = append(snap.Issues, "document is unusually short or long")
	default:
		snap.Issues = append(snap.Issues, "document is too short")
	}

	placeholderScore := 1.0
	if len(sqlcheck.Placeholders(trimmed)) > 0 {
		placeholderScore = 0.0
		snap.Issues = append(snap.Issues, "document contains unresolved placeholders")
	}

	leakage := 1.0
	for _, needle := range []string{`"action"`, `"toolCalls"`, `"tool_calls"`, `"tool_call"`} {
		if strings.Contains(trimmed, needle) {
			leakage = 0.0
			snap.Issues = append(snap.Issues, "document leaks tool-protocol JSON")
			break
		}
	}

	snap.Dimensions["markdown"] = markdown
	snap.Dimensions["length"] = length
	snap.Dimensions["placeholders"] = placeholderScore
	snap.Dimensions["no_tool_leakage"] = leakage
	snap.Score = 0.3*markdown + 0.2*length + 0.25*placeholderScore + 0.25*leakage
}

func startsWithSelect(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

func containsWord(s, word string) bool {
	upper := strings.ToUpper(s)
	idx := 0
	for {
		i := strings.Index(upper[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isIdentChar(upper[start-1])
		afterOK := end == len(upper) || !isIdentChar(upper[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// balanced checks parenthesis pairing outside string literals and that every
// literal is terminated.
func balanced(sql string) bool {
	depth := 0
	inString := byte(0)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if inString != 0 {
			if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = c
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && inString == 0
}
