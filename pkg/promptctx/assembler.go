package promptctx

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gazette/pkg/tokens"
)

// Priority orders components for budget allocation. Critical components are
// always included; the remaining tiers fill whatever budget is left.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Component is one named block of prompt text competing for budget.
type Component struct {
	Name     string
	Content  string
	Priority Priority
	// TokenEstimate overrides counting when non-zero.
	TokenEstimate int
}

// Assembly is the composed prompt plus an account of what made it in.
type Assembly struct {
	Text        string
	Included    []string
	Truncated   []string
	TotalTokens int
}

// Assembler composes prompt text under a token budget. It is used twice per
// turn: once for the static request prompt at run start and once per turn
// for the dynamic schema block, which may differ between turns as retrieval
// shifts.
type Assembler struct {
	budget  int
	counter tokens.Counter
}

type Option func(*Assembler)

// WithCounter swaps the token counter, mainly for tests.
func WithCounter(c tokens.Counter) Option {
	return func(a *Assembler) { a.counter = c }
}

// New creates an assembler with the given token budget.
func New(budget int, opts ...Option) *Assembler {
	a := &Assembler{
		budget:  budget,
		counter: tokens.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Budget returns the configured token budget.
func (a *Assembler) Budget() int {
	return a.budget
}

// Assemble includes every critical component unconditionally, then fills the
// remaining budget with high, medium and low components in that order,
// preserving insertion order within a tier. A non-critical component that
// does not fit the remaining budget is skipped and recorded by name in
// Truncated, so the total estimate never exceeds the budget except when the
// critical tier alone already does.
func (a *Assembler) Assemble(components []Component) *Assembly {
	ordered := make([]Component, len(components))
	copy(ordered, components)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	out := &Assembly{}
	var parts []string
	for _, c := range ordered {
		est := c.TokenEstimate
		if est == 0 {
			est = a.counter.Count(c.Content)
		}
		if c.Priority != PriorityCritical && out.TotalTokens+est > a.budget {
			out.Truncated = append(out.Truncated, c.Name)
			log.Debug().
				Str("component", c.Name).
				Int("tokens", est).
				Int("budget", a.budget).
				Int("used", out.TotalTokens).
				Msg("promptctx: component dropped, budget exhausted")
			continue
		}
		parts = append(parts, c.Content)
		out.Included = append(out.Included, c.Name)
		out.TotalTokens += est
	}

	if out.TotalTokens > a.budget {
		log.Warn().
			Int("tokens", out.TotalTokens).
			Int("budget", a.budget).
			Msg("promptctx: critical components alone exceed the token budget")
	}

	out.Text = strings.Join(parts, "\n\n")
	return out
}
