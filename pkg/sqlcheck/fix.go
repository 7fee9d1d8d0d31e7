package sqlcheck

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Change records one textual replacement applied by the fixer.
type Change struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

type span struct {
	start int
	end   int
	repl  string
	from  string
}

// AutoFix rewrites sql per the report's suggestions. Both qualified forms
// (table.column and alias.column) and bare column tokens are replaced, on
// word boundaries only and never inside string literals. Fixing already-fixed
// SQL yields no changes.
func AutoFix(sql string, report *Report) (string, []Change) {
	if report == nil || len(report.Suggestions) == 0 {
		return sql, nil
	}

	tables, _ := ExtractReferences(sql)
	aliasesFor := map[string][]string{}
	for _, tr := range tables {
		if tr.Alias != "" {
			key := strings.ToLower(tr.Name)
			aliasesFor[key] = append(aliasesFor[key], tr.Alias)
		}
	}

	masked := strings.ToLower(maskStrings(sql))

	keys := make([]string, 0, len(report.Suggestions))
	for k := range report.Suggestions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var spans []span
	for _, key := range keys {
		suggested := report.Suggestions[key]
		table, wrong := splitQualified(key)

		if table != "" {
			qualifiers := append([]string{table}, aliasesFor[strings.ToLower(table)]...)
			for _, q := range qualifiers {
				pattern := strings.ToLower(q + "." + wrong)
				for _, start := range findToken(masked, pattern, true) {
					end := start + len(pattern)
					qText := sql[start : start+len(q)]
					spans = append(spans, span{
						start: start,
						end:   end,
						repl:  qText + "." + suggested,
						from:  sql[start:end],
					})
				}
			}
		}
		pattern := strings.ToLower(wrong)
		for _, start := range findToken(masked, pattern, false) {
			end := start + len(pattern)
			spans = append(spans, span{
				start: start,
				end:   end,
				repl:  suggested,
				from:  sql[start:end],
			})
		}
	}
	if len(spans) == 0 {
		return sql, nil
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	applied := spans[:0]
	lastEnd := -1
	for _, sp := range spans {
		if sp.start < lastEnd {
			continue
		}
		applied = append(applied, sp)
		lastEnd = sp.end
	}

	var sb strings.Builder
	prev := 0
	for _, sp := range applied {
		sb.WriteString(sql[prev:sp.start])
		sb.WriteString(sp.repl)
		prev = sp.end
	}
	sb.WriteString(sql[prev:])

	changes := aggregateChanges(applied)
	log.Debug().Int("replacements", len(applied)).Msg("sqlcheck: auto-fix applied")
	return sb.String(), changes
}

// findToken returns the start offsets of pattern in masked, on word
// boundaries. allowDotted matches qualified patterns; bare patterns reject
// neighbors containing a dot so the column part of table.column is not
// matched twice.
func findToken(masked, pattern string, allowDotted bool) []int {
	var out []int
	for i := 0; ; {
		idx := strings.Index(masked[i:], pattern)
		if idx < 0 {
			break
		}
		start := i + idx
		end := start + len(pattern)
		i = start + 1

		if start > 0 && isWordChar(masked[start-1]) {
			continue
		}
		if end < len(masked) && isWordChar(masked[end]) {
			continue
		}
		if !allowDotted {
			if start > 0 && masked[start-1] == '.' {
				continue
			}
			if end < len(masked) && masked[end] == '.' {
				continue
			}
		}
		out = append(out, start)
	}
	return out
}

func splitQualified(key string) (table, column string) {
	idx := strings.LastIndex(key, ".")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

func aggregateChanges(spans []span) []Change {
	var changes []Change
	index := map[string]int{}
	for _, sp := range spans {
		k := sp.from + "\x00" + sp.repl
		if i, ok := index[k]; ok {
			changes[i].Count++
			continue
		}
		index[k] = len(changes)
		changes = append(changes, Change{From: sp.from, To: sp.repl, Count: 1})
	}
	return changes
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

var quotedPlaceholderRes = []*regexp.Regexp{
	regexp.MustCompile(`'(\{\{\s*[A-Za-z_][A-Za-z0-9_]*\s*\}\})'`),
	regexp.MustCompile(`"(\{\{\s*[A-Za-z_][A-Za-z0-9_]*\s*\}\})"`),
}

// Placeholders returns the names of every {{placeholder}} token in s, in
// order of appearance.
func Placeholders(s string) []string {
	matches := placeholderRe.FindAllStringSubmatch(s, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// FixQuotedPlaceholders strips quotes wrapped directly around placeholder
// tokens. Quotes left in place would survive substitution and double-quote
// the injected date literal.
func FixQuotedPlaceholders(sql string) (string, []Change) {
	var changes []Change
	out := sql
	for _, re := range quotedPlaceholderRes {
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			inner := m[1 : len(m)-1]
			changes = append(changes, Change{From: m, To: inner, Count: 1})
			return inner
		})
	}
	return out, mergeChangeCounts(changes)
}

func mergeChangeCounts(changes []Change) []Change {
	if len(changes) == 0 {
		return nil
	}
	var merged []Change
	index := map[string]int{}
	for _, c := range changes {
		k := c.From + "\x00" + c.To
		if i, ok := index[k]; ok {
			merged[i].Count += c.Count
			continue
		}
		index[k] = len(merged)
		merged = append(merged, c)
	}
	return merged
}

// SubstitutePlaceholders injects quoted date literals for {{start_date}} and
// {{end_date}}. Unknown placeholders are left untouched so they stay visible
// to validation.
func SubstitutePlaceholders(sql, startDate, endDate string) string {
	return placeholderRe.ReplaceAllStringFunc(sql, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		switch name {
		case "start_date":
			return "'" + startDate + "'"
		case "end_date":
			return "'" + endDate + "'"
		}
		return m
	})
}
