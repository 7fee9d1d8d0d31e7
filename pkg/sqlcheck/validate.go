package sqlcheck

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gazette/pkg/schema"
)

// Report is the outcome of validating one SQL string against a schema map.
// InvalidColumns entries are qualified ("orders.amt"); Suggestions map the
// qualified wrong name to the bare suggested column.
type Report struct {
	Valid          bool              `json:"valid"`
	InvalidTables  []string          `json:"invalid_tables,omitempty"`
	InvalidColumns []string          `json:"invalid_columns,omitempty"`
	Suggestions    map[string]string `json:"suggestions,omitempty"`
}

// Validate checks every table and column reference in sql against the given
// schemas. A referenced table missing from the map is itself a failure; it is
// never skipped in favor of column-level results only.
func Validate(sql string, schemas map[string]*schema.TableSchema) *Report {
	tables, columns := ExtractReferences(sql)

	index := make(map[string]*schema.TableSchema, len(schemas))
	for _, ts := range schemas {
		index[strings.ToLower(ts.Name)] = ts
	}

	report := &Report{Valid: true, Suggestions: map[string]string{}}
	var referenced []*schema.TableSchema
	seenInvalid := map[string]bool{}
	addInvalidTable := func(name string) {
		key := strings.ToLower(name)
		if seenInvalid[key] {
			return
		}
		seenInvalid[key] = true
		report.InvalidTables = append(report.InvalidTables, name)
	}

	for _, tr := range tables {
		ts, ok := index[strings.ToLower(tr.Name)]
		if !ok {
			addInvalidTable(tr.Name)
			continue
		}
		referenced = append(referenced, ts)
	}

	for _, cr := range columns {
		if cr.Table != "" {
			ts, ok := index[strings.ToLower(cr.Table)]
			if !ok {
				// a qualifier that is neither a known table nor an alias
				addInvalidTable(cr.Table)
				continue
			}
			if _, ok := ts.Column(cr.Column); ok {
				continue
			}
			key := ts.Name + "." + cr.Column
			report.InvalidColumns = append(report.InvalidColumns, key)
			if col, _, ok := bestSuggestion(cr.Column, []*schema.TableSchema{ts}); ok {
				report.Suggestions[key] = col
			}
			continue
		}

		// bare columns are checked against every referenced table; with no
		// known table the table-level failure already covers the statement
		if len(referenced) == 0 {
			continue
		}
		if columnExists(cr.Column, referenced) {
			continue
		}
		col, ts, ok := bestSuggestion(cr.Column, referenced)
		key := referenced[0].Name + "." + cr.Column
		if ok {
			key = ts.Name + "." + cr.Column
		}
		report.InvalidColumns = append(report.InvalidColumns, key)
		if ok {
			report.Suggestions[key] = col
		}
	}

	report.Valid = len(report.InvalidTables) == 0 && len(report.InvalidColumns) == 0
	if !report.Valid {
		log.Debug().
			Strs("invalid_tables", report.InvalidTables).
			Strs("invalid_columns", report.InvalidColumns).
			Msg("sqlcheck: validation failed")
	}
	if len(report.Suggestions) == 0 {
		report.Suggestions = nil
	}
	return report
}

func columnExists(name string, tables []*schema.TableSchema) bool {
	for _, ts := range tables {
		if _, ok := ts.Column(name); ok {
			return true
		}
	}
	return false
}

// bestSuggestion picks the closest column name across the given tables.
// Candidates are ranked by tier: exact case-insensitive match, then substring
// containment, then Levenshtein distance. A distance suggestion is accepted
// only while the distance is at most half the longer name, so "amt" reaches
// "amount" but noise does not reach anything.
func bestSuggestion(wrong string, tables []*schema.TableSchema) (string, *schema.TableSchema, bool) {
	lw := strings.ToLower(wrong)

	bestTier := 4
	bestDist := 0
	var bestCol string
	var bestTable *schema.TableSchema

	for _, ts := range tables {
		for _, col := range ts.Columns {
			lc := strings.ToLower(col.Name)
			tier := 4
			dist := 0
			switch {
			case lc == lw:
				tier = 1
			case substringMatch(lc, lw):
				tier = 2
				dist = levenshtein(lc, lw)
			default:
				dist = levenshtein(lc, lw)
				longer := len(lc)
				if len(lw) > longer {
					longer = len(lw)
				}
				if dist*2 <= longer {
					tier = 3
				}
			}
			if tier < bestTier || (tier == bestTier && dist < bestDist) {
				bestTier = tier
				bestDist = dist
				bestCol = col.Name
				bestTable = ts
			}
		}
	}
	if bestTier == 4 {
		return "", nil, false
	}
	return bestCol, bestTable, true
}

func substringMatch(a, b string) bool {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= 3 && strings.Contains(long, short)
}
