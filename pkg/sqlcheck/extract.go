package sqlcheck

import (
	"strings"
)

// TableRef is a table referenced after FROM or JOIN, with its alias when one
// was declared.
type TableRef struct {
	Name  string
	Alias string
}

// ColumnRef is a column reference. Table carries the resolved table name when
// the reference was qualified (aliases are resolved); it is empty for bare
// references.
type ColumnRef struct {
	Table  string
	Column string
}

// ExtractReferences scans a SQL string lexically and returns every table and
// column it references: tables after FROM/JOIN, columns from the select list
// and WHERE/ON/GROUP BY/HAVING/ORDER BY clauses. String literals and
// {{placeholder}} tokens are masked before scanning, function names and
// keywords are skipped, and select-list aliases are not reported as columns.
func ExtractReferences(sql string) ([]TableRef, []ColumnRef) {
	masked := maskPlaceholders(maskStrings(sql))
	toks := lexSQL(masked)

	type rawCol struct {
		qualifier string
		column    string
	}

	var tables []TableRef
	var raw []rawCol
	selectAliases := map[string]bool{}

	type frame struct {
		clause      clause
		expectTable bool
	}
	stack := []frame{{clause: clauseNone}}
	top := func() *frame { return &stack[len(stack)-1] }

	wordAt := func(i int) (string, bool) {
		if i >= 0 && i < len(toks) && toks[i].kind == wordTok {
			return toks[i].text, true
		}
		return "", false
	}
	punctAt := func(i int, ch string) bool {
		return i >= 0 && i < len(toks) && toks[i].kind == punctTok && toks[i].text == ch
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == punctTok {
			switch t.text {
			case "(":
				inner := top().clause
				if w, ok := wordAt(i - 1); ok && !keywords[strings.ToUpper(w)] {
					inner = clauseFuncArgs
				}
				stack = append(stack, frame{clause: inner})
			case ")":
				if len(stack) > 1 {
					stack = stack[:len(stack)-1]
				}
			case ",":
				if top().clause == clauseFrom {
					top().expectTable = true
				}
			}
			continue
		}

		upper := strings.ToUpper(t.text)
		switch upper {
		case "SELECT":
			top().clause = clauseSelect
			continue
		case "FROM", "JOIN":
			// EXTRACT(DAY FROM col) and friends: FROM inside function
			// arguments does not introduce a table
			if top().clause == clauseFuncArgs {
				continue
			}
			top().clause = clauseFrom
			top().expectTable = true
			continue
		case "ON":
			top().clause = clauseOn
			continue
		case "WHERE":
			top().clause = clauseWhere
			continue
		case "GROUP":
			top().clause = clauseGroup
			if w, ok := wordAt(i + 1); ok && strings.EqualFold(w, "BY") {
				i++
			}
			continue
		case "ORDER":
			top().clause = clauseOrder
			if w, ok := wordAt(i + 1); ok && strings.EqualFold(w, "BY") {
				i++
			}
			continue
		case "HAVING":
			top().clause = clauseHaving
			continue
		case "LIMIT", "OFFSET", "UNION":
			top().clause = clauseNone
			continue
		case "AS":
			if w, ok := wordAt(i + 1); ok {
				if top().clause == clauseSelect {
					selectAliases[strings.ToLower(w)] = true
				}
				i++
			}
			continue
		}
		if keywords[upper] {
			continue
		}

		cur := top()
		if cur.clause == clauseFrom && cur.expectTable {
			// qualified name: keep the last component
			name := t.text
			j := i
			for punctAt(j+1, ".") {
				if w, ok := wordAt(j + 2); ok {
					name = w
					j += 2
				} else {
					break
				}
			}
			ref := TableRef{Name: name}
			k := j + 1
			if w, ok := wordAt(k); ok && strings.EqualFold(w, "AS") {
				k++
			}
			if w, ok := wordAt(k); ok && !keywords[strings.ToUpper(w)] {
				ref.Alias = w
				j = k
			}
			tables = append(tables, ref)
			cur.expectTable = false
			i = j
			continue
		}

		if !collectingClause(cur.clause) {
			continue
		}
		// function names are skipped, their arguments are not
		if punctAt(i+1, "(") {
			continue
		}
		if punctAt(i+1, ".") {
			if w, ok := wordAt(i + 2); ok {
				raw = append(raw, rawCol{qualifier: t.text, column: w})
				i += 2
				continue
			}
			if punctAt(i+2, "*") {
				i += 2
				continue
			}
		}
		raw = append(raw, rawCol{column: t.text})
	}

	// resolve aliases and drop duplicates
	aliasToTable := map[string]string{}
	tableNames := map[string]string{}
	seenTables := map[string]bool{}
	uniqueTables := tables[:0]
	for _, tr := range tables {
		key := strings.ToLower(tr.Name) + "\x00" + strings.ToLower(tr.Alias)
		if seenTables[key] {
			continue
		}
		seenTables[key] = true
		uniqueTables = append(uniqueTables, tr)
		tableNames[strings.ToLower(tr.Name)] = tr.Name
		if tr.Alias != "" {
			aliasToTable[strings.ToLower(tr.Alias)] = tr.Name
		}
	}

	var cols []ColumnRef
	seenCols := map[string]bool{}
	for _, rc := range raw {
		table := ""
		if rc.qualifier != "" {
			q := strings.ToLower(rc.qualifier)
			switch {
			case aliasToTable[q] != "":
				table = aliasToTable[q]
			case tableNames[q] != "":
				table = tableNames[q]
			default:
				table = rc.qualifier
			}
		} else {
			lc := strings.ToLower(rc.column)
			// a bare token that names a table or alias is not a column
			if aliasToTable[lc] != "" || tableNames[lc] != "" {
				continue
			}
			if selectAliases[lc] {
				continue
			}
		}
		key := strings.ToLower(table) + "." + strings.ToLower(rc.column)
		if seenCols[key] {
			continue
		}
		seenCols[key] = true
		cols = append(cols, ColumnRef{Table: table, Column: rc.column})
	}

	return uniqueTables, cols
}

type clause int

const (
	clauseNone clause = iota
	clauseSelect
	clauseFrom
	clauseOn
	clauseWhere
	clauseGroup
	clauseHaving
	clauseOrder
	clauseFuncArgs
)

func collectingClause(c clause) bool {
	switch c {
	case clauseSelect, clauseOn, clauseWhere, clauseGroup, clauseHaving, clauseOrder, clauseFuncArgs:
		return true
	}
	return false
}

type tokenKind int

const (
	wordTok tokenKind = iota
	punctTok
)

type lexToken struct {
	text string
	kind tokenKind
	pos  int
}

func lexSQL(s string) []lexToken {
	var toks []lexToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isWordStart(c):
			j := i + 1
			for j < len(s) && isWordChar(s[j]) {
				j++
			}
			toks = append(toks, lexToken{text: s[i:j], kind: wordTok, pos: i})
			i = j
		case c >= '0' && c <= '9':
			// numbers (including decimals) produce no token so their dot
			// cannot look like a qualifier
			j := i + 1
			for j < len(s) && (isWordChar(s[j]) || s[j] == '.') {
				j++
			}
			i = j
		case c == '`':
			j := i + 1
			for j < len(s) && s[j] != '`' {
				j++
			}
			toks = append(toks, lexToken{text: s[i+1 : j], kind: wordTok, pos: i})
			if j < len(s) {
				j++
			}
			i = j
		default:
			toks = append(toks, lexToken{text: string(c), kind: punctTok, pos: i})
			i++
		}
	}
	return toks
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}

// maskStrings blanks the contents of single- and double-quoted literals while
// preserving length, so token positions in the masked string line up with the
// original. Doubled-quote and backslash escapes are handled.
func maskStrings(sql string) string {
	b := []byte(sql)
	i := 0
	for i < len(b) {
		c := b[i]
		if c != '\'' && c != '"' {
			i++
			continue
		}
		q := c
		j := i + 1
		for j < len(b) {
			if b[j] == '\\' && j+1 < len(b) {
				b[j], b[j+1] = ' ', ' '
				j += 2
				continue
			}
			if b[j] == q {
				if j+1 < len(b) && b[j+1] == q {
					b[j], b[j+1] = ' ', ' '
					j += 2
					continue
				}
				break
			}
			b[j] = ' '
			j++
		}
		i = j + 1
	}
	return string(b)
}

// maskPlaceholders blanks {{name}} tokens, braces included.
func maskPlaceholders(sql string) string {
	b := []byte(sql)
	for i := 0; i+1 < len(b); i++ {
		if b[i] != '{' || b[i+1] != '{' {
			continue
		}
		j := i + 2
		for j+1 < len(b) && !(b[j] == '}' && b[j+1] == '}') {
			j++
		}
		if j+1 < len(b) {
			for k := i; k <= j+1; k++ {
				b[k] = ' '
			}
			i = j + 1
		}
	}
	return string(b)
}

var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "JOIN": true,
	"INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "ON": true,
	"USING": true, "AND": true, "OR": true, "NOT": true, "IN": true,
	"IS": true, "NULL": true, "AS": true, "GROUP": true, "BY": true,
	"HAVING": true, "ORDER": true, "LIMIT": true, "OFFSET": true,
	"ASC": true, "DESC": true, "DISTINCT": true, "CASE": true,
	"WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"BETWEEN": true, "LIKE": true, "ESCAPE": true, "EXISTS": true,
	"UNION": true, "ALL": true, "ANY": true, "SOME": true,
	"VALUES": true, "INTERVAL": true, "TRUE": true, "FALSE": true,
	"UNKNOWN": true, "WITH": true, "RECURSIVE": true, "OVER": true,
	"PARTITION": true, "ROWS": true, "RANGE": true, "PRECEDING": true,
	"FOLLOWING": true, "UNBOUNDED": true, "CURRENT": true, "ROW": true,
	"DATE": true, "TIME": true, "TIMESTAMP": true, "DATETIME": true,
	"YEAR": true, "QUARTER": true, "MONTH": true, "WEEK": true,
	"DAY": true, "HOUR": true, "MINUTE": true, "SECOND": true,
	"MICROSECOND": true, "CURRENT_DATE": true, "CURRENT_TIME": true,
	"CURRENT_TIMESTAMP": true, "LOCALTIME": true, "LOCALTIMESTAMP": true,
	"DIV": true, "MOD": true, "XOR": true, "REGEXP": true, "RLIKE": true,
	"BINARY": true, "COLLATE": true, "DUAL": true,
}
