package schema

import (
	"fmt"
	"strings"
)

// TableMeta is the cheap listing-phase view of a table: name and comment
// only, no columns.
type TableMeta struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

// TableSchema is the full description of one table.
type TableSchema struct {
	Name    string       `json:"name"`
	Comment string       `json:"comment,omitempty"`
	Columns []ColumnInfo `json:"columns"`
}

// Column looks up a column by name, case-insensitively.
func (t *TableSchema) Column(name string) (ColumnInfo, bool) {
	for _, col := range t.Columns {
		if strings.EqualFold(col.Name, name) {
			return col, true
		}
	}
	return ColumnInfo{}, false
}

// ColumnNames returns the column names in declaration order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// NotFoundError reports a data source with no tables, or a table that is not
// present in the data source. It is never downgraded to an empty result.
type NotFoundError struct {
	DataSource string
	Table      string
}

func (e *NotFoundError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("schema: table %q not found in data source %q", e.Table, e.DataSource)
	}
	return fmt.Sprintf("schema: no tables found in data source %q", e.DataSource)
}
