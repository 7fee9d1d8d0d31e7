package schema

import (
	"strings"
)

// Extras carries the stage-specific sections surfaced alongside the schema.
// Empty fields are omitted from the rendering.
type Extras struct {
	ErrorInfo      string
	DataPreview    string
	ExecutionStats string
}

const prohibition = "Only the tables and columns listed below exist. Never reference a table or column that is not listed."

// FormatContext renders the allowed schema for one pipeline stage. The
// enumeration is bracketed by an explicit prohibition, stated before and
// repeated after, so the model cannot miss it. Chart and document stages get
// a condensed one-line-per-table form since they consume query results, not
// the schema itself.
func FormatContext(stage string, docs []*TableSchema, extra Extras) string {
	var sb strings.Builder

	if extra.ErrorInfo != "" {
		sb.WriteString("## Previous error\n\n")
		sb.WriteString(strings.TrimSpace(extra.ErrorInfo))
		sb.WriteString("\n\n")
	}
	if extra.DataPreview != "" {
		sb.WriteString("## Data preview\n\n")
		sb.WriteString(strings.TrimSpace(extra.DataPreview))
		sb.WriteString("\n\n")
	}
	if extra.ExecutionStats != "" {
		sb.WriteString("## Execution stats\n\n")
		sb.WriteString(strings.TrimSpace(extra.ExecutionStats))
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Allowed schema\n\n")
	sb.WriteString(prohibition)
	sb.WriteString("\n\n")

	if len(docs) == 0 {
		sb.WriteString("(no tables loaded)\n")
		return sb.String()
	}

	condensed := stage == "chart_generation" || stage == "document_generation"
	for _, ts := range docs {
		if condensed {
			sb.WriteString("- ")
			sb.WriteString(ts.Name)
			sb.WriteString(": ")
			sb.WriteString(strings.Join(ts.ColumnNames(), ", "))
			sb.WriteString("\n")
			continue
		}
		sb.WriteString("### ")
		sb.WriteString(ts.Name)
		sb.WriteString("\n")
		if ts.Comment != "" {
			sb.WriteString(ts.Comment)
			sb.WriteString("\n")
		}
		for _, col := range ts.Columns {
			sb.WriteString("- ")
			sb.WriteString(col.Name)
			sb.WriteString(" (")
			sb.WriteString(col.Type)
			sb.WriteString(")")
			if col.Nullable {
				sb.WriteString(" NULL")
			} else {
				sb.WriteString(" NOT NULL")
			}
			if col.Comment != "" {
				sb.WriteString(" -- ")
				sb.WriteString(col.Comment)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nReminder: ")
	sb.WriteString(prohibition)
	sb.WriteString("\n")
	return sb.String()
}
