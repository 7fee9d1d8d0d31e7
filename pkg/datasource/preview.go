package datasource

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Preview renders up to n rows as a compact text table for inclusion in a
// prompt. Column order follows Result.Columns so the rendering is stable.
func Preview(res *Result, n int) string {
	if res == nil || len(res.Columns) == 0 {
		return "(no rows)"
	}
	if n <= 0 || n > len(res.Rows) {
		n = len(res.Rows)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(res.Columns, " | "))
	sb.WriteString("\n")
	seps := make([]string, len(res.Columns))
	for i := range seps {
		seps[i] = "---"
	}
	sb.WriteString(strings.Join(seps, " | "))
	sb.WriteString("\n")

	for _, row := range res.Rows[:n] {
		cells := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			cells[i] = formatValue(row[col])
		}
		sb.WriteString(strings.Join(cells, " | "))
		sb.WriteString("\n")
	}

	total := len(res.Rows)
	switch {
	case res.Truncated:
		fmt.Fprintf(&sb, "(showing %d of %d+ rows)\n", n, total)
	case n < total:
		fmt.Fprintf(&sb, "(showing %d of %d rows)\n", n, total)
	default:
		fmt.Fprintf(&sb, "(%d rows)\n", total)
	}
	return sb.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", val)
	}
}
