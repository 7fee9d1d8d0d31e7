package retry

import "strings"

// Classification is the coarse cause of a failed SQL execution. It decides
// whether regenerating the statement can help at all.
type Classification string

const (
	ClassSyntax         Classification = "syntax"
	ClassColumnNotFound Classification = "column-not-found"
	ClassTableNotFound  Classification = "table-not-found"
	ClassConnection     Classification = "connection"
	ClassPermission     Classification = "permission"
	ClassUnknown        Classification = "unknown"
)

func (c Classification) String() string {
	return string(c)
}

// Infrastructure reports whether the failure sits below the SQL itself, so a
// regenerated statement would hit the same wall.
func (c Classification) Infrastructure() bool {
	return c == ClassConnection || c == ClassPermission
}

// Classify maps a driver error to its classification by matching the error
// text. Covers the MySQL error numbers (1064 syntax, 1054 unknown column,
// 1146 missing table, 1045 access denied, 2002/2003/2006 connectivity) and
// the SQLite message strings.
func Classify(err error) Classification {
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case contains(msg, "error 1064", "syntax error", "incomplete input"):
		return ClassSyntax
	case contains(msg, "error 1054", "unknown column", "no such column"):
		return ClassColumnNotFound
	case contains(msg, "error 1146", "doesn't exist", "no such table"):
		return ClassTableNotFound
	case contains(msg, "error 1045", "access denied", "permission denied", "readonly database"):
		return ClassPermission
	case contains(msg, "error 2002", "error 2003", "error 2006",
		"connection refused", "bad connection", "broken pipe", "gone away",
		"i/o timeout", "context deadline exceeded"):
		return ClassConnection
	default:
		return ClassUnknown
	}
}

func contains(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
