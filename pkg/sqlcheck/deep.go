package sqlcheck

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/gazette/pkg/datasource"
)

// DeepValidate executes the statement wrapped in a zero-row probe, so the
// database parses and plans it without returning data. Placeholders must be
// substituted before calling.
func DeepValidate(ctx context.Context, runner datasource.Runner, sql string) error {
	stmt := strings.TrimRight(strings.TrimSpace(sql), ";")
	probe := fmt.Sprintf("SELECT * FROM (%s) AS probe_q LIMIT 0", stmt)
	if _, err := runner.Query(ctx, probe); err != nil {
		return errors.Wrap(err, "deep validation")
	}
	return nil
}
