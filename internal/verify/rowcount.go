package verify

import (
	"context"
	"fmt"
)

// NonEmptyTablesChecker verifies that tables received at least some tuples.
type NonEmptyTablesChecker struct {
	// MinimumTables is the minimum number of tables that should have data.
	MinimumTables int
}

func NewNonEmptyTablesChecker(minimumTables int) *NonEmptyTablesChecker {
	return &NonEmptyTablesChecker{MinimumTables: minimumTables}
}

func (c *NonEmptyTablesChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:  "non_empty_tables",
		Level: LevelWarning,
	}

	restored := in.Summary.RestoredTables()
	var tablesWithData int
	for _, name := range restored {
		if in.Summary.TableTuples[name] > 0 {
			tablesWithData++
		}
	}

	if tablesWithData >= c.MinimumTables {
		result.Passed = true
		result.Message = fmt.Sprintf("%d/%d tables have data (%d tuples)", tablesWithData, len(restored), in.Summary.Tuples)
	} else {
		result.Passed = false
		result.Message = fmt.Sprintf("Only %d tables have data (minimum: %d)", tablesWithData, c.MinimumTables)
	}
	return result
}
