package verify

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TablesExistChecker verifies that every baseline table was restored.
type TablesExistChecker struct{}

func NewTablesExistChecker() *TablesExistChecker {
	return &TablesExistChecker{}
}

func (c *TablesExistChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:  "tables_exist",
		Level: LevelCritical,
	}

	// No baseline means this is the first run - auto-pass
	if in.Baseline == nil {
		result.Passed = true
		result.Message = "No baseline schema available (first restore)"
		return result
	}

	missing := difference(in.Baseline.TableNames(), in.Current.TableNames())
	if len(missing) > 0 {
		result.Passed = false
		result.Message = fmt.Sprintf("Missing %d tables: %s", len(missing), strings.Join(missing, ", "))
	} else {
		result.Passed = true
		result.Message = fmt.Sprintf("All %d expected tables present", len(in.Baseline.Tables))
	}
	return result
}

// TableCountChecker verifies that the number of tables matches the baseline.
type TableCountChecker struct{}

func NewTableCountChecker() *TableCountChecker {
	return &TableCountChecker{}
}

func (c *TableCountChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:  "table_count",
		Level: LevelWarning,
	}

	current := len(in.Current.Tables)
	if in.Baseline == nil {
		result.Passed = true
		result.Message = fmt.Sprintf("Found %d tables (no baseline for comparison)", current)
		return result
	}

	diff := current - len(in.Baseline.Tables)
	switch {
	case diff == 0:
		result.Passed = true
		result.Message = fmt.Sprintf("Table count matches baseline: %d tables", current)
	case diff > 0:
		result.Passed = true
		result.Message = fmt.Sprintf("Table count increased: %d tables (+%d from baseline)", current, diff)
	default:
		result.Passed = false
		result.Message = fmt.Sprintf("Table count decreased: %d tables (%d from baseline)", current, diff)
	}
	return result
}

// NewTablesChecker reports tables that weren't in the baseline.
type NewTablesChecker struct{}

func NewNewTablesChecker() *NewTablesChecker {
	return &NewTablesChecker{}
}

func (c *NewTablesChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:   "new_tables",
		Level:  LevelInfo,
		Passed: true,
	}

	if in.Baseline == nil {
		result.Message = "No baseline schema available"
		return result
	}

	added := difference(in.Current.TableNames(), in.Baseline.TableNames())
	if len(added) > 0 {
		result.Message = fmt.Sprintf("Found %d new tables: %s", len(added), strings.Join(added, ", "))
	} else {
		result.Message = "No new tables detected"
	}
	return result
}

// ExcludedTablesChecker fails when the restore dropped a table after an error.
type ExcludedTablesChecker struct{}

func NewExcludedTablesChecker() *ExcludedTablesChecker {
	return &ExcludedTablesChecker{}
}

func (c *ExcludedTablesChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:  "excluded_tables",
		Level: LevelCritical,
	}

	excluded := in.Summary.Excluded
	if len(excluded) == 0 {
		result.Passed = true
		result.Message = fmt.Sprintf("All %d announced tables restored", len(in.Summary.Tables))
		return result
	}

	names := make([]string, 0, len(excluded))
	for name := range excluded {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		names[i] = fmt.Sprintf("%s (%s)", name, excluded[name])
	}
	result.Message = fmt.Sprintf("%d tables excluded: %s", len(names), strings.Join(names, "; "))
	return result
}

// difference returns the names of a missing from b, sorted.
func difference(a, b []string) []string {
	have := make(map[string]bool, len(b))
	for _, name := range b {
		have[name] = true
	}
	var out []string
	for _, name := range a {
		if !have[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
