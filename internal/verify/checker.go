package verify

import (
	"context"
	"time"

	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
)

// Level indicates the severity of a check.
type Level string

const (
	LevelCritical Level = "critical" // Failures are blocking
	LevelWarning  Level = "warning"  // Failures are concerning but not blocking
	LevelInfo     Level = "info"     // Informational only
)

// CheckResult represents the outcome of a verification check.
type CheckResult struct {
	Name    string `json:"name"`
	Level   Level  `json:"level"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Input is everything a check may look at after a restore.
type Input struct {
	Summary *restore.Summary
	// Current holds the restored tables; Baseline the ones of an earlier run, if any.
	Current  *schema.Schema
	Baseline *schema.Schema
	// Findings is the validation consumer's combined error, nil when clean.
	Findings error
	// EpochRestored is set when the bookkeeping phase was requested.
	EpochRestored bool
}

// Checker defines the interface for verification checks.
type Checker interface {
	Check(ctx context.Context, in *Input) CheckResult
}

// Options selects the checks DefaultCheckers returns.
type Options struct {
	Schema            bool
	Tuples            bool
	MinNonEmptyTables int
	MaxDuration       time.Duration
}

// DefaultCheckers returns the checks a restore runs, in report order.
func DefaultCheckers(opts Options) []Checker {
	checkers := []Checker{
		NewExcludedTablesChecker(),
		NewApplyStatusChecker(),
		NewInconsistencyChecker(),
		NewFindingsChecker(),
	}
	if opts.Schema {
		checkers = append(checkers, NewTablesExistChecker(), NewTableCountChecker(), NewNewTablesChecker())
	}
	if opts.Tuples {
		checkers = append(checkers, NewNonEmptyTablesChecker(opts.MinNonEmptyTables))
	}
	return append(checkers, NewRestoreDurationChecker(opts.MaxDuration))
}

// RunChecks executes a list of checkers and returns all results.
func RunChecks(ctx context.Context, checkers []Checker, in *Input) []CheckResult {
	results := make([]CheckResult, 0, len(checkers))
	for _, c := range checkers {
		results = append(results, c.Check(ctx, in))
	}
	return results
}

// HasCriticalFailure returns true if any critical check failed.
func HasCriticalFailure(results []CheckResult) bool {
	for _, r := range results {
		if r.Level == LevelCritical && !r.Passed {
			return true
		}
	}
	return false
}

// CountFailures returns the number of failed checks by level.
func CountFailures(results []CheckResult) (critical, warning, info int) {
	for _, r := range results {
		if !r.Passed {
			switch r.Level {
			case LevelCritical:
				critical++
			case LevelWarning:
				warning++
			case LevelInfo:
				info++
			}
		}
	}
	return
}
