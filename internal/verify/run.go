package verify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ApplyStatusChecker fails when the epoch was requested but no apply status was written.
type ApplyStatusChecker struct{}

func NewApplyStatusChecker() *ApplyStatusChecker {
	return &ApplyStatusChecker{}
}

func (c *ApplyStatusChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:  "apply_status",
		Level: LevelCritical,
	}

	st := in.Summary.ApplyStatus
	switch {
	case st != nil:
		result.Passed = true
		result.Message = fmt.Sprintf("Applied through log position %d at epoch %d", st.LogPosition, st.Epoch)
	case !in.EpochRestored:
		result.Passed = true
		result.Level = LevelInfo
		result.Message = "Epoch restore disabled"
	default:
		result.Message = "Restore finished without recording an apply status"
	}
	return result
}

// InconsistencyChecker reports log entries that hit missing rows.
type InconsistencyChecker struct{}

func NewInconsistencyChecker() *InconsistencyChecker {
	return &InconsistencyChecker{}
}

func (c *InconsistencyChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:  "log_inconsistencies",
		Level: LevelWarning,
	}

	n := len(in.Summary.Inconsistencies)
	if n == 0 {
		result.Passed = true
		result.Message = fmt.Sprintf("%d log entries applied cleanly", in.Summary.LogEntries)
		return result
	}
	result.Message = fmt.Sprintf("%d of %d log entries were inconsistent, first: %s", n, in.Summary.LogEntries, in.Summary.Inconsistencies[0])
	return result
}

// FindingsChecker fails on anything the validation pass found.
type FindingsChecker struct{}

func NewFindingsChecker() *FindingsChecker {
	return &FindingsChecker{}
}

func (c *FindingsChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:  "validation",
		Level: LevelCritical,
	}

	findings := multierr.Errors(in.Findings)
	if len(findings) == 0 {
		result.Passed = true
		result.Message = "Backup content is well formed"
		return result
	}
	result.Message = fmt.Sprintf("%d validation findings, first: %v", len(findings), findings[0])
	return result
}

// RestoreDurationChecker verifies that the restore completed within an acceptable time.
type RestoreDurationChecker struct {
	// MaxDuration is the maximum acceptable restore duration. Zero disables the limit.
	MaxDuration time.Duration
}

func NewRestoreDurationChecker(max time.Duration) *RestoreDurationChecker {
	return &RestoreDurationChecker{MaxDuration: max}
}

func (c *RestoreDurationChecker) Check(ctx context.Context, in *Input) CheckResult {
	result := CheckResult{
		Name:   "restore_duration",
		Level:  LevelInfo,
		Passed: true,
	}

	d := in.Summary.Duration().Round(time.Millisecond)
	result.Message = fmt.Sprintf("Restore completed in %s", d)

	if c.MaxDuration > 0 && d > c.MaxDuration {
		result.Level = LevelWarning
		result.Passed = false
		result.Message = fmt.Sprintf("Restore took %s (maximum: %s)", d, c.MaxDuration)
	}
	return result
}
