package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"restorable.io/cluster-restore/internal/artifact"
	"restorable.io/cluster-restore/internal/restore"
	"restorable.io/cluster-restore/internal/schema"
	"restorable.io/cluster-restore/internal/verify"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReportVersion is the current report format version.
const ReportVersion = "1"

// Report represents a restore report.
type Report struct {
	Version      string               `json:"version"`
	ID           string               `json:"id"`
	Timestamp    time.Time            `json:"timestamp"`
	ProjectID    string               `json:"project_id"`
	ProjectName  string               `json:"project_name"`
	MachineID    string               `json:"machine_id"`
	BackupSource string               `json:"backup_source"`
	Backup       BackupInfo           `json:"backup"`
	Target       TargetInfo           `json:"target"`
	Schema       *schema.Schema       `json:"schema,omitempty"`
	Restore      *restore.Summary     `json:"restore,omitempty"`
	Checkpoints  []Checkpoint         `json:"checkpoints,omitempty"`
	Checks       []verify.CheckResult `json:"checks"`
	Summary      Summary              `json:"summary"`
	Signature    string               `json:"signature,omitempty"`
}

// BackupInfo identifies the restored backup.
type BackupInfo struct {
	BackupID   uint32 `json:"backup_id"`
	NodeID     uint32 `json:"node_id"`
	NodeGroups uint32 `json:"node_groups"`
	StartEpoch uint64 `json:"start_epoch"`
	StopEpoch  uint64 `json:"stop_epoch"`
	Parts      int    `json:"parts"`
}

// TargetInfo describes the cluster the backup was restored into.
type TargetInfo struct {
	Type       string `json:"type"`
	NodeGroups int    `json:"node_groups"`
	Replicas   int    `json:"replicas"`
	// NodeGroupMap is the applied original -> target mapping.
	NodeGroupMap string `json:"node_group_map,omitempty"`
}

// Summary provides an overview of the restore result.
type Summary struct {
	Success          bool   `json:"success"`
	TotalChecks      int    `json:"total_checks"`
	PassedChecks     int    `json:"passed_checks"`
	FailedChecks     int    `json:"failed_checks"`
	CriticalFailures int    `json:"critical_failures"`
	WarningFailures  int    `json:"warning_failures"`
	RestoreDuration  string `json:"restore_duration"`
	// Error is set when the restore itself aborted.
	Error string `json:"error,omitempty"`
}

// ReportBuilder helps construct reports.
type ReportBuilder struct {
	report *Report
	err    error
}

// NewReportBuilder creates a new report builder.
func NewReportBuilder() *ReportBuilder {
	return &ReportBuilder{
		report: &Report{
			Version:   ReportVersion,
			Timestamp: time.Now().UTC(),
		},
	}
}

func (b *ReportBuilder) WithID(id string) *ReportBuilder {
	b.report.ID = id
	return b
}

func (b *ReportBuilder) WithProject(id, name string) *ReportBuilder {
	b.report.ProjectID = id
	b.report.ProjectName = name
	return b
}

func (b *ReportBuilder) WithMachineID(machineID string) *ReportBuilder {
	b.report.MachineID = machineID
	return b
}

func (b *ReportBuilder) WithBackupSource(source string) *ReportBuilder {
	b.report.BackupSource = source
	return b
}

func (b *ReportBuilder) WithBackup(meta *artifact.MetaData, parts int) *ReportBuilder {
	b.report.Backup = BackupInfo{
		BackupID:   meta.BackupID,
		NodeID:     meta.NodeID,
		NodeGroups: meta.NodeGroups,
		StartEpoch: meta.StartEpoch,
		StopEpoch:  meta.StopEpoch,
		Parts:      parts,
	}
	return b
}

func (b *ReportBuilder) WithTarget(target TargetInfo) *ReportBuilder {
	b.report.Target = target
	return b
}

func (b *ReportBuilder) WithSchema(s *schema.Schema) *ReportBuilder {
	b.report.Schema = s
	return b
}

// WithRestore records the run summary and the error it ended with, if any.
func (b *ReportBuilder) WithRestore(s *restore.Summary, err error) *ReportBuilder {
	b.report.Restore = s
	b.err = err
	return b
}

func (b *ReportBuilder) WithCheckpoints(checkpoints []Checkpoint) *ReportBuilder {
	b.report.Checkpoints = checkpoints
	return b
}

func (b *ReportBuilder) WithChecks(checks []verify.CheckResult) *ReportBuilder {
	b.report.Checks = checks
	return b
}

// Build finalizes the report and computes the summary.
func (b *ReportBuilder) Build() *Report {
	b.computeSummary()
	return b.report
}

func (b *ReportBuilder) computeSummary() {
	total := len(b.report.Checks)
	critical, warning, _ := verify.CountFailures(b.report.Checks)
	var passed int
	for _, c := range b.report.Checks {
		if c.Passed {
			passed++
		}
	}

	b.report.Summary = Summary{
		Success:          critical == 0 && b.err == nil,
		TotalChecks:      total,
		PassedChecks:     passed,
		FailedChecks:     total - passed,
		CriticalFailures: critical,
		WarningFailures:  warning,
	}
	if b.err != nil {
		b.report.Summary.Error = b.err.Error()
	}
	if b.report.Restore != nil {
		b.report.Summary.RestoreDuration = b.report.Restore.Duration().String()
	}
}

// WriteJSON writes the report to a JSON file.
func WriteJSON(report *Report, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.json", report.Timestamp.Format("20060102_150405"), report.ID)
	path := filepath.Join(dir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return path, nil
}

// LoadReport loads a report from a JSON file.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}

	return &report, nil
}

// ListReports returns all reports in the given directory, sorted by timestamp (newest first).
func ListReports(dir string) ([]*ReportSummary, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	var reports []*ReportSummary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		report, err := LoadReport(path)
		if err != nil {
			continue // Skip invalid reports
		}

		reports = append(reports, &ReportSummary{
			ID:        report.ID,
			Timestamp: report.Timestamp,
			ProjectID: report.ProjectID,
			BackupID:  report.Backup.BackupID,
			Success:   report.Summary.Success,
			Path:      path,
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.After(reports[j].Timestamp)
	})
	return reports, nil
}

// ReportSummary is a lightweight summary for listing reports.
type ReportSummary struct {
	ID        string
	Timestamp time.Time
	ProjectID string
	BackupID  uint32
	Success   bool
	Path      string
}
