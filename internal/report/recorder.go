package report

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"restorable.io/cluster-restore/internal/logutil"
	"restorable.io/cluster-restore/internal/restore"
)

// Checkpoint names, in the order a complete restore reaches them.
const (
	CheckpointStarted   = "started"
	CheckpointMetaData  = "meta_data"
	CheckpointData      = "data"
	CheckpointLog       = "log"
	CheckpointCompleted = "completed"
)

// Checkpoint is one progress notification of a restore.
type Checkpoint struct {
	Name     string    `json:"name"`
	BackupID uint32    `json:"backup_id"`
	NodeID   uint32    `json:"node_id"`
	At       time.Time `json:"at"`
}

// Recorder is a consumer that keeps the checkpoints a restore reports so
// they end up in the report. It ignores every other callback.
type Recorder struct {
	restore.Base

	mu          sync.Mutex
	checkpoints []Checkpoint
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(ctx context.Context, name string, backupID, nodeID uint32) error {
	r.mu.Lock()
	r.checkpoints = append(r.checkpoints, Checkpoint{Name: name, BackupID: backupID, NodeID: nodeID, At: time.Now().UTC()})
	r.mu.Unlock()
	logutil.CL(ctx).Info("restore checkpoint", zap.String("checkpoint", name))
	return nil
}

func (r *Recorder) ReportStarted(ctx context.Context, backupID, nodeID uint32) error {
	return r.record(ctx, CheckpointStarted, backupID, nodeID)
}

func (r *Recorder) ReportMetaData(ctx context.Context, backupID, nodeID uint32) error {
	return r.record(ctx, CheckpointMetaData, backupID, nodeID)
}

func (r *Recorder) ReportData(ctx context.Context, backupID, nodeID uint32) error {
	return r.record(ctx, CheckpointData, backupID, nodeID)
}

func (r *Recorder) ReportLog(ctx context.Context, backupID, nodeID uint32) error {
	return r.record(ctx, CheckpointLog, backupID, nodeID)
}

func (r *Recorder) ReportCompleted(ctx context.Context, backupID, nodeID uint32) error {
	return r.record(ctx, CheckpointCompleted, backupID, nodeID)
}

// Checkpoints returns a copy of what was recorded so far.
func (r *Recorder) Checkpoints() []Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Checkpoint(nil), r.checkpoints...)
}
