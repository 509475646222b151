package restore

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"restorable.io/cluster-restore/internal/artifact"
)

// PhaseTiming is the wall time one phase took on the primary lane.
type PhaseTiming struct {
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration"`
}

// Summary describes a finished run. It is filled in even when the run fails.
type Summary struct {
	BackupID uint32 `json:"backup_id"`
	NodeID   uint32 `json:"node_id"`
	Lanes    int    `json:"lanes"`
	Parts    int    `json:"parts"`

	Objects     int64            `json:"objects"`
	Tables      []string         `json:"tables"`
	Tuples      int64            `json:"tuples"`
	TableTuples map[string]int64 `json:"table_tuples"`
	LogEntries  int64            `json:"log_entries"`
	Retries     int64            `json:"retries"`

	// Excluded maps a table to the reason it left the restore.
	Excluded        map[string]string `json:"excluded,omitempty"`
	Inconsistencies []string          `json:"inconsistencies,omitempty"`

	// ApplyStatus is nil unless the bookkeeping phase completed.
	ApplyStatus *artifact.ApplyStatus `json:"apply_status,omitempty"`

	Phases     []PhaseTiming `json:"phases"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// RestoredTables returns the announced tables that were not excluded, sorted.
func (s *Summary) RestoredTables() []string {
	out := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		if _, ok := s.Excluded[t]; !ok {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// progress is shared by all lanes while a run is in flight.
type progress struct {
	objects    atomic.Int64
	tuples     atomic.Int64
	logEntries atomic.Int64
	retries    atomic.Int64

	mu              sync.Mutex
	tableTuples     map[string]int64
	excluded        map[uint32]string
	excludedNames   map[string]string
	inconsistencies []string
	phases          []PhaseTiming
}

func newProgress() *progress {
	return &progress{
		tableTuples:   make(map[string]int64),
		excluded:      make(map[uint32]string),
		excludedNames: make(map[string]string),
	}
}

// exclude records the first reason a table left the restore. It reports
// whether the table was newly excluded.
func (p *progress) exclude(id uint32, name, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.excluded[id]; ok {
		return false
	}
	p.excluded[id] = reason
	p.excludedNames[name] = reason
	return true
}

func (p *progress) isExcluded(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.excluded[id]
	return ok
}

func (p *progress) addTableTuples(counts map[string]int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range counts {
		p.tableTuples[k] += v
	}
}

func (p *progress) inconsistency(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inconsistencies = append(p.inconsistencies, msg)
}

func (p *progress) timing(phase Phase, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, PhaseTiming{Phase: phase.String(), Duration: d})
}

func (p *progress) fill(s *Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.Objects = p.objects.Load()
	s.Tuples = p.tuples.Load()
	s.LogEntries = p.logEntries.Load()
	s.Retries = p.retries.Load()
	s.TableTuples = make(map[string]int64, len(p.tableTuples))
	for k, v := range p.tableTuples {
		s.TableTuples[k] = v
	}
	if len(p.excludedNames) > 0 {
		s.Excluded = make(map[string]string, len(p.excludedNames))
		for k, v := range p.excludedNames {
			s.Excluded[k] = v
		}
	}
	s.Inconsistencies = append([]string(nil), p.inconsistencies...)
	s.Phases = append([]PhaseTiming(nil), p.phases...)
}
