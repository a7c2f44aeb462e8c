package synchronizer

import (
	"github.com/adalundhe/ctxsync/core/conflict"
	syncerr "github.com/adalundhe/ctxsync/core/errors"
	"github.com/adalundhe/ctxsync/core/metrics"
	"github.com/adalundhe/ctxsync/core/versioning"
)

type SyncStatus string

const (
	StatusPendingSync      SyncStatus = "PENDING_SYNC"
	StatusSynchronized     SyncStatus = "SYNCHRONIZED"
	StatusConflictDetected SyncStatus = "CONFLICT_DETECTED"
	StatusSyncFailed       SyncStatus = "SYNC_FAILED"

	// StatusRollbackRequired is reserved; no engine operation produces it.
	StatusRollbackRequired SyncStatus = "ROLLBACK_REQUIRED"
)

// SyncResult reports the outcome of one UpdateContext call. VersionID is
// the committed version, or the candidate's id when nothing was committed.
type SyncResult struct {
	UpdateID          string               `json:"update_id"`
	AgentID           string               `json:"agent_id"`
	VersionID         versioning.VersionID `json:"version_id,omitempty"`
	Status            SyncStatus           `json:"status"`
	ConflictsDetected int                  `json:"conflicts_detected"`
	ConflictIDs       []string             `json:"conflict_ids,omitempty"`
	SyncTimeMs        float64              `json:"sync_time_ms"`
	Success           bool                 `json:"success"`
	Error             string               `json:"error,omitempty"`
	ErrorCode         string               `json:"error_code,omitempty"`

	Err error `json:"-"`
}

func (r *SyncResult) fail(err error) {
	r.Status = StatusSyncFailed
	r.setErr(err)
}

func (r *SyncResult) setErr(err error) {
	r.Err = err
	r.Error = err.Error()
	r.ErrorCode = syncerr.Code(err)
}

type RollbackResult struct {
	Success         bool                 `json:"success"`
	VersionID       versioning.VersionID `json:"version_id,omitempty"`
	TargetVersionID versioning.VersionID `json:"target_version_id"`
	Error           string               `json:"error,omitempty"`
	ErrorCode       string               `json:"error_code,omitempty"`

	Err error `json:"-"`
}

type StatusSnapshot struct {
	CurrentVersionID versioning.VersionID `json:"current_version_id"`
	TotalVersions    int                  `json:"total_versions"`
	HistoryLength    int                  `json:"history_length"`
	HistoryCapacity  int                  `json:"history_capacity"`
	DetectionWindow  int                  `json:"detection_window"`
	StrategyRules    []conflict.Rule      `json:"strategy_rules"`
	ActiveConflicts  int                  `json:"active_conflicts"`
	PendingUpdates   int                  `json:"pending_updates"`
	AgentLocks       int                  `json:"agent_locks"`
	HeldLocks        int                  `json:"held_locks"`
	Metrics          metrics.Snapshot     `json:"metrics"`
}
