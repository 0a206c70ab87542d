// Package sync replays queued writes against the remote API and resolves
// the conflicts the server reports.
package sync

import (
	"time"
)

// SyncType records what triggered a processing pass
type SyncType string

const (
	SyncTypeManual    SyncType = "manual"
	SyncTypeReconnect SyncType = "reconnect"
	SyncTypeRetry     SyncType = "retry"
	SyncTypeScheduled SyncType = "scheduled"
)

// SyncErrorType represents the type of error that occurred during sync
type SyncErrorType string

const (
	SyncErrorTypeNetwork SyncErrorType = "network"
	SyncErrorTypeAuth    SyncErrorType = "auth"
	SyncErrorTypeServer  SyncErrorType = "server"
	SyncErrorTypeClient  SyncErrorType = "client"
	SyncErrorTypeUnknown SyncErrorType = "unknown"
)

// SyncLog is the persisted summary of one processing pass
type SyncLog struct {
	ID           string    `json:"id"`
	SyncType     SyncType  `json:"sync_type"`
	Success      bool      `json:"success"`
	ItemsSynced  int       `json:"items_synced"`
	ItemsFailed  int       `json:"items_failed"`
	Conflicts    int       `json:"conflicts"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// NewSyncLog starts a log entry for a pass of the given type
func NewSyncLog(syncType SyncType) *SyncLog {
	now := time.Now()
	return &SyncLog{SyncType: syncType, StartedAt: now, CompletedAt: now}
}

// Finish copies the result counters and stamps the completion time
func (l *SyncLog) Finish(r *SyncResult) {
	l.ItemsSynced = r.Completed
	l.ItemsFailed = r.Failed
	l.Conflicts = r.Conflicts
	l.Success = r.Failed == 0 && r.Conflicts == r.Resolved
	l.ErrorMessage = r.LastError
	l.CompletedAt = time.Now()
}

// SyncResult counts what a processing pass did
type SyncResult struct {
	Type      SyncType      `json:"type"`
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Resolved  int           `json:"resolved"`
	Skipped   int           `json:"skipped"`
	Requeued  int           `json:"requeued,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"duration"`
}
