package types

import "time"

// SyncDirection describes which way a cross-storage operation moves
// data relative to the hot (local/cache) side.
type SyncDirection string

const (
	DirectionObjectToBlock SyncDirection = "object_to_block"
	DirectionBlockToObject SyncDirection = "block_to_object"
	DirectionToHot         SyncDirection = "to_hot"
	DirectionFromHot       SyncDirection = "from_hot"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// SyncMode is the conflict policy applied when the destination already
// holds a file at the same virtual path.
type SyncMode string

const (
	ModeNewerWins      SyncMode = "newer_wins"
	ModeLargerWins     SyncMode = "larger_wins"
	ModeForceOverwrite SyncMode = "force_overwrite"
	ModeSkipExisting   SyncMode = "skip_existing"
	ModeMerge          SyncMode = "merge"
)

// SyncRequest describes one cross-storage transfer between two
// registered sources.
type SyncRequest struct {
	SourceID      string        `json:"source_id"`
	DestinationID string        `json:"destination_id"`
	Paths         []string      `json:"paths"`
	Direction     SyncDirection `json:"direction"`
	Mode          SyncMode      `json:"mode"`
	Priority      int           `json:"priority"`
	UseCache      bool          `json:"use_cache"`      // stage through the local cache
	DeleteOrphans bool          `json:"delete_orphans"` // prune destination files absent from source
}

// TieringRequest asks for files to be moved to a target tier within one
// source.
type TieringRequest struct {
	SourceID   string      `json:"source_id"`
	Paths      []string    `json:"paths"`
	TargetTier StorageTier `json:"target_tier"`
	UseCache   bool        `json:"use_cache"`
}

// SyncResult is the terminal record of one sync/tiering operation.
// Per-file failures accumulate in Errors; they never abort the batch.
type SyncResult struct {
	FilesSynced      int           `json:"files_synced"`
	FilesSkipped     int           `json:"files_skipped"`
	FilesFailed      int           `json:"files_failed"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Errors           []string      `json:"errors,omitempty"`
	UsedCache        bool          `json:"used_cache"`
	Duration         time.Duration `json:"duration"`
}

// SyncEstimate is the dry-run sizing of a sync request. File and byte
// counts are exact (the same file set the real sync would scan); only
// the duration is approximate.
type SyncEstimate struct {
	TotalFiles        int           `json:"total_files"`
	TotalBytes        int64         `json:"total_bytes"`
	FilesToStage      int           `json:"files_to_stage"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// SyncPhase labels the sub-operation a progress record refers to.
type SyncPhase string

const (
	PhaseComparing        SyncPhase = "comparing"
	PhaseCopying          SyncPhase = "copying"
	PhaseMoving           SyncPhase = "moving"
	PhaseCaching          SyncPhase = "caching"
	PhaseDeleting         SyncPhase = "deleting"
	PhaseUpdatingMetadata SyncPhase = "updating_metadata"
)

// SyncProgress is one element of the lazy progress sequence emitted in
// file-processing order while a sync runs.
type SyncProgress struct {
	JobID       string    `json:"job_id"`
	CurrentFile string    `json:"current_file"`
	Phase       SyncPhase `json:"phase"`
	FilesDone   int       `json:"files_done"`
	FilesTotal  int       `json:"files_total"`
	BytesDone   int64     `json:"bytes_done"`
	BytesTotal  int64     `json:"bytes_total"`
	Percent     float64   `json:"percent"`
}

// JobStatus is the lifecycle of a long-running sync/tiering job.
// Cancellation is cooperative: a cancelled job stops issuing transfers
// at its next file boundary, in-flight files complete.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status will never change again.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SyncJob is the persisted record of one sync operation, kept in the
// job store so in-flight transfers survive a restart.
type SyncJob struct {
	ID        string      `json:"id"`
	Request   SyncRequest `json:"request"`
	Status    JobStatus   `json:"status"`
	Result    *SyncResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// CopyOptions controls the registry's copy surface. Both flags default
// to false: a copy never overwrites and never recurses unless asked.
type CopyOptions struct {
	Overwrite bool `json:"overwrite"`
	Recursive bool `json:"recursive"`
}
