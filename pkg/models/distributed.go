package models

import (
	"time"

	"gorm.io/gorm"
)

// Partition statuses.
const (
	PartitionPending   = "PENDING"
	PartitionRunning   = "RUNNING"
	PartitionCompleted = "COMPLETED"
	PartitionFailed    = "FAILED"
)

// DistributedJob is a reindexing run split into partitions that several
// servers work through.
type DistributedJob struct {
	ID    string `gorm:"type:varchar(36);primaryKey" json:"id"`
	RunID string `gorm:"type:varchar(36);index" json:"run_id"`

	Status string `gorm:"type:varchar(32);not null;index" json:"status"`

	Total     int64 `gorm:"default:0" json:"total"`
	Processed int64 `gorm:"default:0" json:"processed"`
	Success   int64 `gorm:"default:0" json:"success"`
	Failed    int64 `gorm:"default:0" json:"failed"`

	Config JSON   `gorm:"type:jsonb" json:"config,omitempty"`
	Error  string `gorm:"type:text" json:"error,omitempty"`

	// Targets lists the staged indices of a recreate run so that servers
	// joining the job write into the same indices.
	Targets JSON `gorm:"type:jsonb" json:"targets,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Partitions []ReindexPartition `gorm:"foreignKey:JobID" json:"-"`
}

// TableName specifies the table name for GORM.
func (DistributedJob) TableName() string {
	return "reindex_distributed_jobs"
}

// Get retrieves a job by ID.
func (j *DistributedJob) Get(db *gorm.DB) error {
	return db.First(j, "id = ?", j.ID).Error
}

// ReindexPartition is a contiguous slice of one entity type: Limit records
// read from StartCursor.
type ReindexPartition struct {
	ID    string `gorm:"type:varchar(36);primaryKey" json:"id"`
	JobID string `gorm:"type:varchar(36);not null;index:idx_partitions_job_status,priority:1" json:"job_id"`

	EntityType     string `gorm:"type:varchar(100);not null" json:"entity_type"`
	PartitionIndex int    `gorm:"not null" json:"partition_index"`
	StartCursor    string `gorm:"type:varchar(255)" json:"start_cursor"`
	StartOffset    int64  `gorm:"default:0" json:"start_offset"`
	Limit          int64  `gorm:"column:record_limit;not null" json:"limit"`

	Status    string     `gorm:"type:varchar(16);not null;index:idx_partitions_job_status,priority:2" json:"status"`
	ClaimedBy string     `gorm:"type:varchar(64)" json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	Processed int64  `gorm:"default:0" json:"processed"`
	Success   int64  `gorm:"default:0" json:"success"`
	Failed    int64  `gorm:"default:0" json:"failed"`
	Error     string `gorm:"type:text" json:"error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (ReindexPartition) TableName() string {
	return "reindex_partitions"
}

// ReindexServerStats holds the counters one server reported for one job.
type ReindexServerStats struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID    string `gorm:"type:varchar(36);not null;uniqueIndex:idx_server_stats_job_server,priority:1" json:"job_id"`
	ServerID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_server_stats_job_server,priority:2" json:"server_id"`

	ReaderSuccess  int64 `gorm:"default:0" json:"reader_success"`
	ReaderFailed   int64 `gorm:"default:0" json:"reader_failed"`
	ReaderWarnings int64 `gorm:"default:0" json:"reader_warnings"`
	ProcessSuccess int64 `gorm:"default:0" json:"process_success"`
	ProcessFailed  int64 `gorm:"default:0" json:"process_failed"`
	SinkSuccess    int64 `gorm:"default:0" json:"sink_success"`
	SinkFailed     int64 `gorm:"default:0" json:"sink_failed"`
	VectorSuccess  int64 `gorm:"default:0" json:"vector_success"`
	VectorFailed   int64 `gorm:"default:0" json:"vector_failed"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (ReindexServerStats) TableName() string {
	return "reindex_server_stats"
}
