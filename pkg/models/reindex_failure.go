package models

import (
	"time"

	"gorm.io/gorm"
)

// ReindexFailure records one record or batch that failed during a run.
type ReindexFailure struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	JobID      string `gorm:"type:varchar(36);not null;index" json:"job_id"`
	EntityType string `gorm:"type:varchar(100);index" json:"entity_type"`
	RecordID   string `gorm:"type:varchar(64)" json:"record_id,omitempty"`

	// Stage is READER, PROCESS or SINK.
	Stage   string `gorm:"type:varchar(16);not null" json:"stage"`
	Message string `gorm:"type:text" json:"message"`

	OccurredAt time.Time `json:"occurred_at"`
}

// TableName specifies the table name for GORM.
func (ReindexFailure) TableName() string {
	return "reindex_failures"
}

// CountFailures returns the number of failures recorded for jobID.
func CountFailures(db *gorm.DB, jobID string) (int64, error) {
	var n int64
	err := db.Model(&ReindexFailure{}).Where("job_id = ?", jobID).Count(&n).Error
	return n, err
}
