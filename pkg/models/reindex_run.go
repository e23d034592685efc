package models

import (
	"time"

	"gorm.io/gorm"
)

// ReindexRun is the persisted record of one reindexing run.
type ReindexRun struct {
	ID string `gorm:"type:varchar(36);primaryKey" json:"id"`

	JobName string `gorm:"type:varchar(255);not null;index" json:"job_name"`

	// Status is one of RUNNING, COMPLETED, ACTIVE_ERROR, FAILED, STOPPED.
	Status string `gorm:"type:varchar(32);not null;index" json:"status"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Config         JSON `gorm:"type:jsonb" json:"config,omitempty"`
	Stats          JSON `gorm:"type:jsonb" json:"stats,omitempty"`
	SuccessContext JSON `gorm:"type:jsonb" json:"success_context,omitempty"`

	FailureMessage string `gorm:"type:text" json:"failure_message,omitempty"`
	FailureCount   int64  `gorm:"default:0" json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (ReindexRun) TableName() string {
	return "reindex_runs"
}

// Get retrieves a run by ID.
func (r *ReindexRun) Get(db *gorm.DB) error {
	return db.First(r, "id = ?", r.ID).Error
}

// Upsert inserts the run or overwrites the stored copy.
func (r *ReindexRun) Upsert(db *gorm.DB) error {
	return db.Save(r).Error
}

// LatestRun returns the most recently started run of jobName.
func LatestRun(db *gorm.DB, jobName string) (*ReindexRun, error) {
	var run ReindexRun
	if err := db.Where("job_name = ?", jobName).Order("started_at DESC").First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}
