package models

import (
	"time"

	"gorm.io/gorm"
)

// EntityRecord is one row of the system of record the reindexer reads from.
// Payload holds the entity as JSON text.
type EntityRecord struct {
	// ID is the entity id. Entities are paged in ID order.
	ID string `gorm:"type:varchar(64);primaryKey" json:"id"`

	EntityType string `gorm:"type:varchar(100);not null;index:idx_entity_records_type_id,priority:1;index:idx_entity_records_type_ts,priority:1" json:"entity_type"`

	Payload string `gorm:"type:text" json:"payload"`

	// Timestamp is the event time of time-series records and the last update
	// time of entities.
	Timestamp time.Time `gorm:"column:event_time;index:idx_entity_records_type_ts,priority:2" json:"timestamp"`

	Deleted bool `gorm:"default:false" json:"deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (EntityRecord) TableName() string {
	return "entity_records"
}

// Create inserts the record.
func (r *EntityRecord) Create(db *gorm.DB) error {
	return db.Create(r).Error
}
