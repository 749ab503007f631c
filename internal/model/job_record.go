package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobRecord is the history row of one EDW job
type JobRecord struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	RequestID     string         `gorm:"type:varchar(36);uniqueIndex;not null" json:"requestId"`
	UUID          string         `gorm:"column:uuid;type:varchar(64);index" json:"uuid"`
	Command       string         `gorm:"type:text;not null" json:"command"`
	State         string         `gorm:"type:enum('created','streaming','completed','cancelled','failed');default:'created';index" json:"state"`
	StatusCode    int            `gorm:"default:0" json:"statusCode"`
	StatusMessage string         `gorm:"type:varchar(255)" json:"statusMessage,omitempty"`
	StatusDetail  datatypes.JSON `gorm:"type:json" json:"statusDetail,omitempty"`
	Columns       datatypes.JSON `gorm:"type:json" json:"columns,omitempty"`
	RowCount      int            `gorm:"default:0" json:"rowCount"`
	LastError     string         `gorm:"type:varchar(255)" json:"lastError,omitempty"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
}

// TableName specifies the table name for JobRecord
func (JobRecord) TableName() string {
	return "edw_jobs"
}
