package model

import (
	"time"

	"gorm.io/gorm"
)

type AuditLogEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	UserID    *uint     `gorm:"index"                          json:"userId,omitempty"` // null for anonymous or pre-auth events
	Action    string    `gorm:"size:64;not null;index"         json:"action"`           // login_success, login_failed...
	Resource  string    `gorm:"size:64"                        json:"resource,omitempty"`
	Details   string    `gorm:"type:text"                      json:"details,omitempty"` // JSON encoded context
	IPAddress string    `gorm:"size:45"                        json:"ipAddress,omitempty"`
	Timestamp time.Time `gorm:"index;not null"                 json:"timestamp"`
}

func (e *AuditLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == 0 {
		e.ID = GenerateID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return nil
}
