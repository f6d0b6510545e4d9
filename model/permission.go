package model

import "time"

// Permission is a tri-state grant of a user on a resource. A missing row means
// no access.
type Permission struct {
	ID           uint      `gorm:"primarykey"                                                 json:"-"`
	UserID       uint      `gorm:"not null;uniqueIndex:idx_permission_user_resource"           json:"userId"`
	Resource     string    `gorm:"size:64;not null;uniqueIndex:idx_permission_user_resource"   json:"resource"`
	CanRead      bool      `gorm:"not null"                                                   json:"canRead"`
	CanWrite     bool      `gorm:"not null"                                                   json:"canWrite"`
	CanViewOnMap bool      `gorm:"not null"                                                   json:"canViewOnMap"`
	GrantedAt    time.Time `gorm:"not null"                                                   json:"grantedAt"`
	GrantedBy    *uint     `json:"grantedBy,omitempty"`
}
