package model

import "time"

// APIToken is a long-lived bearer credential. Only the hash of the token is
// stored. Rows are never deleted, only revoked.
type APIToken struct {
	ID         uint       `gorm:"primarykey"                     json:"id"`
	UserID     uint       `gorm:"index;not null"                 json:"userId"`
	TokenHash  string     `gorm:"size:72;not null"               json:"-"`
	Prefix     string     `gorm:"size:16;index;not null"         json:"prefix"`
	IsActive   bool       `gorm:"index;not null;default:true"    json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedBy  uint       `gorm:"not null"                       json:"createdBy"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	RevokedBy  *uint      `json:"revokedBy,omitempty"`
}
