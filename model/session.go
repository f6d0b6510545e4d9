package model

import "time"

// Session is a server-side session row used by the database session backend.
type Session struct {
	Sid    string    `gorm:"primaryKey;size:128"`
	Sess   []byte    `gorm:"not null"`
	Expire time.Time `gorm:"index;not null"`
}
