package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	Email         string `gorm:"uniqueIndex;not null"`
	PasswordHash  string `gorm:"not null"`
	PremiumPlan   string
	PremiumExpiry *time.Time
	LoginCount    int `gorm:"not null;default:0"`
	LastLogin     *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

type UsageRecordModel struct {
	Key          string `gorm:"primaryKey"`
	DailyUploads int64  `gorm:"not null;default:0"`
	DailyBytes   int64  `gorm:"not null;default:0"`
	TotalUploads int64  `gorm:"not null;default:0"`
	TotalBytes   int64  `gorm:"not null;default:0"`
	LastLogin    *time.Time
	DayBucket    string    `gorm:"size:10;not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type UsageEventModel struct {
	ID            string `gorm:"primaryKey"`
	PrincipalKey  string `gorm:"not null;index"`
	PrincipalKind string `gorm:"not null"`
	UserID        string `gorm:"index"`
	SessionID     string
	Operation     string `gorm:"not null;index"`
	FileCount     int    `gorm:"not null"`
	TotalBytes    int64  `gorm:"not null"`
	Source        string
	Params        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null;index"`
}
