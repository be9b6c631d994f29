package model

import (
	"time"

	"gorm.io/datatypes"
)

type User struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Nickname   string `gorm:"size:64;not null"`
	Avatar     string
	TagsJSON   datatypes.JSON `gorm:"type:jsonb"` // ["Tactical Genius", ...]
	MicEnabled bool           `gorm:"default:false"`
	Status     string         `gorm:"default:normal;not null"` // normal/banned
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Match records a confirmed pairing produced by the duo matcher. Status
// tracks the lobby outcome: paired until the virtual lobby resolves,
// then launched or dissolved.
type Match struct {
	ID          int64          `gorm:"primaryKey;autoIncrement"`
	Game        string         `gorm:"size:32;not null"`
	Mode        string         `gorm:"size:16;not null"` // casual/competitive
	UserAID     int64          `gorm:"index"`
	UserBID     int64          `gorm:"index"`
	PlayersJSON datatypes.JSON `gorm:"type:jsonb"`     // opponent summaries at pairing time
	Status      string         `gorm:"default:paired"` // paired/launched/dissolved
	CreatedAt   time.Time
	EndedAt     *time.Time
}
