package database

import "time"

// SessionRecord is the persisted state of one (owner, name) session.
type SessionRecord struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Owner  string `gorm:"not null;uniqueIndex:idx_session_identity" json:"owner"`
	Name   string `gorm:"not null;default:'';uniqueIndex:idx_session_identity" json:"name"`
	Port   int    `gorm:"not null;default:0" json:"port"`
	URL    string `json:"url"`
	Active bool   `gorm:"not null;default:false;index" json:"active"`
	// ConnectionInfo is Fernet-encrypted JSON.
	ConnectionInfo string `gorm:"type:text" json:"-"`
	// Events is JSON: group id -> events.
	Events string `gorm:"type:text;default:'{}'" json:"-"`
	UserID int64  `gorm:"not null;default:0" json:"user_id"`
	// UserOptions is JSON.
	UserOptions   string    `gorm:"type:text" json:"-"`
	PublishedName string    `json:"published_name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
