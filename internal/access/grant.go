package access

import (
	"fmt"
	"strings"
	"time"
)

// Level is the access a user holds on a room.
type Level string

const (
	LevelNone Level = "none"
	LevelRead Level = "read"
	LevelEdit Level = "edit"
)

// ParseLevel validates a textual level.
func ParseLevel(value string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(value))) {
	case LevelNone:
		return LevelNone, nil
	case LevelRead:
		return LevelRead, nil
	case LevelEdit:
		return LevelEdit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, value)
}

// CanRead reports whether the level allows observing the room.
func (level Level) CanRead() bool {
	return level == LevelRead || level == LevelEdit
}

// CanEdit reports whether the level allows mutating the room.
func (level Level) CanEdit() bool {
	return level == LevelEdit
}

// Grant records the access level of one user on one room.
type Grant struct {
	RoomID    string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Level     string    `gorm:"column:level;size:16;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing room grants.
func (Grant) TableName() string {
	return "room_grants"
}
