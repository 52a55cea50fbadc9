package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Leaderboard is a ranked list stored as a JSON column.
type Leaderboard []LeaderboardEntry

func (l Leaderboard) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *Leaderboard) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("unsupported leaderboard type %T", value)
	}
}

// GameResult is the final record of a played room. One row per room.
type GameResult struct {
	ID               uint        `json:"id" gorm:"primaryKey"`
	RoomID           string      `json:"roomId" gorm:"uniqueIndex;not null"`
	GameID           uint        `json:"gameId" gorm:"not null;index"`
	Pin              string      `json:"pin" gorm:"not null"`
	OrganizerID      string      `json:"organizerId" gorm:"not null"`
	Leaderboard      Leaderboard `json:"leaderboard" gorm:"type:jsonb;not null"`
	DurationSec      int         `json:"durationSec" gorm:"not null"`
	ParticipantCount int         `json:"participantCount" gorm:"not null"`
	EndedAt          time.Time   `json:"endedAt"`
	CreatedAt        time.Time   `json:"createdAt"`
}
