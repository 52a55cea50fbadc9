package models

import (
	"time"

	"gorm.io/gorm"
)

// Game is the externally authored question set a room is played from.
type Game struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	Title       string         `json:"title" gorm:"not null"`
	Description string         `json:"description"`
	OrganizerID string         `json:"organizerId" gorm:"not null;index"`
	BasePoints  int            `json:"basePoints" gorm:"not null;default:0"`
	MaxBonus    int            `json:"maxBonus" gorm:"not null;default:0"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`

	// Relationships
	Questions []Question `json:"questions,omitempty" gorm:"foreignKey:GameID"`
}

// GameSettings is the per-game scoring configuration copied into a room at start.
// Zero values mean "use the server defaults".
type GameSettings struct {
	BasePoints int `json:"basePoints"`
	MaxBonus   int `json:"maxBonus"`
}

func (g *Game) Settings() GameSettings {
	return GameSettings{
		BasePoints: g.BasePoints,
		MaxBonus:   g.MaxBonus,
	}
}
