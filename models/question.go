package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionBalanceGame    QuestionType = "balance_game"
)

type ScoringMode string

const (
	ScoringNone     ScoringMode = "none"
	ScoringMajority ScoringMode = "majority"
)

// QuestionData is the type-tagged body of a question. Which fields are
// meaningful depends on Type.
type QuestionData struct {
	Type          QuestionType `json:"type"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correctAnswer,omitempty"`
	ScoringMode   ScoringMode  `json:"scoringMode,omitempty"`
}

// Value stores the data as a JSON column.
func (d QuestionData) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan reads the JSON column back.
func (d *QuestionData) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*d = QuestionData{}
		return nil
	default:
		return fmt.Errorf("unsupported question data type %T", value)
	}
	if len(raw) == 0 {
		return errors.New("empty question data")
	}
	return json.Unmarshal(raw, d)
}

type Question struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	GameID    uint           `json:"gameId" gorm:"not null;index"`
	Order     int            `json:"order" gorm:"not null"`
	Content   string         `json:"content" gorm:"not null"`
	Data      QuestionData   `json:"data" gorm:"type:jsonb;not null"`
	Duration  int            `json:"duration" gorm:"not null;default:20"` // seconds
	MediaURL  string         `json:"mediaUrl,omitempty"`
	MediaType string         `json:"mediaType,omitempty"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// PublicQuestion is what players see while a question is open; the correct
// answer is never part of it.
type PublicQuestion struct {
	ID        uint         `json:"id"`
	Order     int          `json:"order"`
	Content   string       `json:"content"`
	Type      QuestionType `json:"type"`
	Options   []string     `json:"options,omitempty"`
	Duration  int          `json:"duration"`
	MediaURL  string       `json:"mediaUrl,omitempty"`
	MediaType string       `json:"mediaType,omitempty"`
}

func (q *Question) Public() PublicQuestion {
	return PublicQuestion{
		ID:        q.ID,
		Order:     q.Order,
		Content:   q.Content,
		Type:      q.Data.Type,
		Options:   q.Data.Options,
		Duration:  q.Duration,
		MediaURL:  q.MediaURL,
		MediaType: q.MediaType,
	}
}

// DurationMs is the answering window in milliseconds.
func (q *Question) DurationMs() int64 {
	return int64(q.Duration) * 1000
}
