package services

import (
	"strings"

	"partyquiz/models"
)

const (
	DefaultBasePoints = 100
	DefaultMaxBonus   = 50
)

// ScoringConfig holds the point values used when a game does not override them.
type ScoringConfig struct {
	BasePoints int
	MaxBonus   int
}

func DefaultScoring() ScoringConfig {
	return ScoringConfig{BasePoints: DefaultBasePoints, MaxBonus: DefaultMaxBonus}
}

// With applies per-game overrides on top of the defaults.
func (c ScoringConfig) With(settings models.GameSettings) ScoringConfig {
	if settings.BasePoints > 0 {
		c.BasePoints = settings.BasePoints
	}
	if settings.MaxBonus > 0 {
		c.MaxBonus = settings.MaxBonus
	}
	return c
}

// MaxPoints is the upper bound of a single answer's award.
func (c ScoringConfig) MaxPoints() int {
	return c.BasePoints + c.MaxBonus
}

type ScoreResult struct {
	IsCorrect  bool `json:"isCorrect"`
	Points     int  `json:"points"`
	BasePoints int  `json:"basePoints"`
	SpeedBonus int  `json:"speedBonus"`
	// Pending is set for majority-scored questions, which can only be
	// judged once every answer is in.
	Pending bool `json:"pending,omitempty"`
}

// Score judges a single answer. It never fails: unknown question types
// score zero.
func Score(q *models.Question, answer string, responseTimeMs int64, cfg ScoringConfig) ScoreResult {
	if responseTimeMs < 0 {
		responseTimeMs = 0
	}

	switch q.Data.Type {
	case models.QuestionMultipleChoice, models.QuestionTrueFalse:
		if strings.TrimSpace(answer) != strings.TrimSpace(q.Data.CorrectAnswer) {
			return ScoreResult{}
		}
		return correctResult(q, responseTimeMs, cfg)

	case models.QuestionShortAnswer:
		if normalizeShortAnswer(answer) != normalizeShortAnswer(q.Data.CorrectAnswer) {
			return ScoreResult{}
		}
		return correctResult(q, responseTimeMs, cfg)

	case models.QuestionBalanceGame:
		if q.Data.ScoringMode == models.ScoringMajority {
			return ScoreResult{Pending: true}
		}
		return ScoreResult{}
	}

	return ScoreResult{}
}

// SpeedBonus scales maxBonus linearly by the unused fraction of the answering
// window, clamped to [0, maxBonus].
func SpeedBonus(responseTimeMs, durationMs int64, maxBonus int) int {
	if durationMs <= 0 || maxBonus <= 0 {
		return 0
	}
	if responseTimeMs < 0 {
		responseTimeMs = 0
	}
	if responseTimeMs >= durationMs {
		return 0
	}
	bonus := int(int64(maxBonus) * (durationMs - responseTimeMs) / durationMs)
	if bonus > maxBonus {
		return maxBonus
	}
	return bonus
}

// ResolveMajority judges every pending answer of a majority-scored balance
// question. Every option sharing the highest vote count counts as the
// majority. The returned map only contains participants whose record changed.
func ResolveMajority(q *models.Question, answers map[string]models.AnswerRecord, cfg ScoringConfig) map[string]models.AnswerRecord {
	resolved := make(map[string]models.AnswerRecord, len(answers))
	if q.Data.Type != models.QuestionBalanceGame || q.Data.ScoringMode != models.ScoringMajority {
		return resolved
	}

	votes := make(map[string]int)
	for _, record := range answers {
		votes[strings.TrimSpace(record.Answer)]++
	}
	top := 0
	for _, count := range votes {
		if count > top {
			top = count
		}
	}

	for participantID, record := range answers {
		if !record.Pending {
			continue
		}
		record.Pending = false
		if top > 0 && votes[strings.TrimSpace(record.Answer)] == top {
			result := correctResult(q, record.ResponseTimeMs, cfg)
			record.IsCorrect = true
			record.Points = result.Points
		} else {
			record.IsCorrect = false
			record.Points = 0
		}
		resolved[participantID] = record
	}
	return resolved
}

func correctResult(q *models.Question, responseTimeMs int64, cfg ScoringConfig) ScoreResult {
	bonus := SpeedBonus(responseTimeMs, q.DurationMs(), cfg.MaxBonus)
	return ScoreResult{
		IsCorrect:  true,
		Points:     cfg.BasePoints + bonus,
		BasePoints: cfg.BasePoints,
		SpeedBonus: bonus,
	}
}

func normalizeShortAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
