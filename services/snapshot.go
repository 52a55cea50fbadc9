package services

import (
	"time"

	"partyquiz/models"
)

type ParticipantView struct {
	ID          string `json:"id"`
	Nickname    string `json:"nickname"`
	Score       int    `json:"score"`
	IsOrganizer bool   `json:"isOrganizer"`
	Connected   bool   `json:"connected"`
}

// RoomSnapshot is the full state a client needs to render a room from scratch.
// It is what a (re)joining socket receives instead of a delta.
type RoomSnapshot struct {
	RoomID               string                      `json:"roomId"`
	Pin                  string                      `json:"pin"`
	GameID               uint                        `json:"gameId"`
	Status               models.RoomStatus           `json:"status"`
	CreatedAt            time.Time                   `json:"createdAt"`
	StartedAt            *time.Time                  `json:"startedAt,omitempty"`
	EndedAt              *time.Time                  `json:"endedAt,omitempty"`
	ExpiresAt            time.Time                   `json:"expiresAt"`
	CurrentQuestionIndex int                         `json:"currentQuestionIndex"`
	QuestionCount        int                         `json:"questionCount"`
	QuestionPhase        models.QuestionPhase        `json:"questionPhase"`
	Question             *models.PublicQuestion      `json:"question,omitempty"`
	QuestionStartedAt    *time.Time                  `json:"questionStartedAt,omitempty"`
	QuestionDeadline     *time.Time                  `json:"questionDeadline,omitempty"`
	CorrectAnswer        string                      `json:"correctAnswer,omitempty"`
	AnsweredCount        int                         `json:"answeredCount"`
	Participants         []ParticipantView           `json:"participants"`
	Leaderboard          []models.LeaderboardEntry   `json:"leaderboard"`
	MyAnswers            map[int]models.AnswerRecord `json:"myAnswers,omitempty"`
}

// Snapshot renders state as seen by viewerID. The correct answer of the open
// question is withheld until it ends; only the viewer's own answers are listed.
func Snapshot(state *models.RoomState, viewerID string) RoomSnapshot {
	snap := RoomSnapshot{
		RoomID:               state.RoomID,
		Pin:                  state.Pin,
		GameID:               state.GameID,
		Status:               state.Status,
		CreatedAt:            state.CreatedAt,
		StartedAt:            state.StartedAt,
		EndedAt:              state.EndedAt,
		ExpiresAt:            state.ExpiresAt,
		CurrentQuestionIndex: state.CurrentQuestionIndex,
		QuestionCount:        len(state.Questions),
		QuestionPhase:        state.QuestionPhase,
		QuestionStartedAt:    state.QuestionStartedAt,
		Participants:         make([]ParticipantView, 0, len(state.Participants)),
		Leaderboard:          Leaderboard(state),
	}

	for _, p := range state.Participants {
		snap.Participants = append(snap.Participants, ParticipantView{
			ID:          p.ID,
			Nickname:    p.Nickname,
			Score:       p.Score,
			IsOrganizer: p.IsOrganizer,
			Connected:   p.Connected(),
		})
	}

	if q := state.CurrentQuestion(); q != nil {
		public := q.Public()
		snap.Question = &public
		if deadline, ok := state.QuestionDeadline(); ok {
			snap.QuestionDeadline = &deadline
		}
		if state.QuestionPhase == models.PhaseEnded && q.Data.Type != models.QuestionBalanceGame {
			snap.CorrectAnswer = q.Data.CorrectAnswer
		}
		snap.AnsweredCount = len(state.Answers[state.CurrentQuestionIndex])
	}

	if viewer := state.Participant(viewerID); viewer != nil && len(viewer.Answers) > 0 {
		snap.MyAnswers = make(map[int]models.AnswerRecord, len(viewer.Answers))
		for index, record := range viewer.Answers {
			snap.MyAnswers[index] = record
		}
	}
	return snap
}
