package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RoomStatus string

const (
	RoomWaiting  RoomStatus = "WAITING"
	RoomPlaying  RoomStatus = "PLAYING"
	RoomFinished RoomStatus = "FINISHED"
)

// QuestionPhase is the sub-phase of the current question while the room is PLAYING.
type QuestionPhase string

const (
	PhaseNone      QuestionPhase = "NONE"
	PhaseAnswering QuestionPhase = "ANSWERING"
	PhaseEnded     QuestionPhase = "ENDED"
)

type AnswerRecord struct {
	Answer         string    `json:"answer"`
	IsCorrect      bool      `json:"isCorrect"`
	Points         int       `json:"points"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	SubmittedAt    time.Time `json:"submittedAt"`
	// Pending marks a majority-scored answer whose correctness is only known
	// once the question ends.
	Pending bool `json:"pending,omitempty"`
}

type Participant struct {
	ID       string  `json:"id"`
	SocketID *string `json:"socketId"`
	// ReconnectToken is handed to the participant alone and proves ownership
	// of ID when rejoining. It never leaves the state store otherwise.
	ReconnectToken string               `json:"reconnectToken"`
	Nickname       string               `json:"nickname"`
	Score          int                  `json:"score"`
	Answers        map[int]AnswerRecord `json:"answers"`
	IsOrganizer    bool                 `json:"isOrganizer"`
	JoinedAt       time.Time            `json:"joinedAt"`
}

func (p *Participant) Connected() bool {
	return p.SocketID != nil
}

// RoomState is the live, mutable projection of a room kept in the state store.
type RoomState struct {
	RoomID               string                          `json:"roomId"`
	Pin                  string                          `json:"pin"`
	GameID               uint                            `json:"gameId"`
	OrganizerID          string                          `json:"organizerId"`
	Status               RoomStatus                      `json:"status"`
	CreatedAt            time.Time                       `json:"createdAt"`
	StartedAt            *time.Time                      `json:"startedAt,omitempty"`
	EndedAt              *time.Time                      `json:"endedAt,omitempty"`
	ExpiresAt            time.Time                       `json:"expiresAt"`
	CurrentQuestionIndex int                             `json:"currentQuestionIndex"`
	QuestionPhase        QuestionPhase                   `json:"questionPhase"`
	QuestionStartedAt    *time.Time                      `json:"questionStartedAt,omitempty"`
	QuestionEndedAt      *time.Time                      `json:"questionEndedAt,omitempty"`
	Participants         []*Participant                  `json:"participants"`
	Answers              map[int]map[string]AnswerRecord `json:"answers"`
	Questions            []Question                      `json:"questions,omitempty"`
	Settings             GameSettings                    `json:"settings"`
}

func NewRoomState(roomID, pin string, gameID uint, organizerID string, now, expiresAt time.Time) *RoomState {
	return &RoomState{
		RoomID:               roomID,
		Pin:                  pin,
		GameID:               gameID,
		OrganizerID:          organizerID,
		Status:               RoomWaiting,
		CreatedAt:            now,
		ExpiresAt:            expiresAt,
		CurrentQuestionIndex: -1,
		QuestionPhase:        PhaseNone,
		Participants:         []*Participant{},
		Answers:              map[int]map[string]AnswerRecord{},
	}
}

func (s *RoomState) Participant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ParticipantByNickname matches case-insensitively.
func (s *RoomState) ParticipantByNickname(nickname string) *Participant {
	for _, p := range s.Participants {
		if strings.EqualFold(p.Nickname, nickname) {
			return p
		}
	}
	return nil
}

func (s *RoomState) Organizer() *Participant {
	for _, p := range s.Participants {
		if p.IsOrganizer {
			return p
		}
	}
	return nil
}

// Players returns the non-organizer participants in join order.
func (s *RoomState) Players() []*Participant {
	players := make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if !p.IsOrganizer {
			players = append(players, p)
		}
	}
	return players
}

func (s *RoomState) CurrentQuestion() *Question {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Questions) {
		return nil
	}
	return &s.Questions[s.CurrentQuestionIndex]
}

// QuestionDeadline is the server-anchored close time of the open question.
func (s *RoomState) QuestionDeadline() (time.Time, bool) {
	q := s.CurrentQuestion()
	if q == nil || s.QuestionStartedAt == nil {
		return time.Time{}, false
	}
	return s.QuestionStartedAt.Add(time.Duration(q.Duration) * time.Second), true
}

func (s *RoomState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Validate checks the structural invariants of a state loaded from the store.
func (s *RoomState) Validate() error {
	switch s.Status {
	case RoomWaiting, RoomPlaying, RoomFinished:
	default:
		return fmt.Errorf("unknown status %q", s.Status)
	}
	switch s.QuestionPhase {
	case PhaseNone, PhaseAnswering, PhaseEnded:
	default:
		return fmt.Errorf("unknown question phase %q", s.QuestionPhase)
	}
	if s.Pin == "" || s.RoomID == "" {
		return errors.New("missing room identity")
	}
	if s.Status == RoomWaiting && s.CurrentQuestionIndex != -1 {
		return fmt.Errorf("waiting room has question index %d", s.CurrentQuestionIndex)
	}
	if s.Status == RoomPlaying {
		if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Questions) {
			return fmt.Errorf("question index %d out of range [0,%d)", s.CurrentQuestionIndex, len(s.Questions))
		}
		if s.QuestionPhase == PhaseNone {
			return errors.New("playing room without a question phase")
		}
	}

	organizers := 0
	seen := make(map[string]bool, len(s.Participants))
	for _, p := range s.Participants {
		if p == nil {
			return errors.New("nil participant")
		}
		if p.IsOrganizer {
			organizers++
		}
		key := strings.ToLower(p.Nickname)
		if seen[key] {
			return fmt.Errorf("duplicate nickname %q", p.Nickname)
		}
		seen[key] = true
		if p.Score < 0 {
			return fmt.Errorf("participant %s has negative score", p.ID)
		}
	}
	if organizers != 1 {
		return fmt.Errorf("expected exactly one organizer, found %d", organizers)
	}

	for index := range s.Answers {
		if index > s.CurrentQuestionIndex {
			return fmt.Errorf("answers recorded for future question %d", index)
		}
	}
	return nil
}

// LeaderboardEntry is derived from participant scores; it is never stored.
type LeaderboardEntry struct {
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}
