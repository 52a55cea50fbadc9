package services

import (
	"encoding/json"
	"time"

	"partyquiz/models"
)

// Inbound event names.
const (
	EventJoinRoom     = "join-room"
	EventStartGame    = "start-game"
	EventSubmitAnswer = "submit-answer"
	EventEndQuestion  = "end-question"
	EventNextQuestion = "next-question"
	EventLeaveRoom    = "leave-room"
	EventSyncState    = "sync-state"
	EventPing         = "ping"
)

// Outbound event names.
const (
	EventJoinedRoom      = "joined-room"
	EventPlayerJoined    = "player-joined"
	EventPlayerLeft      = "player-left"
	EventGameStarted     = "game-started"
	EventQuestionStarted = "question-started"
	EventAnswerReceived  = "answer-received"
	EventAnswerCount     = "answer-count"
	EventQuestionEnded   = "question-ended"
	EventAnswerRevealed  = "answer-revealed"
	EventGameEnded       = "game-ended"
	EventRoomState       = "room-state"
	EventPong            = "pong"
	EventError           = "error"
)

// Message is the envelope of every frame on the socket.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// InboundMessage keeps the payload raw until the dispatcher knows its schema.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinedRoomPayload goes to the joining socket only; the reconnect token it
// carries is never broadcast.
type JoinedRoomPayload struct {
	ParticipantID  string       `json:"participantId"`
	ReconnectToken string       `json:"reconnectToken"`
	RoomState      RoomSnapshot `json:"roomState"`
}

type PlayerPresencePayload struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
}

type GameStartedPayload struct {
	GameID        uint `json:"gameId"`
	QuestionCount int  `json:"questionCount"`
}

type QuestionStartedPayload struct {
	Question      models.PublicQuestion `json:"question"`
	QuestionIndex int                   `json:"questionIndex"`
	QuestionCount int                   `json:"questionCount"`
	StartedAt     time.Time             `json:"startedAt"`
	Duration      int                   `json:"duration"`
}

type AnswerReceivedPayload struct {
	QuestionIndex int         `json:"questionIndex"`
	IsCorrect     bool        `json:"isCorrect"`
	Points        int         `json:"points"`
	Pending       bool        `json:"pending,omitempty"`
	Breakdown     ScoreResult `json:"breakdown"`
}

type AnswerCountPayload struct {
	QuestionIndex int `json:"questionIndex"`
	Answered      int `json:"answered"`
	Total         int `json:"total"`
}

type AnswerReveal struct {
	ParticipantID  string `json:"participantId"`
	Nickname       string `json:"nickname"`
	Answer         string `json:"answer"`
	IsCorrect      bool   `json:"isCorrect"`
	Points         int    `json:"points"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

type QuestionStatistics struct {
	Answered     int            `json:"answered"`
	Total        int            `json:"total"`
	Correct      int            `json:"correct"`
	Distribution map[string]int `json:"distribution"`
}

type QuestionEndedPayload struct {
	QuestionIndex   int                       `json:"questionIndex"`
	CorrectAnswer   string                    `json:"correctAnswer,omitempty"`
	MajorityAnswers []string                  `json:"majorityAnswers,omitempty"`
	Results         []AnswerReveal            `json:"results"`
	Leaderboard     []models.LeaderboardEntry `json:"leaderboard"`
	Statistics      QuestionStatistics        `json:"statistics"`
	AutoClosed      bool                      `json:"autoClosed"`
}

type AnswerRevealedPayload struct {
	QuestionIndex int  `json:"questionIndex"`
	IsCorrect     bool `json:"isCorrect"`
	Points        int  `json:"points"`
}

type GameEndedPayload struct {
	FinalLeaderboard []models.LeaderboardEntry `json:"finalLeaderboard"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Audience selects which sockets of a room receive an event.
type Audience int

const (
	// ToRoom reaches every socket bound to the room.
	ToRoom Audience = iota
	// ToParticipant reaches the sockets of one participant.
	ToParticipant
	// ToOrganizer reaches the organizer's sockets.
	ToOrganizer
)

// Event is a message addressed to part of a room.
type Event struct {
	Audience      Audience `json:"audience"`
	ParticipantID string   `json:"participantId,omitempty"`
	Message       Message  `json:"message"`
}

func roomEvent(eventType string, payload interface{}) Event {
	return Event{Audience: ToRoom, Message: Message{Type: eventType, Payload: payload}}
}

func participantEvent(participantID, eventType string, payload interface{}) Event {
	return Event{Audience: ToParticipant, ParticipantID: participantID, Message: Message{Type: eventType, Payload: payload}}
}

func organizerEvent(eventType string, payload interface{}) Event {
	return Event{Audience: ToOrganizer, Message: Message{Type: eventType, Payload: payload}}
}

func errorMessage(err *GameError) Message {
	return Message{Type: EventError, Payload: ErrorPayload{Code: err.Code, Message: err.Message}}
}
