package services

import (
	"crypto/subtle"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"partyquiz/models"

	"github.com/google/uuid"
)

const (
	MaxNicknameLength    = 20
	DefaultOrganizerName = "Host"
)

const (
	organizerCannotAnswer  = "The organizer does not answer questions"
	endQuestionFirst       = "End the current question first"
	gameNotWaiting         = "Game has already started"
	gameNotPlaying         = "Game is not in progress"
	organizerRequiresLogin = "Organizer must reconnect with a valid token"
	reconnectTokenInvalid  = "Reconnect token does not match"
)

// Lifecycle implements the room state machine. It never performs I/O: every
// operation validates its guards against the given state first and only then
// mutates it, so a rejected call leaves the state untouched.
type Lifecycle struct {
	scoring  ScoringConfig
	newID    func() string
	newToken func() string
}

func NewLifecycle(scoring ScoringConfig) *Lifecycle {
	return &Lifecycle{
		scoring:  scoring,
		newID:    uuid.NewString,
		newToken: uuid.NewString,
	}
}

// Outcome lists what a transition produced for the gateway to act on.
type Outcome struct {
	Events        []Event
	ParticipantID string
	// ReconnectToken is set by Join and goes to the joining socket only.
	ReconnectToken string
	// ReplacedSocketID is the socket a reconnect took the participant from.
	ReplacedSocketID string
	// QuestionOpened reports that a question started accepting answers.
	QuestionOpened bool
	// QuestionClosed reports that the open question ended.
	QuestionClosed bool
	// Result is set when the game finished and must be handed off.
	Result *ResultRecord
}

func (o *Outcome) emit(events ...Event) {
	o.Events = append(o.Events, events...)
}

// ResultRecord is the final result handed to the ResultPersister.
type ResultRecord struct {
	RoomID           string
	GameID           uint
	Pin              string
	OrganizerID      string
	FinalLeaderboard []models.LeaderboardEntry
	DurationSec      int
	ParticipantCount int
	EndedAt          time.Time
}

type NewRoomParams struct {
	RoomID            string
	Pin               string
	GameID            uint
	OrganizerID       string
	OrganizerNickname string
	ExpiresAt         time.Time
}

// NewRoom builds a WAITING room owning exactly one organizer participant.
func (l *Lifecycle) NewRoom(p NewRoomParams, now time.Time) (*models.RoomState, error) {
	nickname := strings.TrimSpace(p.OrganizerNickname)
	if nickname == "" {
		nickname = DefaultOrganizerName
	}
	if !validNickname(nickname) {
		return nil, ErrInvalidNickname
	}

	state := models.NewRoomState(p.RoomID, p.Pin, p.GameID, p.OrganizerID, now, p.ExpiresAt)
	state.Participants = append(state.Participants, &models.Participant{
		ID:             l.newID(),
		ReconnectToken: l.newToken(),
		Nickname:       nickname,
		Answers:        map[int]models.AnswerRecord{},
		IsOrganizer:    true,
		JoinedAt:       now,
	})
	return state, nil
}

type JoinParams struct {
	Nickname      string
	ParticipantID string
	// ReconnectToken must match the participant's when ParticipantID is set.
	ReconnectToken string
	SocketID       string
	// UserID is the verified token subject of the connection, if any.
	UserID string
}

// Join admits a new participant, or rebinds an existing one when the
// connection presents a known participantId with its reconnect token or is
// the room's organizer. Participant ids are public; the token is not.
func (l *Lifecycle) Join(state *models.RoomState, p JoinParams, now time.Time) (Outcome, error) {
	var out Outcome

	existing := l.reconnectTarget(state, p)
	if existing != nil {
		if existing.IsOrganizer && p.UserID != state.OrganizerID {
			return out, withMessage(ErrUnauthorized, organizerRequiresLogin)
		}
		if !existing.IsOrganizer && !tokenMatches(existing.ReconnectToken, p.ReconnectToken) {
			return out, withMessage(ErrUnauthorized, reconnectTokenInvalid)
		}
		if existing.SocketID != nil && *existing.SocketID != p.SocketID {
			out.ReplacedSocketID = *existing.SocketID
		}
		socketID := p.SocketID
		existing.SocketID = &socketID
		out.ParticipantID = existing.ID
		out.ReconnectToken = existing.ReconnectToken
		return out, nil
	}

	if state.Status != models.RoomWaiting {
		return out, ErrGameInProgress
	}

	nickname := strings.TrimSpace(p.Nickname)
	if !validNickname(nickname) {
		return out, ErrInvalidNickname
	}
	if state.ParticipantByNickname(nickname) != nil {
		return out, ErrNicknameTaken
	}

	socketID := p.SocketID
	participant := &models.Participant{
		ID:             l.newID(),
		SocketID:       &socketID,
		ReconnectToken: l.newToken(),
		Nickname:       nickname,
		Answers:        map[int]models.AnswerRecord{},
		JoinedAt:       now,
	}
	state.Participants = append(state.Participants, participant)

	out.ParticipantID = participant.ID
	out.ReconnectToken = participant.ReconnectToken
	out.emit(roomEvent(EventPlayerJoined, PlayerPresencePayload{
		ParticipantID: participant.ID,
		Nickname:      participant.Nickname,
	}))
	return out, nil
}

func (l *Lifecycle) reconnectTarget(state *models.RoomState, p JoinParams) *models.Participant {
	if p.ParticipantID != "" {
		if existing := state.Participant(p.ParticipantID); existing != nil {
			return existing
		}
	}
	if p.UserID != "" && p.UserID == state.OrganizerID {
		return state.Organizer()
	}
	return nil
}

func tokenMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// StartGame moves a WAITING room to PLAYING and opens the first question.
func (l *Lifecycle) StartGame(state *models.RoomState, requesterID string, game *LoadedGame, now time.Time) (Outcome, error) {
	var out Outcome

	if err := requireOrganizer(state, requesterID); err != nil {
		return out, err
	}
	if state.Status != models.RoomWaiting {
		return out, withMessage(ErrInvalidState, gameNotWaiting)
	}
	if game == nil || game.ID != state.GameID {
		return out, ErrGameNotFound
	}
	if len(game.Questions) == 0 {
		return out, ErrNoQuestions
	}

	started := now
	state.Questions = append([]models.Question(nil), game.Questions...)
	state.Settings = game.Settings
	state.Status = models.RoomPlaying
	state.StartedAt = &started
	state.CurrentQuestionIndex = 0
	l.openQuestion(state, now)

	out.emit(roomEvent(EventGameStarted, GameStartedPayload{
		GameID:        state.GameID,
		QuestionCount: len(state.Questions),
	}))
	out.emit(questionStartedEvent(state))
	out.QuestionOpened = true
	return out, nil
}

type SubmitParams struct {
	ParticipantID  string
	QuestionIndex  int
	Answer         string
	ResponseTimeMs int64
}

// SubmitAnswer records the first answer of a participant for the open question.
func (l *Lifecycle) SubmitAnswer(state *models.RoomState, p SubmitParams, now time.Time) (Outcome, error) {
	var out Outcome

	participant := state.Participant(p.ParticipantID)
	if participant == nil {
		return out, ErrNotJoined
	}
	if participant.IsOrganizer {
		return out, withMessage(ErrInvalidState, organizerCannotAnswer)
	}
	if state.Status != models.RoomPlaying {
		return out, withMessage(ErrInvalidState, gameNotPlaying)
	}
	if p.QuestionIndex != state.CurrentQuestionIndex {
		return out, ErrWrongQuestion
	}
	if state.QuestionPhase != models.PhaseAnswering {
		return out, ErrQuestionClosed
	}
	if _, answered := participant.Answers[p.QuestionIndex]; answered {
		return out, ErrAlreadyAnswered
	}
	if _, answered := state.Answers[p.QuestionIndex][participant.ID]; answered {
		return out, ErrAlreadyAnswered
	}

	question := state.CurrentQuestion()
	rt := responseTime(p.ResponseTimeMs, state.QuestionStartedAt, now)
	result := Score(question, p.Answer, rt, l.scoring.With(state.Settings))

	record := models.AnswerRecord{
		Answer:         p.Answer,
		IsCorrect:      result.IsCorrect,
		Points:         result.Points,
		ResponseTimeMs: rt,
		SubmittedAt:    now,
		Pending:        result.Pending,
	}
	if state.Answers == nil {
		state.Answers = map[int]map[string]models.AnswerRecord{}
	}
	if state.Answers[p.QuestionIndex] == nil {
		state.Answers[p.QuestionIndex] = map[string]models.AnswerRecord{}
	}
	if participant.Answers == nil {
		participant.Answers = map[int]models.AnswerRecord{}
	}
	state.Answers[p.QuestionIndex][participant.ID] = record
	participant.Answers[p.QuestionIndex] = record
	participant.Score += record.Points

	out.ParticipantID = participant.ID
	out.emit(participantEvent(participant.ID, EventAnswerReceived, AnswerReceivedPayload{
		QuestionIndex: p.QuestionIndex,
		IsCorrect:     result.IsCorrect,
		Points:        result.Points,
		Pending:       result.Pending,
		Breakdown:     result,
	}))
	out.emit(organizerEvent(EventAnswerCount, AnswerCountPayload{
		QuestionIndex: p.QuestionIndex,
		Answered:      len(state.Answers[p.QuestionIndex]),
		Total:         len(state.Players()),
	}))
	return out, nil
}

// EndQuestion closes the open question. automatic marks a deadline close,
// which needs no organizer.
func (l *Lifecycle) EndQuestion(state *models.RoomState, requesterID string, questionIndex int, automatic bool, now time.Time) (Outcome, error) {
	var out Outcome

	if !automatic {
		if err := requireOrganizer(state, requesterID); err != nil {
			return out, err
		}
	}
	if state.Status != models.RoomPlaying {
		return out, withMessage(ErrInvalidState, gameNotPlaying)
	}
	if questionIndex != state.CurrentQuestionIndex {
		return out, ErrWrongQuestion
	}
	if state.QuestionPhase != models.PhaseAnswering {
		return out, ErrQuestionClosed
	}

	ended := now
	state.QuestionPhase = models.PhaseEnded
	state.QuestionEndedAt = &ended

	question := state.CurrentQuestion()
	answers := state.Answers[questionIndex]
	resolved := ResolveMajority(question, answers, l.scoring.With(state.Settings))
	for participantID, record := range resolved {
		answers[participantID] = record
		if participant := state.Participant(participantID); participant != nil {
			participant.Answers[questionIndex] = record
			participant.Score += record.Points
		}
	}

	payload := QuestionEndedPayload{
		QuestionIndex: questionIndex,
		Results:       []AnswerReveal{},
		Leaderboard:   Leaderboard(state),
		Statistics: QuestionStatistics{
			Total:        len(state.Players()),
			Distribution: map[string]int{},
		},
		AutoClosed: automatic,
	}
	if question.Data.Type == models.QuestionBalanceGame {
		payload.MajorityAnswers = majorityAnswers(question, answers)
	} else {
		payload.CorrectAnswer = question.Data.CorrectAnswer
	}
	for _, participant := range state.Players() {
		record, ok := answers[participant.ID]
		if !ok {
			continue
		}
		payload.Results = append(payload.Results, AnswerReveal{
			ParticipantID:  participant.ID,
			Nickname:       participant.Nickname,
			Answer:         record.Answer,
			IsCorrect:      record.IsCorrect,
			Points:         record.Points,
			ResponseTimeMs: record.ResponseTimeMs,
		})
		payload.Statistics.Answered++
		if record.IsCorrect {
			payload.Statistics.Correct++
		}
		payload.Statistics.Distribution[strings.TrimSpace(record.Answer)]++
	}

	out.emit(roomEvent(EventQuestionEnded, payload))
	for _, participant := range state.Players() {
		record, ok := resolved[participant.ID]
		if !ok {
			continue
		}
		out.emit(participantEvent(participant.ID, EventAnswerRevealed, AnswerRevealedPayload{
			QuestionIndex: questionIndex,
			IsCorrect:     record.IsCorrect,
			Points:        record.Points,
		}))
	}
	out.QuestionClosed = true
	return out, nil
}

// NextQuestion opens the following question, or finishes the game after the
// last one. automatic marks an advance made on behalf of an absent organizer.
func (l *Lifecycle) NextQuestion(state *models.RoomState, requesterID string, automatic bool, now time.Time) (Outcome, error) {
	var out Outcome

	if !automatic {
		if err := requireOrganizer(state, requesterID); err != nil {
			return out, err
		}
	}
	if state.Status != models.RoomPlaying {
		return out, withMessage(ErrInvalidState, gameNotPlaying)
	}
	if state.QuestionPhase != models.PhaseEnded {
		return out, withMessage(ErrInvalidState, endQuestionFirst)
	}

	if state.CurrentQuestionIndex+1 < len(state.Questions) {
		state.CurrentQuestionIndex++
		l.openQuestion(state, now)
		out.emit(questionStartedEvent(state))
		out.QuestionOpened = true
		return out, nil
	}

	ended := now
	state.Status = models.RoomFinished
	state.EndedAt = &ended

	final := Leaderboard(state)
	out.emit(roomEvent(EventGameEnded, GameEndedPayload{FinalLeaderboard: final}))
	out.Result = &ResultRecord{
		RoomID:           state.RoomID,
		GameID:           state.GameID,
		Pin:              state.Pin,
		OrganizerID:      state.OrganizerID,
		FinalLeaderboard: final,
		DurationSec:      gameDuration(state, now),
		ParticipantCount: len(state.Players()),
		EndedAt:          now,
	}
	return out, nil
}

// Disconnect clears the socket binding of a participant. A stale socket (one
// that was already replaced by a reconnect) changes nothing.
func (l *Lifecycle) Disconnect(state *models.RoomState, participantID, socketID string) Outcome {
	var out Outcome

	participant := state.Participant(participantID)
	if participant == nil || participant.SocketID == nil || *participant.SocketID != socketID {
		return out
	}
	participant.SocketID = nil
	out.ParticipantID = participant.ID
	out.emit(roomEvent(EventPlayerLeft, PlayerPresencePayload{
		ParticipantID: participant.ID,
		Nickname:      participant.Nickname,
	}))
	return out
}

func (l *Lifecycle) openQuestion(state *models.RoomState, now time.Time) {
	started := now
	state.QuestionPhase = models.PhaseAnswering
	state.QuestionStartedAt = &started
	state.QuestionEndedAt = nil
	if state.Answers == nil {
		state.Answers = map[int]map[string]models.AnswerRecord{}
	}
	state.Answers[state.CurrentQuestionIndex] = map[string]models.AnswerRecord{}
}

func questionStartedEvent(state *models.RoomState) Event {
	question := state.CurrentQuestion()
	return roomEvent(EventQuestionStarted, QuestionStartedPayload{
		Question:      question.Public(),
		QuestionIndex: state.CurrentQuestionIndex,
		QuestionCount: len(state.Questions),
		StartedAt:     *state.QuestionStartedAt,
		Duration:      question.Duration,
	})
}

// Leaderboard ranks the players by score; equal scores keep join order.
func Leaderboard(state *models.RoomState) []models.LeaderboardEntry {
	players := state.Players()
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Score > players[j].Score
	})

	entries := make([]models.LeaderboardEntry, len(players))
	for i, p := range players {
		entries[i] = models.LeaderboardEntry{
			PlayerID: p.ID,
			Nickname: p.Nickname,
			Score:    p.Score,
			Rank:     i + 1,
		}
	}
	return entries
}

func requireOrganizer(state *models.RoomState, requesterID string) error {
	participant := state.Participant(requesterID)
	if participant == nil {
		return ErrNotJoined
	}
	if !participant.IsOrganizer {
		return ErrNotOrganizer
	}
	return nil
}

func validNickname(nickname string) bool {
	n := utf8.RuneCountInString(nickname)
	return n >= 1 && n <= MaxNicknameLength
}

// responseTime prefers the client measurement but never lets it exceed the
// server-observed time since the question opened.
func responseTime(clientMs int64, startedAt *time.Time, now time.Time) int64 {
	if startedAt == nil {
		if clientMs < 0 {
			return 0
		}
		return clientMs
	}
	serverMs := now.Sub(*startedAt).Milliseconds()
	if serverMs < 0 {
		serverMs = 0
	}
	if clientMs <= 0 || clientMs > serverMs {
		return serverMs
	}
	return clientMs
}

func majorityAnswers(q *models.Question, answers map[string]models.AnswerRecord) []string {
	if q.Data.ScoringMode != models.ScoringMajority {
		return nil
	}
	votes := make(map[string]int)
	top := 0
	for _, record := range answers {
		key := strings.TrimSpace(record.Answer)
		votes[key]++
		if votes[key] > top {
			top = votes[key]
		}
	}
	var majority []string
	for option, count := range votes {
		if count == top {
			majority = append(majority, option)
		}
	}
	sort.Strings(majority)
	return majority
}

func gameDuration(state *models.RoomState, now time.Time) int {
	if state.StartedAt == nil {
		return 0
	}
	return int(now.Sub(*state.StartedAt).Seconds())
}
