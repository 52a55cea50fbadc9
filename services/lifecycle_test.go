package services

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"partyquiz/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPin         = "540658"
	testOrganizerID = "user-1"
	testGameID      = uint(7)
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLifecycle() *Lifecycle {
	l := NewLifecycle(DefaultScoring())
	n := 0
	l.newID = func() string {
		n++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
	}
	tokens := 0
	l.newToken = func() string {
		tokens++
		return fmt.Sprintf("token-%d", tokens)
	}
	return l
}

func testGame() *LoadedGame {
	return &LoadedGame{
		ID:          testGameID,
		Title:       "Warm up",
		OrganizerID: testOrganizerID,
		Questions: []models.Question{
			*trueFalse("O", 20),
			{Content: "Capital of France?", Duration: 10, Data: models.QuestionData{
				Type: models.QuestionMultipleChoice, Options: []string{"Paris", "Rome"}, CorrectAnswer: "Paris",
			}},
		},
	}
}

func newTestRoom(t *testing.T, l *Lifecycle) *models.RoomState {
	t.Helper()
	state, err := l.NewRoom(NewRoomParams{
		RoomID:      "room-1",
		Pin:         testPin,
		GameID:      testGameID,
		OrganizerID: testOrganizerID,
		ExpiresAt:   testStart.Add(2 * time.Hour),
	}, testStart)
	require.NoError(t, err)
	return state
}

func joinPlayer(t *testing.T, l *Lifecycle, state *models.RoomState, nickname string) string {
	t.Helper()
	out, err := l.Join(state, JoinParams{Nickname: nickname, SocketID: "sock-" + nickname}, testStart)
	require.NoError(t, err)
	return out.ParticipantID
}

func startedRoom(t *testing.T, l *Lifecycle, nicknames ...string) (*models.RoomState, []string) {
	t.Helper()
	state := newTestRoom(t, l)
	ids := make([]string, len(nicknames))
	for i, n := range nicknames {
		ids[i] = joinPlayer(t, l, state, n)
	}
	_, err := l.StartGame(state, state.Organizer().ID, testGame(), testStart)
	require.NoError(t, err)
	return state, ids
}

func eventTypes(out Outcome) []string {
	types := make([]string, len(out.Events))
	for i, e := range out.Events {
		types[i] = e.Message.Type
	}
	return types
}

func TestNewRoom(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)

	assert.Equal(t, models.RoomWaiting, state.Status)
	assert.Equal(t, -1, state.CurrentQuestionIndex)
	require.NotNil(t, state.Organizer())
	assert.Equal(t, DefaultOrganizerName, state.Organizer().Nickname)
	assert.False(t, state.Organizer().Connected())
	assert.NoError(t, state.Validate())
}

func TestJoinNicknameConflictAndReconnect(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)

	out, err := l.Join(state, JoinParams{Nickname: "Alex", SocketID: "s1"}, testStart)
	require.NoError(t, err)
	alexID := out.ParticipantID
	assert.Equal(t, []string{EventPlayerJoined}, eventTypes(out))

	_, err = l.Join(state, JoinParams{Nickname: "alex", SocketID: "s2"}, testStart)
	assert.ErrorIs(t, err, ErrNicknameTaken)

	l.Disconnect(state, alexID, "s1")
	assert.False(t, state.Participant(alexID).Connected())

	token := state.Participant(alexID).ReconnectToken
	out, err = l.Join(state, JoinParams{Nickname: "Alex", ParticipantID: alexID, ReconnectToken: token, SocketID: "s3"}, testStart)
	require.NoError(t, err)
	assert.Equal(t, alexID, out.ParticipantID)
	assert.Equal(t, token, out.ReconnectToken)
	assert.Empty(t, out.ReplacedSocketID, "the old socket was already gone")
	assert.Empty(t, out.Events)
	assert.Equal(t, "s3", *state.Participant(alexID).SocketID)
	assert.Len(t, state.Players(), 1)
}

func TestJoinValidation(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)

	_, err := l.Join(state, JoinParams{Nickname: "   ", SocketID: "s1"}, testStart)
	assert.ErrorIs(t, err, ErrInvalidNickname)

	_, err = l.Join(state, JoinParams{Nickname: "abcdefghijklmnopqrstu", SocketID: "s1"}, testStart)
	assert.ErrorIs(t, err, ErrInvalidNickname)

	_, err = l.Join(state, JoinParams{Nickname: "가나다라마바사아자차카타파하가나다라마바", SocketID: "s1"}, testStart)
	assert.NoError(t, err, "twenty runes is fine even when multi-byte")

	_, err = l.Join(state, JoinParams{Nickname: DefaultOrganizerName, SocketID: "s2"}, testStart)
	assert.ErrorIs(t, err, ErrNicknameTaken)
}

func TestJoinOrganizerRequiresIdentity(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)
	organizerID := state.Organizer().ID

	_, err := l.Join(state, JoinParams{ParticipantID: organizerID, SocketID: "s1"}, testStart)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, state.Organizer().Connected())

	out, err := l.Join(state, JoinParams{SocketID: "s1", UserID: testOrganizerID}, testStart)
	require.NoError(t, err)
	assert.Equal(t, organizerID, out.ParticipantID)
	assert.True(t, state.Organizer().Connected())
}

func TestJoinAfterStart(t *testing.T) {
	l := newTestLifecycle()
	state, ids := startedRoom(t, l, "Alex")

	_, err := l.Join(state, JoinParams{Nickname: "Late", SocketID: "s9"}, testStart)
	assert.ErrorIs(t, err, ErrGameInProgress)

	token := state.Participant(ids[0]).ReconnectToken
	_, err = l.Join(state, JoinParams{ParticipantID: ids[0], ReconnectToken: token, SocketID: "s9"}, testStart)
	assert.NoError(t, err)
}

func TestJoinReconnectRequiresToken(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)
	out, err := l.Join(state, JoinParams{Nickname: "Alice", SocketID: "alice"}, testStart)
	require.NoError(t, err)
	aliceID := out.ParticipantID
	require.NotEmpty(t, out.ReconnectToken)
	assert.Equal(t, out.ReconnectToken, state.Participant(aliceID).ReconnectToken)

	for _, token := range []string{"", "token-999", strings.ToUpper(out.ReconnectToken)} {
		_, err = l.Join(state, JoinParams{ParticipantID: aliceID, ReconnectToken: token, SocketID: "mallory"}, testStart)
		assert.ErrorIs(t, err, ErrUnauthorized, "token %q", token)
		assert.Equal(t, "alice", *state.Participant(aliceID).SocketID)
	}

	again, err := l.Join(state, JoinParams{ParticipantID: aliceID, ReconnectToken: out.ReconnectToken, SocketID: "alice-2"}, testStart)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.ReplacedSocketID)
	assert.Equal(t, "alice-2", *state.Participant(aliceID).SocketID)

	// Tokens are per participant.
	bobID := joinPlayer(t, l, state, "Bob")
	_, err = l.Join(state, JoinParams{ParticipantID: aliceID, ReconnectToken: state.Participant(bobID).ReconnectToken, SocketID: "bob"}, testStart)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStartGameGuards(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)
	playerID := joinPlayer(t, l, state, "Alex")
	organizerID := state.Organizer().ID

	_, err := l.StartGame(state, playerID, testGame(), testStart)
	assert.ErrorIs(t, err, ErrNotOrganizer)

	_, err = l.StartGame(state, "nobody", testGame(), testStart)
	assert.ErrorIs(t, err, ErrNotJoined)

	empty := testGame()
	empty.Questions = nil
	_, err = l.StartGame(state, organizerID, empty, testStart)
	assert.ErrorIs(t, err, ErrNoQuestions)

	other := testGame()
	other.ID = 99
	_, err = l.StartGame(state, organizerID, other, testStart)
	assert.ErrorIs(t, err, ErrGameNotFound)
	assert.Equal(t, models.RoomWaiting, state.Status)

	out, err := l.StartGame(state, organizerID, testGame(), testStart)
	require.NoError(t, err)
	assert.Equal(t, []string{EventGameStarted, EventQuestionStarted}, eventTypes(out))
	assert.True(t, out.QuestionOpened)
	assert.Equal(t, models.RoomPlaying, state.Status)
	assert.Equal(t, 0, state.CurrentQuestionIndex)
	assert.Equal(t, models.PhaseAnswering, state.QuestionPhase)
	assert.NoError(t, state.Validate())

	_, err = l.StartGame(state, organizerID, testGame(), testStart)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestQuestionStartedHidesAnswer(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)
	out, err := l.StartGame(state, state.Organizer().ID, testGame(), testStart)
	require.NoError(t, err)

	payload, ok := out.Events[1].Message.Payload.(QuestionStartedPayload)
	require.True(t, ok)
	assert.Equal(t, 0, payload.QuestionIndex)
	assert.Equal(t, 2, payload.QuestionCount)
	assert.Equal(t, 20, payload.Duration)
	assert.Equal(t, []string{"O", "X"}, payload.Question.Options)
}

func TestExampleScenario(t *testing.T) {
	l := newTestLifecycle()
	state, ids := startedRoom(t, l, "Mina", "Joon")
	mina, joon := ids[0], ids[1]
	at := testStart.Add(5 * time.Second)

	out, err := l.SubmitAnswer(state, SubmitParams{ParticipantID: mina, QuestionIndex: 0, Answer: "O", ResponseTimeMs: 3000}, at)
	require.NoError(t, err)
	assert.Equal(t, []string{EventAnswerReceived, EventAnswerCount}, eventTypes(out))
	ack := out.Events[0].Message.Payload.(AnswerReceivedPayload)
	assert.True(t, ack.IsCorrect)
	assert.Equal(t, 142, ack.Points)
	assert.Equal(t, ToParticipant, out.Events[0].Audience)
	assert.Equal(t, mina, out.Events[0].ParticipantID)
	assert.Equal(t, ToOrganizer, out.Events[1].Audience)

	out, err = l.SubmitAnswer(state, SubmitParams{ParticipantID: joon, QuestionIndex: 0, Answer: "X", ResponseTimeMs: 1000}, at)
	require.NoError(t, err)
	ack = out.Events[0].Message.Payload.(AnswerReceivedPayload)
	assert.False(t, ack.IsCorrect)
	assert.Equal(t, 0, ack.Points)
	count := out.Events[1].Message.Payload.(AnswerCountPayload)
	assert.Equal(t, 2, count.Answered)
	assert.Equal(t, 2, count.Total)

	out, err = l.EndQuestion(state, state.Organizer().ID, 0, false, at)
	require.NoError(t, err)
	assert.True(t, out.QuestionClosed)
	ended := out.Events[0].Message.Payload.(QuestionEndedPayload)
	assert.Equal(t, "O", ended.CorrectAnswer)
	require.Len(t, ended.Leaderboard, 2)
	assert.Equal(t, mina, ended.Leaderboard[0].PlayerID)
	assert.Equal(t, 1, ended.Leaderboard[0].Rank)
	assert.Equal(t, 142, ended.Leaderboard[0].Score)
	assert.Equal(t, joon, ended.Leaderboard[1].PlayerID)
	assert.Equal(t, 2, ended.Statistics.Answered)
	assert.Equal(t, 1, ended.Statistics.Correct)
	assert.Equal(t, map[string]int{"O": 1, "X": 1}, ended.Statistics.Distribution)
	assert.NoError(t, state.Validate())
}

func TestSubmitAnswerGuards(t *testing.T) {
	l := newTestLifecycle()
	state, ids := startedRoom(t, l, "Mina")
	mina := ids[0]
	at := testStart.Add(time.Second)

	_, err := l.SubmitAnswer(state, SubmitParams{ParticipantID: mina, QuestionIndex: 1, Answer: "O"}, at)
	assert.ErrorIs(t, err, ErrWrongQuestion)

	_, err = l.SubmitAnswer(state, SubmitParams{ParticipantID: state.Organizer().ID, QuestionIndex: 0, Answer: "O"}, at)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = l.SubmitAnswer(state, SubmitParams{ParticipantID: "ghost", QuestionIndex: 0, Answer: "O"}, at)
	assert.ErrorIs(t, err, ErrNotJoined)

	_, err = l.SubmitAnswer(state, SubmitParams{ParticipantID: mina, QuestionIndex: 0, Answer: "O", ResponseTimeMs: 500}, at)
	require.NoError(t, err)
	scoreAfterFirst := state.Participant(mina).Score

	_, err = l.SubmitAnswer(state, SubmitParams{ParticipantID: mina, QuestionIndex: 0, Answer: "X", ResponseTimeMs: 100}, at)
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
	assert.Equal(t, scoreAfterFirst, state.Participant(mina).Score)
	assert.Equal(t, "O", state.Answers[0][mina].Answer)

	_, err = l.EndQuestion(state, state.Organizer().ID, 0, false, at)
	require.NoError(t, err)
	_, err = l.SubmitAnswer(state, SubmitParams{ParticipantID: mina, QuestionIndex: 0, Answer: "O"}, at)
	assert.ErrorIs(t, err, ErrQuestionClosed)
}

func TestResponseTimeIsCappedByServerClock(t *testing.T) {
	l := newTestLifecycle()
	state, ids := startedRoom(t, l, "Mina", "Joon")

	// Client claims 30s but only 4s passed on the server.
	_, err := l.SubmitAnswer(state, SubmitParams{ParticipantID: ids[0], QuestionIndex: 0, Answer: "O", ResponseTimeMs: 30000},
		testStart.Add(4*time.Second))
	require.NoError(t, err)
	record := state.Answers[0][ids[0]]
	assert.Equal(t, int64(4000), record.ResponseTimeMs)
	assert.Equal(t, 140, record.Points)

	// A negative claim falls back to the server clock too, not to zero.
	_, err = l.SubmitAnswer(state, SubmitParams{ParticipantID: ids[1], QuestionIndex: 0, Answer: "O", ResponseTimeMs: -5},
		testStart.Add(2*time.Second))
	require.NoError(t, err)
	record = state.Answers[0][ids[1]]
	assert.Equal(t, int64(2000), record.ResponseTimeMs)
	assert.Equal(t, 145, record.Points)
}

func TestQuestionIndexIsMonotonic(t *testing.T) {
	l := newTestLifecycle()
	state, _ := startedRoom(t, l, "Mina")
	organizerID := state.Organizer().ID

	_, err := l.NextQuestion(state, organizerID, false, testStart)
	assert.ErrorIs(t, err, ErrInvalidState, "must end the open question first")

	seen := []int{state.CurrentQuestionIndex}
	for state.Status == models.RoomPlaying {
		_, err := l.EndQuestion(state, organizerID, state.CurrentQuestionIndex, false, testStart)
		require.NoError(t, err)
		_, err = l.EndQuestion(state, organizerID, state.CurrentQuestionIndex, false, testStart)
		assert.ErrorIs(t, err, ErrQuestionClosed)

		out, err := l.NextQuestion(state, organizerID, false, testStart)
		require.NoError(t, err)
		if out.Result == nil {
			seen = append(seen, state.CurrentQuestionIndex)
		}
	}
	assert.Equal(t, []int{0, 1}, seen)
	assert.Equal(t, models.RoomFinished, state.Status)

	_, err = l.NextQuestion(state, organizerID, false, testStart)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGameEndProducesResult(t *testing.T) {
	l := newTestLifecycle()
	state, ids := startedRoom(t, l, "Mina", "Joon")
	organizerID := state.Organizer().ID

	_, err := l.SubmitAnswer(state, SubmitParams{ParticipantID: ids[1], QuestionIndex: 0, Answer: "O", ResponseTimeMs: 1000}, testStart.Add(time.Second))
	require.NoError(t, err)
	_, err = l.EndQuestion(state, organizerID, 0, false, testStart.Add(2*time.Second))
	require.NoError(t, err)
	_, err = l.NextQuestion(state, organizerID, false, testStart.Add(3*time.Second))
	require.NoError(t, err)
	_, err = l.EndQuestion(state, "", 1, true, testStart.Add(13*time.Second))
	require.NoError(t, err)

	end := testStart.Add(90 * time.Second)
	out, err := l.NextQuestion(state, "", true, end)
	require.NoError(t, err)
	assert.Equal(t, []string{EventGameEnded}, eventTypes(out))
	require.NotNil(t, out.Result)
	assert.Equal(t, "room-1", out.Result.RoomID)
	assert.Equal(t, 90, out.Result.DurationSec)
	assert.Equal(t, 2, out.Result.ParticipantCount)
	assert.Equal(t, ids[1], out.Result.FinalLeaderboard[0].PlayerID)
	assert.Equal(t, end, *state.EndedAt)
	assert.NoError(t, state.Validate())
}

func TestOrganizerOnlyTransitions(t *testing.T) {
	l := newTestLifecycle()
	state, ids := startedRoom(t, l, "Mina")

	_, err := l.EndQuestion(state, ids[0], 0, false, testStart)
	assert.ErrorIs(t, err, ErrNotOrganizer)
	assert.Equal(t, models.PhaseAnswering, state.QuestionPhase)

	_, err = l.EndQuestion(state, state.Organizer().ID, 0, false, testStart)
	require.NoError(t, err)
	_, err = l.NextQuestion(state, ids[0], false, testStart)
	assert.ErrorIs(t, err, ErrNotOrganizer)
	assert.Equal(t, 0, state.CurrentQuestionIndex)
}

func TestMajorityQuestionRevealsAfterEnd(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)
	ids := []string{joinPlayer(t, l, state, "A1"), joinPlayer(t, l, state, "A2"), joinPlayer(t, l, state, "B1")}
	game := testGame()
	game.Questions = []models.Question{{Content: "Cats or dogs?", Duration: 10, Data: models.QuestionData{
		Type: models.QuestionBalanceGame, Options: []string{"cats", "dogs"}, ScoringMode: models.ScoringMajority,
	}}}
	_, err := l.StartGame(state, state.Organizer().ID, game, testStart)
	require.NoError(t, err)

	at := testStart.Add(5 * time.Second)
	for i, answer := range []string{"cats", "cats", "dogs"} {
		out, err := l.SubmitAnswer(state, SubmitParams{ParticipantID: ids[i], QuestionIndex: 0, Answer: answer, ResponseTimeMs: 5000}, at)
		require.NoError(t, err)
		ack := out.Events[0].Message.Payload.(AnswerReceivedPayload)
		assert.True(t, ack.Pending)
		assert.False(t, ack.IsCorrect)
		assert.Equal(t, 0, ack.Points)
	}

	out, err := l.EndQuestion(state, state.Organizer().ID, 0, false, at)
	require.NoError(t, err)
	assert.Equal(t, []string{EventQuestionEnded, EventAnswerRevealed, EventAnswerRevealed, EventAnswerRevealed}, eventTypes(out))

	ended := out.Events[0].Message.Payload.(QuestionEndedPayload)
	assert.Equal(t, []string{"cats"}, ended.MajorityAnswers)
	assert.Empty(t, ended.CorrectAnswer)

	assert.Equal(t, 125, state.Participant(ids[0]).Score)
	assert.Equal(t, 125, state.Participant(ids[1]).Score)
	assert.Equal(t, 0, state.Participant(ids[2]).Score)
	assert.False(t, state.Answers[0][ids[0]].Pending)
	assert.Equal(t, state.Answers[0][ids[0]], state.Participant(ids[0]).Answers[0])
}

func TestDisconnectIgnoresStaleSocket(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)
	id := joinPlayer(t, l, state, "Mina")

	token := state.Participant(id).ReconnectToken
	_, err := l.Join(state, JoinParams{ParticipantID: id, ReconnectToken: token, SocketID: "new-socket"}, testStart)
	require.NoError(t, err)

	out := l.Disconnect(state, id, "sock-Mina")
	assert.Empty(t, out.Events)
	assert.True(t, state.Participant(id).Connected())

	out = l.Disconnect(state, id, "new-socket")
	assert.Equal(t, []string{EventPlayerLeft}, eventTypes(out))
	assert.False(t, state.Participant(id).Connected())
	assert.NotNil(t, state.Participant(id), "participant is kept for reconnection")
}

func TestLeaderboardTiesKeepJoinOrder(t *testing.T) {
	l := newTestLifecycle()
	state := newTestRoom(t, l)
	first := joinPlayer(t, l, state, "First")
	second := joinPlayer(t, l, state, "Second")
	third := joinPlayer(t, l, state, "Third")
	state.Participant(third).Score = 50

	board := Leaderboard(state)
	require.Len(t, board, 3)
	assert.Equal(t, []string{third, first, second}, []string{board[0].PlayerID, board[1].PlayerID, board[2].PlayerID})
	assert.Equal(t, []int{1, 2, 3}, []int{board[0].Rank, board[1].Rank, board[2].Rank})
}
