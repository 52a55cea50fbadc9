package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"partyquiz/models"

	"github.com/gin-gonic/gin/binding"
)

// Inbound payloads. Validation tags are checked before a handler runs.

type JoinRoomRequest struct {
	Pin            string `json:"pin" binding:"required,len=6,numeric"`
	Nickname       string `json:"nickname" binding:"max=64"`
	ParticipantID  string `json:"participantId" binding:"omitempty,uuid"`
	ReconnectToken string `json:"reconnectToken" binding:"max=64"`
}

type StartGameRequest struct {
	Pin    string `json:"pin" binding:"required,len=6,numeric"`
	GameID uint   `json:"gameId"`
}

type SubmitAnswerRequest struct {
	Pin            string `json:"pin" binding:"required,len=6,numeric"`
	QuestionIndex  int    `json:"questionIndex" binding:"min=0"`
	Answer         string `json:"answer" binding:"required,max=500"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

type EndQuestionRequest struct {
	Pin           string `json:"pin" binding:"required,len=6,numeric"`
	QuestionIndex int    `json:"questionIndex" binding:"min=0"`
}

type RoomRequest struct {
	Pin string `json:"pin" binding:"required,len=6,numeric"`
}

type commandFunc func(ctx context.Context, c *Client, raw json.RawMessage) error

// typed decodes and validates the payload into T before calling fn.
func typed[T any](fn func(ctx context.Context, c *Client, req *T) error) commandFunc {
	return func(ctx context.Context, c *Client, raw json.RawMessage) error {
		var req T
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				return withMessage(ErrInvalidPayload, "Malformed payload")
			}
		}
		if err := binding.Validator.ValidateStruct(&req); err != nil {
			return withMessage(ErrInvalidPayload, "Invalid payload: %v", err)
		}
		return fn(ctx, c, &req)
	}
}

// commandTable maps every inbound event to its handler. Each handler either
// succeeds (its broadcasts are sent by mutate) or returns a *GameError that
// goes back to the calling socket only:
//
//	join-room      ROOM_NOT_FOUND, INVALID_NICKNAME, NICKNAME_TAKEN, GAME_IN_PROGRESS, UNAUTHORIZED, INVALID_STATE
//	start-game     NOT_JOINED, NOT_ORGANIZER, INVALID_STATE, GAME_NOT_FOUND, NO_QUESTIONS
//	submit-answer  NOT_JOINED, INVALID_STATE, WRONG_QUESTION, QUESTION_CLOSED, ALREADY_ANSWERED
//	end-question   NOT_JOINED, NOT_ORGANIZER, INVALID_STATE, WRONG_QUESTION, QUESTION_CLOSED
//	next-question  NOT_JOINED, NOT_ORGANIZER, INVALID_STATE
//	leave-room     NOT_JOINED
//	sync-state     NOT_JOINED, ROOM_NOT_FOUND
//
// Any of them may also fail with UNAVAILABLE or ROOM_CORRUPTED.
func (h *Hub) commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		EventJoinRoom:     typed(h.handleJoinRoom),
		EventStartGame:    typed(h.handleStartGame),
		EventSubmitAnswer: typed(h.handleSubmitAnswer),
		EventEndQuestion:  typed(h.handleEndQuestion),
		EventNextQuestion: typed(h.handleNextQuestion),
		EventLeaveRoom:    typed(h.handleLeaveRoom),
		EventSyncState:    typed(h.handleSyncState),
		EventPing: func(_ context.Context, c *Client, _ json.RawMessage) error {
			c.sendMessage(Message{Type: EventPong})
			return nil
		},
	}
}

// Dispatch handles one inbound frame. Failures are reported to the sender
// only and never close the connection.
func (h *Hub) Dispatch(ctx context.Context, c *Client, data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendMessage(errorMessage(ErrRateLimited))
		return
	}

	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reportError(c, "", ErrInvalidPayload)
		return
	}
	command, ok := h.commands[msg.Type]
	if !ok {
		h.reportError(c, msg.Type, withMessage(ErrUnknownEvent, "Unknown event %q", msg.Type))
		return
	}
	if err := command(ctx, c, msg.Payload); err != nil {
		h.reportError(c, msg.Type, err)
	}
}

func (h *Hub) reportError(c *Client, eventType string, err error) {
	gerr := AsGameError(err)
	switch gerr.Code {
	case CodeUnauthorized, CodeNotOrganizer:
		h.logger.Warn().Str("socket_id", c.id).Str("user_id", c.identity.UserID).
			Str("event", eventType).Str("code", string(gerr.Code)).Msg("unauthorized request")
	case CodeInternal, CodeUnavailable, CodeRoomCorrupted:
		h.logger.Error().Err(err).Str("socket_id", c.id).Str("event", eventType).Msg("request failed")
	default:
		h.logger.Debug().Str("socket_id", c.id).Str("event", eventType).Str("code", string(gerr.Code)).Msg("request rejected")
	}
	c.sendMessage(errorMessage(gerr))
}

// boundTo returns the participant the socket joined as in pin.
func (h *Hub) boundTo(c *Client, pin string) (string, error) {
	b, ok := h.sessions.Lookup(c.id)
	if !ok || b.Pin != pin {
		return "", ErrNotJoined
	}
	return b.ParticipantID, nil
}

// holdsSeat rejects a socket whose participant has since reconnected
// elsewhere, possibly through another instance.
func holdsSeat(state *models.RoomState, participantID, socketID string) error {
	p := state.Participant(participantID)
	if p == nil || p.SocketID == nil || *p.SocketID != socketID {
		return ErrNotJoined
	}
	return nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, req *JoinRoomRequest) error {
	// A socket belongs to one room, as one participant, at a time.
	if previous, ok := h.sessions.Lookup(c.id); ok {
		if previous.Pin == req.Pin {
			if req.ParticipantID != previous.ParticipantID {
				return withMessage(ErrInvalidState, "Already joined this room")
			}
		} else {
			h.sessions.Unbind(c.id)
			if err := h.detach(ctx, previous, c.id); err != nil && !errors.Is(err, ErrRoomNotFound) {
				h.logger.Warn().Err(err).Str("pin", previous.Pin).Msg("failed to leave previous room")
			}
		}
	}

	params := JoinParams{
		Nickname:       req.Nickname,
		ParticipantID:  req.ParticipantID,
		ReconnectToken: req.ReconnectToken,
		SocketID:       c.id,
		UserID:         c.identity.UserID,
	}
	_, err := h.mutate(ctx, req.Pin, func(state *models.RoomState) (Outcome, error) {
		return h.lifecycle.Join(state, params, h.now())
	}, func(state *models.RoomState, out Outcome) {
		if out.ReplacedSocketID != "" {
			h.sessions.Unbind(out.ReplacedSocketID)
		}
		h.sessions.Bind(c, state.Pin, out.ParticipantID)
		c.sendMessage(Message{Type: EventJoinedRoom, Payload: JoinedRoomPayload{
			ParticipantID:  out.ParticipantID,
			ReconnectToken: out.ReconnectToken,
			RoomState:      Snapshot(state, out.ParticipantID),
		}})
		h.logger.Info().Str("pin", state.Pin).Str("participant_id", out.ParticipantID).
			Str("socket_id", c.id).Str("replaced_socket_id", out.ReplacedSocketID).
			Bool("reconnect", len(out.Events) == 0).Msg("participant joined")
	})
	return err
}

func (h *Hub) handleStartGame(ctx context.Context, c *Client, req *StartGameRequest) error {
	participantID, err := h.boundTo(c, req.Pin)
	if err != nil {
		return err
	}

	// Check the caller before touching the external game store.
	current, err := h.store.Get(ctx, req.Pin)
	if err != nil {
		return err
	}
	if err := requireOrganizer(current, participantID); err != nil {
		return err
	}
	if req.GameID != 0 && req.GameID != current.GameID {
		return ErrGameNotFound
	}

	game, err := h.loadGame(ctx, current.GameID)
	if err != nil {
		return err
	}

	_, err = h.mutate(ctx, req.Pin, func(state *models.RoomState) (Outcome, error) {
		if err := holdsSeat(state, participantID, c.id); err != nil {
			return Outcome{}, err
		}
		return h.lifecycle.StartGame(state, participantID, game, h.now())
	}, func(state *models.RoomState, _ Outcome) {
		h.logger.Info().Str("pin", state.Pin).Uint("game_id", state.GameID).
			Int("questions", len(state.Questions)).Int("players", len(state.Players())).Msg("game started")
	})
	return err
}

func (h *Hub) handleSubmitAnswer(ctx context.Context, c *Client, req *SubmitAnswerRequest) error {
	participantID, err := h.boundTo(c, req.Pin)
	if err != nil {
		return err
	}
	_, err = h.mutate(ctx, req.Pin, func(state *models.RoomState) (Outcome, error) {
		if err := holdsSeat(state, participantID, c.id); err != nil {
			return Outcome{}, err
		}
		return h.lifecycle.SubmitAnswer(state, SubmitParams{
			ParticipantID:  participantID,
			QuestionIndex:  req.QuestionIndex,
			Answer:         req.Answer,
			ResponseTimeMs: req.ResponseTimeMs,
		}, h.now())
	}, nil)
	return err
}

func (h *Hub) handleEndQuestion(ctx context.Context, c *Client, req *EndQuestionRequest) error {
	participantID, err := h.boundTo(c, req.Pin)
	if err != nil {
		return err
	}
	_, err = h.mutate(ctx, req.Pin, func(state *models.RoomState) (Outcome, error) {
		if err := holdsSeat(state, participantID, c.id); err != nil {
			return Outcome{}, err
		}
		return h.lifecycle.EndQuestion(state, participantID, req.QuestionIndex, false, h.now())
	}, nil)
	return err
}

func (h *Hub) handleNextQuestion(ctx context.Context, c *Client, req *RoomRequest) error {
	participantID, err := h.boundTo(c, req.Pin)
	if err != nil {
		return err
	}
	_, err = h.mutate(ctx, req.Pin, func(state *models.RoomState) (Outcome, error) {
		if err := holdsSeat(state, participantID, c.id); err != nil {
			return Outcome{}, err
		}
		return h.lifecycle.NextQuestion(state, participantID, false, h.now())
	}, nil)
	return err
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, req *RoomRequest) error {
	b, ok := h.sessions.Lookup(c.id)
	if !ok || b.Pin != req.Pin {
		return ErrNotJoined
	}
	h.sessions.Unbind(c.id)
	return h.detach(ctx, b, c.id)
}

func (h *Hub) handleSyncState(ctx context.Context, c *Client, req *RoomRequest) error {
	participantID, err := h.boundTo(c, req.Pin)
	if err != nil {
		return err
	}
	state, err := h.store.Get(ctx, req.Pin)
	if err != nil {
		return err
	}
	c.sendMessage(Message{Type: EventRoomState, Payload: Snapshot(state, participantID)})
	return nil
}
