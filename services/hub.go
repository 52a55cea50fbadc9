package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"partyquiz/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 8 * 1024
	timerOpTimeout = 10 * time.Second
)

type HubOptions struct {
	// AutoAdvanceDelay is how long results stay up before an absent
	// organizer's game moves on by itself.
	AutoAdvanceDelay time.Duration
	RateLimit        rate.Limit
	RateBurst        int
	SendBuffer       int
	// ExternalRetries bounds retries of loadGame / persistResult.
	ExternalRetries uint
}

func DefaultHubOptions() HubOptions {
	return HubOptions{
		AutoAdvanceDelay: 10 * time.Second,
		RateLimit:        20,
		RateBurst:        40,
		SendBuffer:       256,
		ExternalRetries:  3,
	}
}

// Hub is the realtime gateway. Every mutating event for a room runs under
// that room's lock: load, transition, save, then broadcast, so broadcasts
// always describe a committed state.
type Hub struct {
	id        string
	lifecycle *Lifecycle
	store     RoomStore
	registry  PinRegistry
	games     GameLoader
	results   ResultPersister
	broker    Broker
	sessions  *SessionManager
	timers    *QuestionTimers
	locks     *roomLocks
	commands  map[string]commandFunc
	opts      HubOptions
	logger    zerolog.Logger
	now       func() time.Time
}

type HubDeps struct {
	Lifecycle *Lifecycle
	Store     RoomStore
	Registry  PinRegistry
	Games     GameLoader
	Results   ResultPersister
	Broker    Broker
}

func NewHub(deps HubDeps, opts HubOptions, logger zerolog.Logger) *Hub {
	h := &Hub{
		id:        uuid.NewString(),
		lifecycle: deps.Lifecycle,
		store:     deps.Store,
		registry:  deps.Registry,
		games:     deps.Games,
		results:   deps.Results,
		broker:    deps.Broker,
		sessions:  NewSessionManager(),
		timers:    NewQuestionTimers(),
		locks:     newRoomLocks(),
		opts:      opts,
		logger:    logger.With().Str("component", "hub").Logger(),
		now:       time.Now,
	}
	h.commands = h.commandTable()
	return h
}

// Run re-arms question timers for rooms that were live before this process
// started, then relays broadcasts from other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Recover(ctx); err != nil {
		h.logger.Error().Err(err).Msg("timer recovery failed")
	}
	return h.broker.Subscribe(ctx, h.onRemoteEnvelope)
}

// Recover arms timers from persisted question start times.
func (h *Hub) Recover(ctx context.Context) error {
	pins, err := h.store.ActivePins(ctx)
	if err != nil {
		return err
	}
	armed := 0
	for _, pin := range pins {
		state, err := h.store.Get(ctx, pin)
		if err != nil {
			h.logger.Debug().Err(err).Str("pin", pin).Msg("skipping room during recovery")
			continue
		}
		if h.armTimers(state) {
			armed++
		}
	}
	h.logger.Info().Int("rooms", len(pins)).Int("timers", armed).Msg("recovered question timers")
	return nil
}

func (h *Hub) Shutdown() {
	h.timers.Stop()
}

// Client is one WebSocket connection.
type Client struct {
	hub       *Hub
	id        string
	socket    *websocket.Conn
	send      chan []byte
	identity  Identity
	limiter   *rate.Limiter
	closeOnce sync.Once
	done      chan struct{}
}

func (h *Hub) newClient(socket *websocket.Conn, identity Identity) *Client {
	return &Client{
		hub:      h,
		id:       uuid.NewString(),
		socket:   socket,
		send:     make(chan []byte, h.opts.SendBuffer),
		identity: identity,
		limiter:  rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// RegisterClient starts serving a freshly upgraded connection.
func (h *Hub) RegisterClient(socket *websocket.Conn, identity Identity) *Client {
	client := h.newClient(socket, identity)
	h.logger.Info().Str("socket_id", client.id).Str("user_id", identity.UserID).Msg("client connected")

	go client.writePump()
	go client.readPump()
	return client
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.close()
		c.socket.Close()
	}()

	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("socket_id", c.id).Msg("websocket read error")
			}
			return
		}
		c.hub.Dispatch(context.Background(), c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendFrame queues a frame without blocking. A client that cannot keep up is
// disconnected rather than stalling the room.
func (c *Client) sendFrame(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.hub.logger.Warn().Str("socket_id", c.id).Msg("send buffer full, closing connection")
		c.close()
	}
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal message")
		return
	}
	c.sendFrame(data)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// disconnect runs when the socket goes away. The participant stays in the
// room; only its socket binding is cleared.
func (h *Hub) disconnect(c *Client) {
	binding, ok := h.sessions.Unbind(c.id)
	h.logger.Info().Str("socket_id", c.id).Str("pin", binding.Pin).Msg("client disconnected")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()
	if err := h.detach(ctx, binding, c.id); err != nil {
		h.logger.Warn().Err(err).Str("pin", binding.Pin).Str("participant_id", binding.ParticipantID).
			Msg("failed to record disconnect")
	}
}

func (h *Hub) detach(ctx context.Context, binding Binding, socketID string) error {
	_, err := h.mutate(ctx, binding.Pin, func(state *models.RoomState) (Outcome, error) {
		return h.lifecycle.Disconnect(state, binding.ParticipantID, socketID), nil
	}, nil)
	return err
}

// mutate is the per-room critical section. apply may run more than once when
// another instance raced the write; after runs once, under the lock, with the
// committed state and before anything is broadcast.
func (h *Hub) mutate(
	ctx context.Context,
	pin string,
	apply func(*models.RoomState) (Outcome, error),
	after func(*models.RoomState, Outcome),
) (*models.RoomState, error) {
	unlock := h.locks.Lock(pin)
	defer unlock()

	var out Outcome
	state, err := h.store.Update(ctx, pin, func(state *models.RoomState) error {
		o, err := apply(state)
		if err != nil {
			return err
		}
		if o.Result != nil {
			if err := h.persistResult(ctx, *o.Result); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if after != nil {
		after(state, out)
	}
	h.publish(ctx, state, out.Events)
	h.armTimers(state)
	if out.Result != nil {
		h.finish(ctx, state)
	}
	return state, nil
}

func (h *Hub) persistResult(ctx context.Context, result ResultRecord) error {
	_, err := retryTransient(ctx, h.opts.ExternalRetries, func() (struct{}, error) {
		return struct{}{}, h.results.PersistResult(ctx, result)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", result.RoomID).Msg("failed to persist game result")
		return err
	}
	h.logger.Info().Str("room_id", result.RoomID).Str("pin", result.Pin).
		Int("participants", result.ParticipantCount).Int("duration_sec", result.DurationSec).Msg("game result persisted")
	return nil
}

func (h *Hub) loadGame(ctx context.Context, gameID uint) (*LoadedGame, error) {
	return retryTransient(ctx, h.opts.ExternalRetries, func() (*LoadedGame, error) {
		return h.games.LoadGame(ctx, gameID)
	})
}

func (h *Hub) finish(ctx context.Context, state *models.RoomState) {
	if err := h.registry.Touch(ctx, state.Pin, h.store.TTLFor(state)); err != nil {
		h.logger.Warn().Err(err).Str("pin", state.Pin).Msg("failed to shorten pin binding")
	}
	h.logger.Info().Str("pin", state.Pin).Str("room_id", state.RoomID).Msg("game finished")
}

// armTimers derives the pending timer of a room from its state alone, which
// is what lets a restarted process pick up where the last one stopped.
func (h *Hub) armTimers(state *models.RoomState) bool {
	pin := state.Pin
	if state.Status != models.RoomPlaying {
		h.timers.Cancel(pin)
		return false
	}

	index := state.CurrentQuestionIndex
	switch state.QuestionPhase {
	case models.PhaseAnswering:
		deadline, ok := state.QuestionDeadline()
		if !ok {
			h.timers.Cancel(pin)
			return false
		}
		h.timers.Schedule(pin, deadlineTimer, index, deadline, func() {
			h.autoEndQuestion(pin, index)
		})
		return true

	case models.PhaseEnded:
		organizer := state.Organizer()
		if organizer == nil || organizer.Connected() || state.QuestionEndedAt == nil {
			h.timers.Cancel(pin)
			return false
		}
		at := state.QuestionEndedAt.Add(h.opts.AutoAdvanceDelay)
		h.timers.Schedule(pin, advanceTimer, index, at, func() {
			h.autoAdvance(pin, index)
		})
		return true
	}

	h.timers.Cancel(pin)
	return false
}

func (h *Hub) autoEndQuestion(pin string, questionIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()

	_, err := h.mutate(ctx, pin, func(state *models.RoomState) (Outcome, error) {
		return h.lifecycle.EndQuestion(state, "", questionIndex, true, h.now())
	}, nil)
	h.logTimerResult(err, pin, questionIndex, deadlineTimer)
}

func (h *Hub) autoAdvance(pin string, questionIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()

	_, err := h.mutate(ctx, pin, func(state *models.RoomState) (Outcome, error) {
		if state.CurrentQuestionIndex != questionIndex {
			return Outcome{}, ErrWrongQuestion
		}
		if organizer := state.Organizer(); organizer != nil && organizer.Connected() {
			return Outcome{}, withMessage(ErrInvalidState, "organizer is back")
		}
		return h.lifecycle.NextQuestion(state, "", true, h.now())
	}, nil)
	h.logTimerResult(err, pin, questionIndex, advanceTimer)
}

func (h *Hub) logTimerResult(err error, pin string, questionIndex int, kind timerKind) {
	event := h.logger.Info()
	if err != nil {
		var gerr *GameError
		if errors.As(err, &gerr) && gerr.Code != CodeUnavailable && gerr.Code != CodeInternal {
			event = h.logger.Debug().Err(err)
		} else {
			event = h.logger.Error().Err(err)
		}
	}
	event.Str("pin", pin).Int("question_index", questionIndex).Str("timer", kind.String()).Msg("timer fired")
}

// publish delivers events to this instance's sockets and hands them to the
// broker for the others.
func (h *Hub) publish(ctx context.Context, state *models.RoomState, events []Event) {
	for _, event := range events {
		frame, err := json.Marshal(event.Message)
		if err != nil {
			h.logger.Error().Err(err).Str("type", event.Message.Type).Msg("failed to marshal event")
			continue
		}

		env := Envelope{
			Origin:        h.id,
			Pin:           state.Pin,
			Audience:      event.Audience,
			ParticipantID: event.ParticipantID,
			Frame:         frame,
		}
		if event.Audience == ToOrganizer {
			env.Audience = ToParticipant
			if organizer := state.Organizer(); organizer != nil {
				env.ParticipantID = organizer.ID
			}
		}

		h.deliver(env)
		if err := h.broker.Publish(ctx, env); err != nil {
			h.logger.Warn().Err(err).Str("pin", state.Pin).Str("type", event.Message.Type).Msg("failed to fan out event")
		}
	}
}

func (h *Hub) onRemoteEnvelope(env Envelope) {
	if env.Origin == h.id {
		return
	}
	h.deliver(env)
}

func (h *Hub) deliver(env Envelope) {
	var clients []*Client
	switch env.Audience {
	case ToRoom:
		clients = h.sessions.Clients(env.Pin)
	case ToParticipant:
		clients = h.sessions.ParticipantClients(env.Pin, env.ParticipantID)
	}
	for _, c := range clients {
		c.sendFrame(env.Frame)
	}
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// roomLocks hands out one mutex per room and forgets it once unused.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

func (l *roomLocks) Lock(pin string) func() {
	l.mu.Lock()
	lock, ok := l.locks[pin]
	if !ok {
		lock = &roomLock{}
		l.locks[pin] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, pin)
		}
		l.mu.Unlock()
	}
}
