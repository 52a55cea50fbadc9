package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"partyquiz/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoadedGame is the read-only question set a room is played from.
type LoadedGame struct {
	ID          uint
	Title       string
	OrganizerID string
	Questions   []models.Question
	Settings    models.GameSettings
}

type GameLoader interface {
	LoadGame(ctx context.Context, gameID uint) (*LoadedGame, error)
}

// ResultPersister hands a finished game off to long-term storage. Calls are
// idempotent per room.
type ResultPersister interface {
	PersistResult(ctx context.Context, result ResultRecord) error
}

// GameRepository reads games and stores final results in Postgres.
type GameRepository struct {
	db *gorm.DB
}

func NewGameRepository(db *gorm.DB) *GameRepository {
	return &GameRepository{db: db}
}

func (r *GameRepository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Game{},
		&models.Question{},
		&models.GameResult{},
	)
}

func (r *GameRepository) LoadGame(ctx context.Context, gameID uint) (*LoadedGame, error) {
	var game models.Game
	err := r.db.WithContext(ctx).
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("questions.order")
		}).
		First(&game, gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game %d: %v: %w", gameID, err, ErrUnavailable)
	}

	questions := append([]models.Question(nil), game.Questions...)
	sort.SliceStable(questions, func(i, j int) bool {
		return questions[i].Order < questions[j].Order
	})
	return &LoadedGame{
		ID:          game.ID,
		Title:       game.Title,
		OrganizerID: game.OrganizerID,
		Questions:   questions,
		Settings:    game.Settings(),
	}, nil
}

// PersistResult inserts the result once; a second call for the same room is a no-op.
func (r *GameRepository) PersistResult(ctx context.Context, result ResultRecord) error {
	row := models.GameResult{
		RoomID:           result.RoomID,
		GameID:           result.GameID,
		Pin:              result.Pin,
		OrganizerID:      result.OrganizerID,
		Leaderboard:      models.Leaderboard(result.FinalLeaderboard),
		DurationSec:      result.DurationSec,
		ParticipantCount: result.ParticipantCount,
		EndedAt:          result.EndedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "room_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("persist result for room %s: %v: %w", result.RoomID, err, ErrUnavailable)
	}
	return nil
}

type RoomOptions struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		DefaultTTL: 2 * time.Hour,
		MaxTTL:     8 * time.Hour,
	}
}

type CreateRoomRequest struct {
	GameID     uint   `json:"gameId" binding:"required"`
	TTLMinutes int    `json:"ttlMinutes" binding:"omitempty,min=1"`
	Nickname   string `json:"nickname" binding:"omitempty,max=20"`
}

type CreateRoomResponse struct {
	RoomID                 string    `json:"roomId"`
	Pin                    string    `json:"pin"`
	OrganizerParticipantID string    `json:"organizerParticipantId"`
	ExpiresAt              time.Time `json:"expiresAt"`
}

// GameService creates rooms and serves read-only room lookups. Live play goes
// through the Hub.
type GameService struct {
	lifecycle *Lifecycle
	store     RoomStore
	registry  PinRegistry
	games     GameLoader
	opts      RoomOptions
	logger    zerolog.Logger
	now       func() time.Time
}

func NewGameService(lifecycle *Lifecycle, store RoomStore, registry PinRegistry, games GameLoader, opts RoomOptions, logger zerolog.Logger) *GameService {
	return &GameService{
		lifecycle: lifecycle,
		store:     store,
		registry:  registry,
		games:     games,
		opts:      opts,
		logger:    logger.With().Str("component", "game_service").Logger(),
		now:       time.Now,
	}
}

// CreateRoom opens a WAITING room for a game the organizer owns and binds it
// to a fresh PIN.
func (s *GameService) CreateRoom(ctx context.Context, organizerID string, req *CreateRoomRequest) (*CreateRoomResponse, error) {
	game, err := s.games.LoadGame(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	if game.OrganizerID != organizerID {
		s.logger.Warn().Str("user_id", organizerID).Uint("game_id", req.GameID).Msg("room creation denied: not the game owner")
		return nil, ErrNotOrganizer
	}

	ttl := s.roomTTL(req.TTLMinutes)
	now := s.now()
	roomID := uuid.NewString()

	pin, err := s.registry.Reserve(ctx, roomID, ttl)
	if err != nil {
		return nil, err
	}

	state, err := s.lifecycle.NewRoom(NewRoomParams{
		RoomID:            roomID,
		Pin:               pin,
		GameID:            game.ID,
		OrganizerID:       organizerID,
		OrganizerNickname: req.Nickname,
		ExpiresAt:         now.Add(ttl),
	}, now)
	if err != nil {
		s.releasePin(ctx, pin)
		return nil, err
	}

	if err := s.store.Save(ctx, state, s.store.TTLFor(state)); err != nil {
		s.releasePin(ctx, pin)
		return nil, err
	}

	s.logger.Info().Str("pin", pin).Str("room_id", roomID).Uint("game_id", game.ID).
		Str("organizer_id", organizerID).Time("expires_at", state.ExpiresAt).Msg("room created")

	return &CreateRoomResponse{
		RoomID:                 roomID,
		Pin:                    pin,
		OrganizerParticipantID: state.Organizer().ID,
		ExpiresAt:              state.ExpiresAt,
	}, nil
}

// GetRoom returns the public view of a room.
func (s *GameService) GetRoom(ctx context.Context, pin string) (*RoomSnapshot, error) {
	if !ValidPin(pin) {
		return nil, ErrRoomNotFound
	}
	state, err := s.store.Get(ctx, pin)
	if err != nil {
		return nil, err
	}
	snap := Snapshot(state, "")
	return &snap, nil
}

func (s *GameService) roomTTL(minutes int) time.Duration {
	if minutes <= 0 {
		return s.opts.DefaultTTL
	}
	ttl := time.Duration(minutes) * time.Minute
	if ttl > s.opts.MaxTTL {
		return s.opts.MaxTTL
	}
	return ttl
}

func (s *GameService) releasePin(ctx context.Context, pin string) {
	if err := s.registry.Release(ctx, pin); err != nil {
		s.logger.Error().Err(err).Str("pin", pin).Msg("failed to release pin")
	}
}
