package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"partyquiz/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	roomKeyPrefix = "room:"
	flagKeyPrefix = "room-flag:"
	flagTTL       = 24 * time.Hour
)

// RoomStore is the shared source of truth for live rooms. Implementations do
// not serialize writers on their own; Update is the only safe way to mutate.
type RoomStore interface {
	Get(ctx context.Context, pin string) (*models.RoomState, error)
	Save(ctx context.Context, state *models.RoomState, ttl time.Duration) error
	Delete(ctx context.Context, pin string) error
	// Update loads the room, applies fn and writes it back atomically. fn may
	// run more than once if another writer raced it; a non-nil error from fn
	// aborts without writing.
	Update(ctx context.Context, pin string, fn func(*models.RoomState) error) (*models.RoomState, error)
	Flag(ctx context.Context, pin, reason string) error
	ActivePins(ctx context.Context) ([]string, error)
	// TTLFor is the expiry a save of state would use right now.
	TTLFor(state *models.RoomState) time.Duration
}

type StoreOptions struct {
	// RoomTTL is the idle window; every save pushes expiry this far out.
	RoomTTL time.Duration
	// FinishedGrace is how long a finished room stays readable.
	FinishedGrace time.Duration
	// MaxCASAttempts bounds optimistic retries when writers race.
	MaxCASAttempts int
	// RetryAttempts bounds retries of transient Redis failures.
	RetryAttempts uint
}

func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		RoomTTL:        2 * time.Hour,
		FinishedGrace:  10 * time.Minute,
		MaxCASAttempts: 8,
		RetryAttempts:  3,
	}
}

type RedisRoomStore struct {
	redis  *redis.Client
	opts   StoreOptions
	logger zerolog.Logger
	now    func() time.Time
}

func NewRedisRoomStore(client *redis.Client, opts StoreOptions, logger zerolog.Logger) *RedisRoomStore {
	return &RedisRoomStore{
		redis:  client,
		opts:   opts,
		logger: logger.With().Str("component", "room_store").Logger(),
		now:    time.Now,
	}
}

func roomKey(pin string) string {
	return roomKeyPrefix + pin
}

func flagKey(pin string) string {
	return flagKeyPrefix + pin
}

// flagReader is satisfied by both the client and a watched transaction.
type flagReader interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

func (s *RedisRoomStore) Get(ctx context.Context, pin string) (*models.RoomState, error) {
	data, err := retryTransient(ctx, s.opts.RetryAttempts, func() ([]byte, error) {
		return s.redis.Get(ctx, roomKey(pin)).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %v: %w", pin, err, ErrUnavailable)
	}
	return s.decode(ctx, s.redis, pin, data)
}

func (s *RedisRoomStore) Save(ctx context.Context, state *models.RoomState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal room state: %w", err)
	}
	// A fresh save replaces whatever was flagged under this PIN.
	_, err = retryTransient(ctx, s.opts.RetryAttempts, func() ([]redis.Cmder, error) {
		return s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(state.Pin), data, ttl)
			pipe.Del(ctx, flagKey(state.Pin))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("save room %s: %v: %w", state.Pin, err, ErrUnavailable)
	}
	s.logger.Debug().Str("pin", state.Pin).Str("status", string(state.Status)).
		Int("question_index", state.CurrentQuestionIndex).Dur("ttl", ttl).Msg("stored room state")
	return nil
}

func (s *RedisRoomStore) Delete(ctx context.Context, pin string) error {
	_, err := retryTransient(ctx, s.opts.RetryAttempts, func() (int64, error) {
		return s.redis.Del(ctx, roomKey(pin)).Result()
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %v: %w", pin, err, ErrUnavailable)
	}
	return nil
}

func (s *RedisRoomStore) Update(ctx context.Context, pin string, fn func(*models.RoomState) error) (*models.RoomState, error) {
	key := roomKey(pin)
	var updated *models.RoomState

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		state, err := s.decode(ctx, tx, pin, data)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal room state: %w", err)
		}
		ttl := s.TTLFor(state)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = state
		return nil
	}

	for attempt := 0; attempt < s.opts.MaxCASAttempts; attempt++ {
		_, err := retryTransient(ctx, s.opts.RetryAttempts, func() (struct{}, error) {
			return struct{}{}, s.redis.Watch(ctx, txf, key)
		})
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug().Str("pin", pin).Int("attempt", attempt+1).Msg("room update raced, retrying")
			continue
		}
		var gerr *GameError
		if errors.As(err, &gerr) {
			return nil, err
		}
		return nil, fmt.Errorf("update room %s: %v: %w", pin, err, ErrUnavailable)
	}
	return nil, fmt.Errorf("update room %s: too much contention: %w", pin, ErrUnavailable)
}

// Flag blocks the room until it is saved afresh or the flag expires. Every
// read of a flagged room fails with ErrRoomCorrupted.
func (s *RedisRoomStore) Flag(ctx context.Context, pin, reason string) error {
	s.logger.Error().Str("pin", pin).Str("reason", reason).Msg("room flagged for reset")
	if err := s.redis.Set(ctx, flagKey(pin), reason, flagTTL).Err(); err != nil {
		return fmt.Errorf("flag room %s: %w", pin, err)
	}
	return nil
}

// ActivePins lists every PIN that currently has a stored room.
func (s *RedisRoomStore) ActivePins(ctx context.Context) ([]string, error) {
	var pins []string
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, roomKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan rooms: %w", err)
		}
		for _, key := range keys {
			pins = append(pins, strings.TrimPrefix(key, roomKeyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return pins, nil
		}
	}
}

// TTLFor refreshes the idle window on every write, never past the room's hard
// expiry. Finished rooms only live for the grace period.
func (s *RedisRoomStore) TTLFor(state *models.RoomState) time.Duration {
	if state.Status == models.RoomFinished {
		return s.opts.FinishedGrace
	}
	ttl := s.opts.RoomTTL
	if !state.ExpiresAt.IsZero() {
		if remaining := state.ExpiresAt.Sub(s.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisRoomStore) decode(ctx context.Context, flags flagReader, pin string, data []byte) (*models.RoomState, error) {
	flagged, err := flags.Exists(ctx, flagKey(pin)).Result()
	if err != nil {
		return nil, fmt.Errorf("check flag %s: %v: %w", pin, err, ErrUnavailable)
	}
	if flagged > 0 {
		return nil, ErrRoomCorrupted
	}

	var state models.RoomState
	if err := json.Unmarshal(data, &state); err != nil {
		s.flagCorrupted(ctx, pin, fmt.Sprintf("undecodable state: %v", err))
		return nil, ErrRoomCorrupted
	}
	if err := state.Validate(); err != nil {
		s.flagCorrupted(ctx, pin, fmt.Sprintf("invariant violation: %v", err))
		return nil, ErrRoomCorrupted
	}
	if state.Expired(s.now()) {
		return nil, ErrRoomNotFound
	}
	return &state, nil
}

func (s *RedisRoomStore) flagCorrupted(ctx context.Context, pin, reason string) {
	if err := s.Flag(ctx, pin, reason); err != nil {
		s.logger.Error().Err(err).Str("pin", pin).Msg("failed to flag corrupted room")
	}
}

// retryTransient retries op on infrastructure failures with exponential
// backoff. Misses, aborted transactions and game errors other than
// UNAVAILABLE are returned as is.
func retryTransient[T any](ctx context.Context, attempts uint, op func() (T, error)) (T, error) {
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}

func isTransient(err error) bool {
	if errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gerr *GameError
	if errors.As(err, &gerr) {
		return gerr.Code == CodeUnavailable
	}
	return true
}
