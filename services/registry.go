package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	pinKeyPrefix = "pin:"
	pinMin       = 100000
	pinMax       = 999999
)

var ErrPinSpaceExhausted = withMessage(ErrUnavailable, "No free room pin, try again")

// PinRegistry binds 6-digit PINs to room ids. A PIN stays bound until its
// TTL lapses or it is released, so two live rooms never share one.
type PinRegistry interface {
	Reserve(ctx context.Context, roomID string, ttl time.Duration) (string, error)
	Lookup(ctx context.Context, pin string) (string, error)
	Touch(ctx context.Context, pin string, ttl time.Duration) error
	Release(ctx context.Context, pin string) error
}

type RedisPinRegistry struct {
	redis       *redis.Client
	maxAttempts int
	logger      zerolog.Logger
	randomPin   func() (string, error)
}

func NewRedisPinRegistry(client *redis.Client, maxAttempts int, logger zerolog.Logger) *RedisPinRegistry {
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	return &RedisPinRegistry{
		redis:       client,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "pin_registry").Logger(),
		randomPin:   randomPin,
	}
}

func pinKey(pin string) string {
	return pinKeyPrefix + pin
}

// Reserve draws random PINs until one is free and binds it to roomID.
func (r *RedisPinRegistry) Reserve(ctx context.Context, roomID string, ttl time.Duration) (string, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		pin, err := r.randomPin()
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		ok, err := retryTransient(ctx, 3, func() (bool, error) {
			return r.redis.SetNX(ctx, pinKey(pin), roomID, ttl).Result()
		})
		if err != nil {
			return "", fmt.Errorf("reserve pin: %v: %w", err, ErrUnavailable)
		}
		if ok {
			r.logger.Info().Str("pin", pin).Str("room_id", roomID).Int("attempt", attempt).Msg("pin reserved")
			return pin, nil
		}
		r.logger.Debug().Str("pin", pin).Msg("pin collision, retrying")
	}
	return "", ErrPinSpaceExhausted
}

func (r *RedisPinRegistry) Lookup(ctx context.Context, pin string) (string, error) {
	roomID, err := r.redis.Get(ctx, pinKey(pin)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup pin %s: %v: %w", pin, err, ErrUnavailable)
	}
	return roomID, nil
}

func (r *RedisPinRegistry) Touch(ctx context.Context, pin string, ttl time.Duration) error {
	if err := r.redis.Expire(ctx, pinKey(pin), ttl).Err(); err != nil {
		return fmt.Errorf("touch pin %s: %w", pin, err)
	}
	return nil
}

func (r *RedisPinRegistry) Release(ctx context.Context, pin string) error {
	if err := r.redis.Del(ctx, pinKey(pin)).Err(); err != nil {
		return fmt.Errorf("release pin %s: %w", pin, err)
	}
	return nil
}

func randomPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pinMax-pinMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+pinMin), nil
}

// ValidPin reports whether s looks like a room PIN.
func ValidPin(s string) bool {
	if len(s) != 6 || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
