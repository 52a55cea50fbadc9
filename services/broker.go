package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const roomChannelPrefix = "room-events:"

// Envelope is one encoded frame addressed to part of a room, as it travels
// between gateway instances. Origin names the publishing instance, which has
// already delivered the frame to its own sockets.
type Envelope struct {
	Origin        string          `json:"origin"`
	Pin           string          `json:"pin"`
	Audience      Audience        `json:"audience"`
	ParticipantID string          `json:"participantId,omitempty"`
	Frame         json.RawMessage `json:"frame"`
}

// Broker fans room events out to the other gateway instances.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes for all rooms until ctx is done.
	Subscribe(ctx context.Context, handler func(Envelope)) error
}

// RedisBroker uses Redis pub/sub so sockets on other instances see broadcasts.
type RedisBroker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

func NewRedisBroker(client *redis.Client, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		redis:  client,
		logger: logger.With().Str("component", "broker").Logger(),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.redis.Publish(ctx, roomChannelPrefix+env.Pin, data).Err(); err != nil {
		return fmt.Errorf("publish to room %s: %w", env.Pin, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, handler func(Envelope)) error {
	sub := b.redis.PSubscribe(ctx, roomChannelPrefix+"*")
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to room events: %w", err)
	}
	b.logger.Info().Msg("subscribed to room events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable envelope")
				continue
			}
			if env.Pin == "" {
				env.Pin = strings.TrimPrefix(msg.Channel, roomChannelPrefix)
			}
			handler(env)
		}
	}
}

// LocalBroker delivers in-process only. It serves single-instance setups and tests.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers []func(Envelope)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, handler func(Envelope)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}
