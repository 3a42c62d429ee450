// Package redis implements the scan broker on Redis pub/sub. Delivery is
// at-most-once: a message published while nobody listens is lost.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Config redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
	// ChannelPrefix lets several deployments share one redis
	ChannelPrefix string
}

type Broker struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

const (
	connectAttempts = 5
	connectDelay    = 500 * time.Millisecond
	connectMaxDelay = 5 * time.Second
)

// New connects and pings, retrying while redis comes up.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := retry.Do(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, retry.Attempts(connectAttempts), retry.Delay(connectDelay), retry.MaxDelay(connectMaxDelay))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Broker{client: client, prefix: cfg.ChannelPrefix, log: log}, nil
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks until ctx is done. Handler calls are sequential.
func (b *Broker) Subscribe(ctx context.Context, channel string, handle func(ctx context.Context, payload []byte)) error {
	ps := b.client.Subscribe(ctx, b.prefix+channel)
	defer ps.Close()

	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.log.Info().Str("channel", b.prefix+channel).Msg("subscribed")

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription %s closed", channel)
			}
			handle(ctx, []byte(msg.Payload))
		}
	}
}

// Ping used by the readiness check
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error { return b.client.Close() }
