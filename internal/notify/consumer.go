package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nodeimage/internal/models"
)

// AlertHandler receives alerts read from the stream. A returned error leaves
// the message pending so it is claimed again later.
type AlertHandler func(ctx context.Context, id string, alert models.FlagAlert) error

type ConsumerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int64
	Block         time.Duration
	ClaimInterval time.Duration
}

// Consumer reads alerts through a Redis consumer group and reclaims
// messages other consumers left pending.
type Consumer struct {
	rdb     *redis.Client
	cfg     ConsumerConfig
	handler AlertHandler
	log     zerolog.Logger
}

func NewConsumer(rdb *redis.Client, cfg ConsumerConfig, handler AlertHandler, log zerolog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = "moderation:alerts"
	}
	if cfg.Group == "" {
		cfg.Group = "operators"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "modctl"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	return &Consumer{
		rdb:     rdb,
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("component", "alerts").Str("stream", cfg.Stream).Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.read(ctx); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}

		select {
		case <-ticker.C:
			if err := c.claimStalled(ctx); err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("claim pending alerts failed")
			}
		default:
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (c *Consumer) read(ctx context.Context) error {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.deliver(ctx, msg)
		}
	}
	return nil
}

func (c *Consumer) claimStalled(ctx context.Context) error {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range pending {
		if entry.Idle < c.cfg.ClaimInterval {
			continue
		}
		msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimInterval,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("message_id", entry.ID).Msg("claim failed")
			continue
		}
		for _, msg := range msgs {
			c.deliver(ctx, msg)
		}
	}
	return nil
}

func (c *Consumer) deliver(ctx context.Context, msg redis.XMessage) {
	alert, err := DecodeAlert(msg.Values)
	if err != nil {
		// undecodable entries would be reclaimed forever
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping malformed alert")
		c.ack(ctx, msg.ID)
		return
	}
	if err := c.handler(ctx, msg.ID, alert); err != nil {
		c.log.Error().Err(err).Str("message_id", msg.ID).Msg("handle alert failed")
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.log.Error().Err(err).Str("message_id", id).Msg("ack failed")
	}
}

// DecodeAlert parses the fields written by StreamNotifier.
func DecodeAlert(values map[string]interface{}) (models.FlagAlert, error) {
	var alert models.FlagAlert
	raw, ok := values["payload"].(string)
	if !ok || raw == "" {
		return alert, errors.New("alert payload missing")
	}
	if err := json.Unmarshal([]byte(raw), &alert); err != nil {
		return alert, fmt.Errorf("decode alert: %w", err)
	}
	if alert.TaskID == "" {
		return alert, errors.New("alert task id missing")
	}
	return alert, nil
}
