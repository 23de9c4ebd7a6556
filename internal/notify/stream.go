// Package notify delivers flagged content alerts to operators.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"nodeimage/internal/models"
)

// StreamNotifier appends alerts to a capped Redis stream.
type StreamNotifier struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewStreamNotifier(rdb *redis.Client, stream string, maxLen int64) *StreamNotifier {
	if stream == "" {
		stream = "moderation:alerts"
	}
	return &StreamNotifier{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (n *StreamNotifier) Notify(ctx context.Context, alert models.FlagAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"type":      "flagged",
			"taskId":    alert.TaskID,
			"subjectId": alert.SubjectID,
			"payload":   string(payload),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	if err := n.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
