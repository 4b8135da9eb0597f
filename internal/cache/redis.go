// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list (queue) name for match action logs.
const DefaultQueueName = "rally_actions"

// publishTimeout bounds a single RPush so a slow Redis never holds a goroutine for long.
const publishTimeout = 2 * time.Second

// MatchActionRecord is one accepted scoring action, as consumed by the historian.
type MatchActionRecord struct {
	MatchID       uuid.UUID              `json:"match_id"`
	ActionIndex   int                    `json:"action_index"`
	ActorUserID   uuid.UUID              `json:"actor_user_id"`
	ActionType    string                 `json:"action_type"`
	ActionPayload map[string]interface{} `json:"action_payload"`
	Timestamp     int64                  `json:"timestamp"`
}

// ConnectRedis creates a client for addr/db and pings it.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// PublishMatchAction serializes the record to JSON and pushes it onto queue.
func PublishMatchAction(ctx context.Context, rdb *redis.Client, queue string, record MatchActionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal MatchActionRecord: %w", err)
	}
	if err := rdb.RPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", queue, err)
	}
	return nil
}

// Publisher pushes match action records to the historian queue without blocking
// the caller. A Publisher with a nil client drops every record.
type Publisher struct {
	rdb     *redis.Client
	queue   string
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewPublisher(rdb *redis.Client, queue string, logger *logrus.Logger, m *metrics.Metrics) *Publisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{rdb: rdb, queue: queue, logger: logger, metrics: m}
}

// Publish sends the record asynchronously.
func (p *Publisher) Publish(rec MatchActionRecord) {
	if p == nil || p.rdb == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := PublishMatchAction(ctx, p.rdb, p.queue, rec); err != nil {
			p.metrics.JournalPublishFailed()
			p.logger.WithFields(logrus.Fields{
				"match_id":     rec.MatchID,
				"action_index": rec.ActionIndex,
			}).WithError(err).Warn("failed to publish match action")
		}
	}()
}
