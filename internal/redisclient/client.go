package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func userChannel(userID int64) string {
	return fmt.Sprintf("notify:user:%d", userID)
}

// PublishPush publishes a push message on the user's notification channel.
// Delivery is fire-and-forget: subscribers that are offline miss it.
func (c *Client) PublishPush(ctx context.Context, userID int64, msg *models.PushMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	if err := c.rdb.Publish(ctx, userChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish push message: %w", err)
	}

	return nil
}
