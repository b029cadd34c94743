package dispatch

import (
	"context"
	"fmt"

	"voicegrid_backend/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Enqueuer schedules a placement for a stored call.
type Enqueuer interface {
	EnqueuePlaceCall(ctx context.Context, payload PlaceCallPayload) error
}

// Client enqueues dispatch tasks on the Redis-backed queue.
type Client struct {
	client *asynq.Client
	queue  string
}

// NewClient creates a dispatch queue client.
func NewClient(cfg config.DispatchConfig) (*Client, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetDispatchQueueName()
	if queue == "" {
		queue = "default"
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
	}, nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueuePlaceCall implements Enqueuer.
func (c *Client) EnqueuePlaceCall(ctx context.Context, payload PlaceCallPayload) error {
	task, err := NewPlaceCallTask(payload)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	return err
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("parse redis url: %w", err)
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
