package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps redis for the gateway and nonce fast paths. Everything here is
// a non-authoritative accelerator: the database unique constraint and CAS
// remain the correctness boundary.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func operationKey(operationID string) string {
	return fmt.Sprintf("op_seen:%s", operationID)
}

func nonceKey(address, chainID string) string {
	return fmt.Sprintf("nonce:%s:%s", chainID, address)
}

const auditDeadLetterKey = "audit_dead_letter"

// MarkOperation records an operation id with a TTL. Returns false if the id
// was already present (fast-path replay detection).
func (c *Client) MarkOperation(ctx context.Context, operationID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, operationKey(operationID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// SeenOperation reports whether an operation id is in the fast-path set.
func (c *Client) SeenOperation(ctx context.Context, operationID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, operationKey(operationID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}

// ForgetOperation drops an operation id from the fast-path set. Used when the
// authoritative insert failed after the fast path was marked.
func (c *Client) ForgetOperation(ctx context.Context, operationID string) error {
	return c.rdb.Del(ctx, operationKey(operationID)).Err()
}

// MirrorNonce stores the last reserved nonce for observability. Best effort.
func (c *Client) MirrorNonce(ctx context.Context, address, chainID string, nonce uint64) error {
	return c.rdb.Set(ctx, nonceKey(address, chainID), nonce, time.Hour).Err()
}

// QueueAuditFailure pushes an audit entry that could not be persisted onto the
// dead-letter list for manual reconciliation. It is never retried blindly:
// the mutation it describes already happened.
func (c *Client) QueueAuditFailure(ctx context.Context, entry any) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return c.rdb.RPush(ctx, auditDeadLetterKey, payload).Err()
}
