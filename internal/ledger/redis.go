package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "reply-optimizer:"

// RedisBackend stores each session's ledger as a Redis hash keyed by uid.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to addr and verifies the connection.
func NewRedisBackend(ctx context.Context, addr, prefix string) (*RedisBackend, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, prefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(sessionID string) string {
	return b.prefix + "processed:" + sessionID
}

// Load returns every entry stored for sessionID.
func (b *RedisBackend) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	fields, err := b.client.HGetAll(ctx, b.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", b.key(sessionID), err)
	}

	entries := make([]Entry, 0, len(fields))
	for field, raw := range fields {
		uid, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing uid %q: %w", field, err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry %d: %w", uid, err)
		}
		e.UID = uint32(uid)
		entries = append(entries, e)
	}
	return entries, nil
}

// Append stores e unless an entry for the same uid already exists.
func (b *RedisBackend) Append(ctx context.Context, sessionID string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	field := strconv.FormatUint(uint64(e.UID), 10)
	if err := b.client.HSetNX(ctx, b.key(sessionID), field, data).Err(); err != nil {
		return fmt.Errorf("hsetnx %s: %w", b.key(sessionID), err)
	}
	return nil
}

// Delete drops the ledger of sessionID.
func (b *RedisBackend) Delete(ctx context.Context, sessionID string) error {
	if err := b.client.Del(ctx, b.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", b.key(sessionID), err)
	}
	return nil
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
