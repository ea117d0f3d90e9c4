package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
)

// Redis stores keys as plain string values. Listing uses SCAN, so a page may
// be empty while Next is non-empty, and a key may be returned more than once.
type Redis struct {
	client   *redis.Client
	logger   *slog.Logger
	pageSize int64
}

// NewRedis returns a store backed by client.
func NewRedis(client *redis.Client, pageSize int, logger *slog.Logger) *Redis {
	return &Redis{client: client, pageSize: int64(pageSizeOrDefault(pageSize)), logger: logger}
}

// Get returns the value stored at key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var v string
	missing := false
	err := retry.Do(
		func() error {
			var err error
			v, err = r.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				missing = true
				return retry.Unrecoverable(err)
			}
			if err != nil {
				return fmt.Errorf("redis get: %w", err)
			}
			return nil
		},
		retryOptions(ctx, r.logger, "get", key)...,
	)
	if missing {
		return "", fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load after retries: %w", err)
	}
	return v, nil
}

// Put stores value at key without expiry.
func (r *Redis) Put(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := retry.Do(
		func() error {
			if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
				return fmt.Errorf("redis set: %w", err)
			}
			return nil
		},
		retryOptions(ctx, r.logger, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	err := retry.Do(
		func() error {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			return nil
		},
		retryOptions(ctx, r.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// List returns one SCAN batch of keys starting with prefix.
func (r *Redis) List(ctx context.Context, prefix, cursor string) (Page, error) {
	var pos uint64
	if cursor != "" {
		var err error
		pos, err = strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
	}

	var keys []string
	var next uint64
	err := retry.Do(
		func() error {
			var err error
			keys, next, err = r.client.Scan(ctx, pos, prefix+"*", r.pageSize).Result()
			if err != nil {
				return fmt.Errorf("redis scan: %w", err)
			}
			return nil
		},
		retryOptions(ctx, r.logger, "list", prefix)...,
	)
	if err != nil {
		return Page{}, fmt.Errorf("list after retries: %w", err)
	}

	page := Page{Keys: keys}
	if next != 0 {
		page.Next = strconv.FormatUint(next, 10)
	}
	return page, nil
}
