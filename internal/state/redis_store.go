package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"escalation/internal/config"
	"escalation/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists escalation records in redis with optimistic CAS revisions.
// Params: redis client and key namespace prefix.
// Returns: redis-backed store implementation.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to redis and verifies the link.
// Params: redis state settings from config.
// Returns: initialized redis store or connection error.
func NewRedisStore(ctx context.Context, settings config.RedisStateConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     settings.Addr,
		Password: settings.Password,
		DB:       settings.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %q: %w", settings.Addr, err)
	}
	return &RedisStore{client: client, keyPrefix: settings.KeyPrefix}, nil
}

// Get reads one record and its revision.
// Params: record id key.
// Returns: record payload, revision, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (domain.Record, uint64, error) {
	pipe := s.client.Pipeline()
	dataCmd := pipe.Get(ctx, s.dataKey(id))
	revCmd := pipe.Get(ctx, s.revKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Record{}, 0, fmt.Errorf("get record: %w", err)
	}
	body, err := dataCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Record{}, 0, ErrNotFound
		}
		return domain.Record{}, 0, fmt.Errorf("get record: %w", err)
	}

	var record domain.Record
	if err := json.Unmarshal(body, &record); err != nil {
		return domain.Record{}, 0, fmt.Errorf("decode record: %w", err)
	}
	revision, err := parseRevision(revCmd)
	if err != nil {
		return domain.Record{}, 0, err
	}
	return record, revision, nil
}

// Put writes one record unconditionally and bumps its revision.
// Params: record id key and payload.
// Returns: new revision.
func (s *RedisStore) Put(ctx context.Context, id string, record domain.Record) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(id), body, 0)
	revCmd := pipe.Incr(ctx, s.revKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return uint64(revCmd.Val()), nil
}

// Update replaces one record using watched-revision CAS.
// Params: record id key, expected revision, and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *RedisStore) Update(ctx context.Context, id string, expectedRevision uint64, record domain.Record) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	var newRevision uint64
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, s.revKey(id)).Uint64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		if current != expectedRevision {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.dataKey(id), body, 0)
			pipe.Incr(ctx, s.revKey(id))
			return nil
		})
		newRevision = expectedRevision + 1
		return err
	}
	if err := s.client.Watch(ctx, txn, s.revKey(id)); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return 0, err
		}
		if errors.Is(err, redis.TxFailedErr) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update record: %w", err)
	}
	return newRevision, nil
}

// List scans every record key in the namespace.
// Params: none.
// Returns: decoded records in scan order.
func (s *RedisStore) List(ctx context.Context) ([]domain.Record, error) {
	pattern := s.keyPrefix + ":data:*"
	out := make([]domain.Record, 0)
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		body, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("get record %q: %w", iter.Val(), err)
		}
		var record domain.Record
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", iter.Val(), err)
		}
		out = append(out, record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return out, nil
}

// Close closes the redis client.
// Params: none.
// Returns: client close error.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// dataKey builds the record payload key.
// Params: record id.
// Returns: namespaced redis key.
func (s *RedisStore) dataKey(id string) string {
	return s.keyPrefix + ":data:" + strings.ReplaceAll(id, "/", ":")
}

// revKey builds the revision counter key.
// Params: record id.
// Returns: namespaced redis key.
func (s *RedisStore) revKey(id string) string {
	return s.keyPrefix + ":rev:" + strings.ReplaceAll(id, "/", ":")
}

// parseRevision extracts revision counter from a pipelined GET.
// Params: revision GET command result.
// Returns: revision value; missing counter reads as zero.
func parseRevision(cmd *redis.StringCmd) (uint64, error) {
	raw, err := cmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get revision: %w", err)
	}
	revision, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse revision %q: %w", raw, err)
	}
	return revision, nil
}
