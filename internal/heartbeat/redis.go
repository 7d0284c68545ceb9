package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "heartbeat:"

// Hash fields of one heartbeat entry.
const (
	fieldAccount     = "account_id"
	fieldScope       = "scope_id"
	fieldState       = "state"
	fieldRemote      = "remote_count"
	fieldRemaining   = "remaining_count"
	fieldInitialSync = "initial_sync"
	fieldAlive       = "alive"
	fieldAt          = "heartbeat_at"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 256

// RedisStore keeps one expiring hash per (account, scope).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(accountID int64, scopeID string) string {
	return redisKeyPrefix + strconv.FormatInt(accountID, 10) + ":" + scopeID
}

func boolField(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

// Put writes rec and (re)sets its expiry.
func (s *RedisStore) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	if rec.AccountID == 0 {
		return ErrInvalidRecord
	}

	key := redisKey(rec.AccountID, rec.ScopeID)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			fieldAccount, strconv.FormatInt(rec.AccountID, 10),
			fieldScope, rec.ScopeID,
			fieldState, rec.State,
			fieldRemote, strconv.FormatInt(rec.RemoteCount, 10),
			fieldRemaining, strconv.FormatInt(rec.RemainingCount, 10),
			fieldInitialSync, boolField(rec.InitialSync),
			fieldAlive, boolField(rec.Alive),
			fieldAt, rec.HeartbeatAt.UTC().Format(time.RFC3339Nano),
		)
		p.Expire(ctx, key, ttl)

		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: writing %s: %w", key, err)
	}

	return nil
}

// List returns the live entries of the given accounts, or of every account.
func (s *RedisStore) List(ctx context.Context, accountIDs []int64) ([]Record, error) {
	patterns := []string{redisKeyPrefix + "*"}
	if len(accountIDs) > 0 {
		patterns = patterns[:0]
		for _, id := range accountIDs {
			patterns = append(patterns, redisKeyPrefix+strconv.FormatInt(id, 10)+":*")
		}
	}

	var keys []string

	for _, pattern := range patterns {
		found, err := s.scan(ctx, pattern)
		if err != nil {
			return nil, err
		}

		keys = append(keys, found...)
	}

	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))

	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = p.HGetAll(ctx, key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: reading entries: %w", err)
	}

	out := make([]Record, 0, len(keys))

	for i, cmd := range cmds {
		fields := cmd.Val()
		// Expired between SCAN and HGETALL.
		if len(fields) == 0 {
			continue
		}

		rec, err := parseFields(fields)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: decoding %s: %w", keys[i], err)
		}

		out = append(out, rec)
	}

	return out, nil
}

// Clear removes every entry of an account.
func (s *RedisStore) Clear(ctx context.Context, accountID int64) error {
	keys, err := s.scan(ctx, redisKeyPrefix+strconv.FormatInt(accountID, 10)+":*")
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("heartbeat: clearing account %d: %w", accountID, err)
	}

	return nil
}

func (s *RedisStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("heartbeat: scanning %s: %w", pattern, err)
		}

		keys = append(keys, batch...)

		if next == 0 {
			return keys, nil
		}

		cursor = next
	}
}

func parseFields(f map[string]string) (Record, error) {
	var (
		rec Record
		err error
	)

	if rec.AccountID, err = strconv.ParseInt(f[fieldAccount], 10, 64); err != nil {
		return Record{}, fmt.Errorf("account_id: %w", err)
	}

	if rec.RemoteCount, err = strconv.ParseInt(f[fieldRemote], 10, 64); err != nil {
		return Record{}, fmt.Errorf("remote_count: %w", err)
	}

	if rec.RemainingCount, err = strconv.ParseInt(f[fieldRemaining], 10, 64); err != nil {
		return Record{}, fmt.Errorf("remaining_count: %w", err)
	}

	if rec.HeartbeatAt, err = time.Parse(time.RFC3339Nano, f[fieldAt]); err != nil {
		return Record{}, fmt.Errorf("heartbeat_at: %w", err)
	}

	rec.ScopeID = f[fieldScope]
	rec.State = f[fieldState]
	rec.InitialSync = f[fieldInitialSync] == "1"
	rec.Alive = f[fieldAlive] == "1"

	return rec, nil
}
