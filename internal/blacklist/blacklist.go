// Package blacklist stores client keys banned for submitting flagged content.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Entry is one banned client key.
type Entry struct {
	ClientKey string `json:"clientKey"`
	Reason    string `json:"reason"`
}

// RedisBlacklist keeps members in a set and reasons in a companion hash.
type RedisBlacklist struct {
	rdb *redis.Client
	key string
}

func NewRedisBlacklist(rdb *redis.Client, key string) *RedisBlacklist {
	if key == "" {
		key = "moderation:blacklist"
	}
	return &RedisBlacklist{rdb: rdb, key: key}
}

func (b *RedisBlacklist) reasonsKey() string {
	return b.key + ":reasons"
}

func (b *RedisBlacklist) Add(ctx context.Context, clientKey, reason string) error {
	if clientKey == "" {
		return errors.New("blacklist: empty client key")
	}
	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, b.key, clientKey)
	pipe.HSet(ctx, b.reasonsKey(), clientKey, reason)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("blacklist add: %w", err)
	}
	return nil
}

func (b *RedisBlacklist) Contains(ctx context.Context, clientKey string) (bool, error) {
	ok, err := b.rdb.SIsMember(ctx, b.key, clientKey).Result()
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return ok, nil
}

// Remove reports whether the key was present.
func (b *RedisBlacklist) Remove(ctx context.Context, clientKey string) (bool, error) {
	pipe := b.rdb.TxPipeline()
	removed := pipe.SRem(ctx, b.key, clientKey)
	pipe.HDel(ctx, b.reasonsKey(), clientKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("blacklist remove: %w", err)
	}
	return removed.Val() > 0, nil
}

func (b *RedisBlacklist) List(ctx context.Context) ([]Entry, error) {
	members, err := b.rdb.SMembers(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("blacklist members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)

	reasons, err := b.rdb.HMGet(ctx, b.reasonsKey(), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("blacklist reasons: %w", err)
	}

	entries := make([]Entry, len(members))
	for i, member := range members {
		entries[i].ClientKey = member
		if s, ok := reasons[i].(string); ok {
			entries[i].Reason = s
		}
	}
	return entries, nil
}

// Memory is a process local blacklist.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Add(_ context.Context, clientKey, reason string) error {
	if clientKey == "" {
		return errors.New("blacklist: empty client key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[clientKey] = reason
	return nil
}

func (m *Memory) Contains(_ context.Context, clientKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[clientKey]
	return ok, nil
}

func (m *Memory) Remove(_ context.Context, clientKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[clientKey]
	delete(m.entries, clientKey)
	return ok, nil
}

func (m *Memory) List(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.entries))
	for key, reason := range m.entries {
		entries = append(entries, Entry{ClientKey: key, Reason: reason})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientKey < entries[j].ClientKey })
	return entries, nil
}
