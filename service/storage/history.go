package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"supportchat/service/chat"
	"supportchat/service/storage/redis"
)

// HistoryCache is the durable backing for one identity's chat log. Entries
// are keyed per user id so switching accounts never exposes another user's
// history, and a purge at logout leaves nothing behind.
type HistoryCache interface {
	Load(userID int64) ([]chat.ChatMessage, error)
	Save(userID int64, log []chat.ChatMessage) error
	Purge(userID int64) error
}

func historyKey(userID int64) string {
	return fmt.Sprintf("chat:history:%d", userID)
}

// —— Redis-backed cache ——

const redisOpTimeout = 3 * time.Second

type RedisHistory struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedisHistory wraps an initialized client. ttl <= 0 keeps entries until
// an explicit purge.
func NewRedisHistory(rdb *goredis.Client, ttl time.Duration) *RedisHistory {
	return &RedisHistory{rdb: rdb, ttl: ttl}
}

// NewDefaultRedisHistory uses the process-wide redis client. redis.Init must
// have succeeded first.
func NewDefaultRedisHistory(ttl time.Duration) *RedisHistory {
	return &RedisHistory{rdb: redis.Client(), ttl: ttl}
}

func (h *RedisHistory) Load(userID int64) ([]chat.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	raw, err := h.rdb.Get(ctx, historyKey(userID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []chat.ChatMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *RedisHistory) Save(userID int64, log []chat.ChatMessage) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return h.rdb.Set(ctx, historyKey(userID), raw, h.ttl).Err()
}

func (h *RedisHistory) Purge(userID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return h.rdb.Del(ctx, historyKey(userID)).Err()
}

// —— In-memory cache ——

// MemoryHistory keeps serialized logs in a map. Used in tests and when no
// redis is available; same key scoping as the durable backend.
type MemoryHistory struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{entries: make(map[string][]byte)}
}

func (h *MemoryHistory) Load(userID int64) ([]chat.ChatMessage, error) {
	h.mu.Lock()
	raw, ok := h.entries[historyKey(userID)]
	h.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var out []chat.ChatMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *MemoryHistory) Save(userID int64, log []chat.ChatMessage) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.entries[historyKey(userID)] = raw
	h.mu.Unlock()
	return nil
}

func (h *MemoryHistory) Purge(userID int64) error {
	h.mu.Lock()
	delete(h.entries, historyKey(userID))
	h.mu.Unlock()
	return nil
}
