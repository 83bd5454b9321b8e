package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"microplate/gateway/pkg/models"
	"microplate/gateway/pkg/storage"
)

const DefaultKey = "gateway:logs"

// Store keeps log entries in a Redis list shared by all gateway instances. New entries are
// pushed to the head of the list and the tail is trimmed to the capacity.
type Store struct {
	rdb      redis.UniversalClient
	key      string
	capacity int64
}

func New(rdb redis.UniversalClient, key string, capacity int) *Store {
	if key == "" {
		key = DefaultKey
	}
	if capacity <= 0 {
		capacity = storage.DefaultSharedCapacity
	}

	return &Store{rdb: rdb, key: key, capacity: int64(capacity)}
}

// Connect parses a redis:// URL and returns a client after a successful PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis not responding at %s: %w", opts.Addr, err)
	}

	return rdb, nil
}

func (s *Store) Append(ctx context.Context, e models.LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry %s: %w", e.ID, err)
	}

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, b)
		p.LTrim(ctx, s.key, 0, s.capacity-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append log entry %s: %w", e.ID, err)
	}

	return nil
}

func (s *Store) All(ctx context.Context) ([]models.LogEntry, error) {
	raw, err := s.rdb.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log entries: %w", err)
	}

	entries := make([]models.LogEntry, 0, len(raw))
	for _, item := range raw {
		var e models.LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Warnf("[redisdb] skipping undecodable log entry in %s: %v", s.key, err)
			continue
		}
		entries = append(entries, e)
	}
	// The list holds the newest entry first.
	slices.Reverse(entries)

	return entries, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear log entries: %w", err)
	}
	return nil
}
