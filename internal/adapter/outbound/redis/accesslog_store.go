// Package redis provides an access-log archive on Redis sorted sets.
//
// Each (actor, endpoint) pair is one sorted set scored by the entry's Unix
// time in microseconds; a companion set indexes the log keys so retention
// can sweep every log. Window bounds therefore resolve to the microsecond.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("redis access log store closed")

// Config configures the connection.
type Config struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// member is the sorted-set member. ID keeps identical entries distinct.
type member struct {
	ID    string          `json:"id"`
	Entry accesslog.Entry `json:"entry"`
}

// AccessLogStore implements accesslog.Store on Redis.
type AccessLogStore struct {
	client      goredis.UniversalClient
	prefix      string
	ownedClient bool
	closed      bool
	logger      *slog.Logger
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*AccessLogStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewFromClient(client, cfg.KeyPrefix, logger)
	s.ownedClient = true
	return s, nil
}

// NewFromClient wraps an existing client. The client is not closed by Close.
func NewFromClient(client goredis.UniversalClient, keyPrefix string, logger *slog.Logger) *AccessLogStore {
	if keyPrefix == "" {
		keyPrefix = "quota-gate:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessLogStore{client: client, prefix: keyPrefix, logger: logger}
}

func (s *AccessLogStore) logKey(actorID, endpointID string) string {
	return s.prefix + "log:" + endpointID + ":" + actorID
}

func (s *AccessLogStore) indexKey() string {
	return s.prefix + "logs"
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Append adds entries in one pipeline.
func (s *AccessLogStore) Append(ctx context.Context, entries ...accesslog.Entry) error {
	if s.closed {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(member{ID: uuid.NewString(), Entry: e})
		if err != nil {
			return fmt.Errorf("encode access log entry: %w", err)
		}
		key := s.logKey(e.ActorID, e.EndpointID)
		pipe.ZAdd(ctx, key, goredis.Z{Score: score(e.Timestamp), Member: string(data)})
		pipe.SAdd(ctx, s.indexKey(), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}

// rangeArgs converts [q.Start, q.End) to ZRANGEBYSCORE bounds.
func rangeArgs(q accesslog.Query) (string, string) {
	lo := strconv.FormatInt(q.Start.UnixMicro(), 10)
	hi := "+inf"
	if !q.End.IsZero() {
		hi = "(" + strconv.FormatInt(q.End.UnixMicro(), 10)
	}
	return lo, hi
}

// QueryWindow returns the entries in [q.Start, q.End) in time order. A zero
// End is unbounded.
func (s *AccessLogStore) QueryWindow(ctx context.Context, q accesslog.Query) ([]accesslog.Entry, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	lo, hi := rangeArgs(q)
	raw, err := s.client.ZRangeByScore(ctx, s.logKey(q.ActorID, q.EndpointID), &goredis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	out := make([]accesslog.Entry, 0, len(raw))
	for _, r := range raw {
		var m member
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			s.logger.Warn("skipping undecodable access log member", "error", err)
			continue
		}
		out = append(out, m.Entry)
	}
	return out, nil
}

// CountInWindow counts the entries QueryWindow would return.
func (s *AccessLogStore) CountInWindow(ctx context.Context, q accesslog.Query) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if err := q.Validate(); err != nil {
		return 0, err
	}
	lo, hi := rangeArgs(q)
	n, err := s.client.ZCount(ctx, s.logKey(q.ActorID, q.EndpointID), lo, hi).Result()
	if err != nil {
		return 0, fmt.Errorf("count access log: %w", err)
	}
	return n, nil
}

// DeleteBefore removes entries older than before from every indexed log and
// drops logs left empty from the index.
func (s *AccessLogStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list access logs: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	bound := "(" + strconv.FormatInt(before.UnixMicro(), 10)
	pipe := s.client.Pipeline()
	removed := make([]*goredis.IntCmd, len(keys))
	remaining := make([]*goredis.IntCmd, len(keys))
	for i, k := range keys {
		removed[i] = pipe.ZRemRangeByScore(ctx, k, "-inf", bound)
		remaining[i] = pipe.ZCard(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete access log: %w", err)
	}

	var total int64
	var empty []any
	for i, k := range keys {
		total += removed[i].Val()
		if remaining[i].Val() == 0 {
			empty = append(empty, k)
		}
	}
	if len(empty) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), empty...).Err(); err != nil {
			s.logger.Warn("failed to prune access log index", "error", err)
		}
	}
	return total, nil
}

// Close closes the client when the store created it.
func (s *AccessLogStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownedClient {
		return s.client.Close()
	}
	return nil
}

// Compile-time interface verification.
var _ accesslog.Store = (*AccessLogStore)(nil)
