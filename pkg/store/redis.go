// Package store persists route selections and the latest quality sample per
// route in Redis, so history survives restarts and can be read by other
// nodes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"privacyroute/pkg/config"
	"privacyroute/pkg/proto"
)

var ErrDisabled = errors.New("redis store disabled")

type Store struct {
	client *redis.Client
	prefix string
	limit  int64
}

// New connects lazily; call Ping to verify the server is reachable.
func New(cfg config.Redis) (*Store, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = config.DefaultRedisKeyPrefix
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = config.DefaultRedisHistoryLimit
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, prefix: prefix, limit: int64(limit)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) historyKey(target string) string {
	return s.prefix + ":history:" + target
}

func (s *Store) qualityKey(target string) string {
	return s.prefix + ":quality:" + target
}

// AppendSelection pushes sel onto the target's history list, newest first,
// and trims the list to the configured limit.
func (s *Store) AppendSelection(ctx context.Context, sel proto.RouteSelection) error {
	b, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("store: encode selection: %w", err)
	}
	key := s.historyKey(sel.Target)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, b)
		pipe.LTrim(ctx, key, 0, s.limit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: append selection target=%s: %w", sel.Target, err)
	}
	return nil
}

// RecentSelections returns up to n selections for target, newest first.
func (s *Store) RecentSelections(ctx context.Context, target string, n int) ([]proto.RouteSelection, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.historyKey(target), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read history target=%s: %w", target, err)
	}
	out := make([]proto.RouteSelection, 0, len(raw))
	for _, item := range raw {
		var sel proto.RouteSelection
		if err := json.Unmarshal([]byte(item), &sel); err != nil {
			return nil, fmt.Errorf("store: decode selection: %w", err)
		}
		out = append(out, sel)
	}
	return out, nil
}

// SaveQuality records sample as the latest observation of one route.
func (s *Store) SaveQuality(ctx context.Context, target string, routeType proto.RouteType, sample proto.ConnectionQuality) error {
	b, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("store: encode quality: %w", err)
	}
	if err := s.client.HSet(ctx, s.qualityKey(target), string(routeType), b).Err(); err != nil {
		return fmt.Errorf("store: save quality target=%s type=%s: %w", target, routeType, err)
	}
	return nil
}

// LatestQuality returns the last saved sample per route type for target.
func (s *Store) LatestQuality(ctx context.Context, target string) (map[proto.RouteType]proto.ConnectionQuality, error) {
	raw, err := s.client.HGetAll(ctx, s.qualityKey(target)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read quality target=%s: %w", target, err)
	}
	out := make(map[proto.RouteType]proto.ConnectionQuality, len(raw))
	for field, item := range raw {
		rt, err := proto.ParseRouteType(field)
		if err != nil {
			continue
		}
		var q proto.ConnectionQuality
		if err := json.Unmarshal([]byte(item), &q); err != nil {
			return nil, fmt.Errorf("store: decode quality: %w", err)
		}
		out[rt] = q
	}
	return out, nil
}
