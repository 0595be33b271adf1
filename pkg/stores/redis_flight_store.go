package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfroyo/wsm/pkg/engine"
)

// Redis key layout:
//   - {prefix}flight:{id}   flight checkpoint (JSON)
//   - {prefix}flights       sorted set of flight ids scored by creation time
//   - {prefix}events:{id}   list of step events (JSON)
//   - {prefix}events:seq    event id counter
const (
	flightKeyPattern = "%sflight:%s"
	flightIndexKey   = "%sflights"
	eventsKeyPattern = "%sevents:%s"
	eventSeqKey      = "%sevents:seq"
)

// RedisConfig configures the Redis flight checkpoint store.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisFlightStore keeps flight checkpoints and step logs in Redis. Resource
// rows stay in the SQL store; only engine state lives here.
type RedisFlightStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisFlightStore connects to Redis and verifies connectivity.
func NewRedisFlightStore(ctx context.Context, cfg RedisConfig) (*RedisFlightStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "wsm:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisFlightStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisFlightStoreWithClient wraps an existing client.
func NewRedisFlightStoreWithClient(client redis.UniversalClient, prefix string) *RedisFlightStore {
	return &RedisFlightStore{client: client, prefix: prefix}
}

func (r *RedisFlightStore) flightKey(id string) string { return fmt.Sprintf(flightKeyPattern, r.prefix, id) }
func (r *RedisFlightStore) indexKey() string { return fmt.Sprintf(flightIndexKey, r.prefix) }
func (r *RedisFlightStore) eventsKey(id string) string { return fmt.Sprintf(eventsKeyPattern, r.prefix, id) }
func (r *RedisFlightStore) seqKey() string { return fmt.Sprintf(eventSeqKey, r.prefix) }

// CreateFlight implements engine.FlightStore.
func (r *RedisFlightStore) CreateFlight(ctx context.Context, f *engine.Flight) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flight: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.flightKey(f.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create flight: %w", err)
	}
	if !ok {
		return engine.ErrFlightExists
	}

	err = r.client.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(f.CreatedAt.UnixNano()),
		Member: f.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index flight: %w", err)
	}
	return nil
}

// SaveFlight implements engine.FlightStore.
func (r *RedisFlightStore) SaveFlight(ctx context.Context, f *engine.Flight) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flight: %w", err)
	}

	ok, err := r.client.SetXX(ctx, r.flightKey(f.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save flight: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrFlightNotFound, f.ID)
	}
	return nil
}

// GetFlight implements engine.FlightStore.
func (r *RedisFlightStore) GetFlight(ctx context.Context, id string) (*engine.Flight, error) {
	data, err := r.client.Get(ctx, r.flightKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", engine.ErrFlightNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flight: %w", err)
	}
	return decodeFlight(data)
}

// ListFlights implements engine.FlightStore.
func (r *RedisFlightStore) ListFlights(ctx context.Context, filter engine.FlightFilter) ([]*engine.Flight, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.flightKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load flights: %w", err)
	}

	var out []*engine.Flight
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := decodeFlight([]byte(s))
		if err != nil {
			return nil, err
		}
		if !matchesFilter(f, filter) {
			continue
		}
		out = append(out, f)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// AppendEvent implements engine.FlightStore.
func (r *RedisFlightStore) AppendEvent(ctx context.Context, event *engine.StepEvent) error {
	id, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate event id: %w", err)
	}

	ev := *event
	ev.ID = id
	data, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to encode flight event: %w", err)
	}
	if err := r.client.RPush(ctx, r.eventsKey(event.FlightID), data).Err(); err != nil {
		return fmt.Errorf("failed to append flight event: %w", err)
	}
	return nil
}

// ListEvents implements engine.FlightStore.
func (r *RedisFlightStore) ListEvents(ctx context.Context, flightID string) ([]*engine.StepEvent, error) {
	items, err := r.client.LRange(ctx, r.eventsKey(flightID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flight events: %w", err)
	}

	out := make([]*engine.StepEvent, 0, len(items))
	for _, item := range items {
		var ev engine.StepEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode flight event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

// HealthCheck pings Redis.
func (r *RedisFlightStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisFlightStore) Close() error {
	return r.client.Close()
}
