package devicestate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"procodus.dev/carewatch/internal/geofence"
)

const (
	fieldDeviceID    = "device_id"
	fieldLatitude    = "lat"
	fieldLongitude   = "lon"
	fieldUpdatedAt   = "updated_at"
	fieldContainment = "containment"
	fieldLastFallAt  = "last_fall_at"
)

// swapScript reads the previous fields and writes the new position in a
// single server-side step.
var swapScript = redis.NewScript(`
local prev = redis.call('HMGET', KEYS[1], 'lat', 'lon', 'updated_at', 'containment', 'last_fall_at')
redis.call('HSET', KEYS[1], 'device_id', ARGV[1], 'lat', ARGV[2], 'lon', ARGV[3], 'updated_at', ARGV[4])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'containment', ARGV[5])
end
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return prev
`)

// RedisStore keeps device state in Redis hashes. Inactive devices expire
// through the key TTL, so Evict has nothing to do.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisConfig holds the configuration for RedisStore.
type RedisConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	// TTL expires idle devices. Zero keeps them forever.
	TTL time.Duration
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis store config cannot be nil")
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "carewatch:device:"
	}

	return &RedisStore{
		client:    cfg.Client,
		keyPrefix: prefix,
		ttl:       cfg.TTL,
	}, nil
}

func (s *RedisStore) key(deviceID string) string {
	return s.keyPrefix + deviceID
}

// UpdateAndSwap implements Store.
func (s *RedisStore) UpdateAndSwap(ctx context.Context, u Update) (State, error) {
	if u.DeviceID == "" {
		return State{}, ErrEmptyDeviceID
	}

	containment := ""
	if u.Containment != geofence.Unknown {
		containment = u.Containment.String()
	}

	res, err := swapScript.Run(ctx, s.client, []string{s.key(u.DeviceID)},
		u.DeviceID,
		strconv.FormatFloat(u.Latitude, 'f', -1, 64),
		strconv.FormatFloat(u.Longitude, 'f', -1, 64),
		strconv.FormatInt(u.ObservedAt.UnixNano(), 10),
		containment,
		s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return State{}, fmt.Errorf("failed to swap device state: %w", err)
	}

	fields := make(map[string]string, len(res))
	names := []string{fieldLatitude, fieldLongitude, fieldUpdatedAt, fieldContainment, fieldLastFallAt}
	for i, v := range res {
		if str, ok := v.(string); ok && i < len(names) {
			fields[names[i]] = str
		}
	}

	return decodeState(u.DeviceID, fields)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, deviceID string) (State, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(deviceID)).Result()
	if err != nil {
		return State{}, false, fmt.Errorf("failed to read device state: %w", err)
	}

	if len(fields) == 0 {
		return State{DeviceID: deviceID}, false, nil
	}

	st, err := decodeState(deviceID, fields)
	return st, err == nil, err
}

// RecordFallAlert implements Store.
func (s *RedisStore) RecordFallAlert(ctx context.Context, deviceID string, at time.Time) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	key := s.key(deviceID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldDeviceID, deviceID, fieldLastFallAt, strconv.FormatInt(at.UnixNano(), 10))
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record fall alert: %w", err)
	}

	return nil
}

// Evict implements Store. Expiry is handled by Redis.
func (s *RedisStore) Evict(context.Context, time.Time) (int, error) {
	return 0, nil
}

func decodeState(deviceID string, fields map[string]string) (State, error) {
	st := State{DeviceID: deviceID}

	var err error
	if v, ok := fields[fieldLatitude]; ok {
		if st.Latitude, err = strconv.ParseFloat(v, 64); err != nil {
			return State{}, fmt.Errorf("malformed latitude for %s: %w", deviceID, err)
		}
	}

	if v, ok := fields[fieldLongitude]; ok {
		if st.Longitude, err = strconv.ParseFloat(v, 64); err != nil {
			return State{}, fmt.Errorf("malformed longitude for %s: %w", deviceID, err)
		}
	}

	if v, ok := fields[fieldUpdatedAt]; ok {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("malformed updated_at for %s: %w", deviceID, err)
		}
		st.UpdatedAt = time.Unix(0, ns).UTC()
	}

	if v, ok := fields[fieldLastFallAt]; ok {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("malformed last_fall_at for %s: %w", deviceID, err)
		}
		t := time.Unix(0, ns).UTC()
		st.LastFallAlertAt = &t
	}

	st.Containment = geofence.ParseContainment(fields[fieldContainment])

	return st, nil
}
