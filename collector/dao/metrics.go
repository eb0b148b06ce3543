package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yaron8/sysmon-collector/telemetrics"
)

const (
	keyPrefix     = "sysmon:device:"
	lastUpdateKey = "sysmon:last_update"
)

// storeScript writes the record only if it is not older than the version
// already recorded for the device. KEYS: latest, version, last update.
// ARGV: record JSON, record time (unix µs), ttl (ms, 0 = none), unix seconds.
var storeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if current and tonumber(current) > tonumber(ARGV[2]) then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
end
redis.call('SET', KEYS[3], ARGV[4])
return 1
`)

// removeScript deletes the record and leaves the removal time as the version,
// so a write for a record received before the removal is dropped.
// KEYS: latest, version. ARGV: removal time (unix µs), ttl (ms, 0 = none).
var removeScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[2], ARGV[1])
end
return 1
`)

// DAOMetrics mirrors each device's latest record into Redis so other
// consumers can read it. The collector never reads it back.
type DAOMetrics struct {
	redisClient redis.UniversalClient
	ttl         time.Duration
	now         func() time.Time
}

// NewDAOMetrics creates a new mirror with the provided Redis client
func NewDAOMetrics(redisClient redis.UniversalClient, ttl time.Duration) *DAOMetrics {
	return &DAOMetrics{
		redisClient: redisClient,
		ttl:         ttl,
		now:         time.Now,
	}
}

// LatestKey is the Redis key holding a device's latest record.
func LatestKey(deviceID string) string {
	return keyPrefix + deviceID + ":latest"
}

// VersionKey holds the receipt time (unix µs) of the mirrored record, or of
// the last removal.
func VersionKey(deviceID string) string {
	return keyPrefix + deviceID + ":version"
}

// Store writes the record under its device's key and bumps the last update
// time. A record older than the one already mirrored, or received before the
// device was last removed, is skipped without error.
func (dao *DAOMetrics) Store(ctx context.Context, record telemetrics.MetricsRecord) error {
	_, err := dao.store(ctx, record)
	return err
}

// store reports whether the record was written.
func (dao *DAOMetrics) store(ctx context.Context, record telemetrics.MetricsRecord) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to encode record for %s: %w", record.DeviceID, err)
	}

	written, err := storeScript.Run(ctx, dao.redisClient,
		[]string{LatestKey(record.DeviceID), VersionKey(record.DeviceID), lastUpdateKey},
		data, record.Timestamp.UnixMicro(), dao.ttl.Milliseconds(), record.Timestamp.Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to mirror record for %s: %w", record.DeviceID, err)
	}

	return written == 1, nil
}

// Remove deletes a device's mirrored record
func (dao *DAOMetrics) Remove(ctx context.Context, deviceID string) error {
	err := removeScript.Run(ctx, dao.redisClient,
		[]string{LatestKey(deviceID), VersionKey(deviceID)},
		dao.now().UnixMicro(), dao.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to remove mirrored record for %s: %w", deviceID, err)
	}
	return nil
}

// GetLatest reads a mirrored record back, as other consumers of the mirror
// do. The bool is false when the key is missing or expired.
func (dao *DAOMetrics) GetLatest(ctx context.Context, deviceID string) (telemetrics.MetricsRecord, bool, error) {
	data, err := dao.redisClient.Get(ctx, LatestKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return telemetrics.MetricsRecord{}, false, nil
	}
	if err != nil {
		return telemetrics.MetricsRecord{}, false, fmt.Errorf("failed to read mirrored record for %s: %w", deviceID, err)
	}

	var record telemetrics.MetricsRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return telemetrics.MetricsRecord{}, false, fmt.Errorf("failed to decode mirrored record for %s: %w", deviceID, err)
	}

	return record, true, nil
}

func (dao *DAOMetrics) Ping(ctx context.Context) error {
	return dao.redisClient.Ping(ctx).Err()
}

func (dao *DAOMetrics) Close() error {
	return dao.redisClient.Close()
}
