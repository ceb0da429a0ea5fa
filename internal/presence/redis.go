package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "presence:user:"
	redisActiveKey    = "presence:active"
)

// upsertScript applies the last-write-wins rule atomically inside Redis.
// KEYS[1] = record hash, KEYS[2] = active sorted set.
// ARGV = ts_micro, lat, lng, name, destination, geohash, user_id.
var upsertScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'ts')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'lat', ARGV[2], 'lng', ARGV[3], 'name', ARGV[4], 'dest', ARGV[5], 'geohash', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[7])
return 1
`)

// RedisRepository implements Repository on Redis: one hash per user plus a
// sorted set scored by last update (microseconds) for freshness scans.
type RedisRepository struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRepository creates a RedisRepository.
func NewRedisRepository(client *redis.Client, logger *slog.Logger) *RedisRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRepository{client: client, logger: logger}
}

func recordKey(userID string) string {
	return redisRecordPrefix + userID
}

// Upsert writes the record through the conditional script.
func (r *RedisRepository) Upsert(ctx context.Context, record *Record) error {
	recordCopy := *record
	if err := recordCopy.Normalize(); err != nil {
		return err
	}

	err := upsertScript.Run(ctx, r.client,
		[]string{recordKey(recordCopy.UserID), redisActiveKey},
		recordCopy.LastUpdated.UnixMicro(),
		strconv.FormatFloat(recordCopy.Latitude, 'f', -1, 64),
		strconv.FormatFloat(recordCopy.Longitude, 'f', -1, 64),
		recordCopy.DisplayName,
		recordCopy.Destination,
		recordCopy.Geohash,
		recordCopy.UserID,
	).Err()
	if err != nil {
		r.logger.Error("failed to upsert presence in redis",
			slog.String("error", err.Error()),
			slog.String("user_id", recordCopy.UserID))
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

// Get returns the stored record for a user.
func (r *RedisRepository) Get(ctx context.Context, userID string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, recordKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisRecord(userID, fields)
}

// ListFresh scans the active set from since onwards and loads each hash in one pipeline.
func (r *RedisRepository) ListFresh(ctx context.Context, since time.Time, excludeUserID string) ([]*Record, error) {
	ids, err := r.client.ZRangeByScore(ctx, redisActiveKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan active presence: %w", err)
	}

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		if id == excludeUserID {
			continue
		}
		cmds[id] = pipe.HGetAll(ctx, recordKey(id))
	}
	if len(cmds) == 0 {
		return []*Record{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load presence records: %w", err)
	}

	result := make([]*Record, 0, len(cmds))
	for id, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		record, err := decodeRedisRecord(id, fields)
		if err != nil {
			r.logger.Warn("skipping malformed presence record",
				slog.String("user_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if record.LastUpdated.Before(since) {
			continue
		}
		result = append(result, record)
	}

	sortFetchOrder(result)
	return result, nil
}

// DisplayNames resolves names with one HGET per user in a pipeline.
func (r *RedisRepository) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(userIDs))
	for _, id := range userIDs {
		cmds[id] = pipe.HGet(ctx, recordKey(id), "name")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to resolve display names: %w", err)
	}

	for id, cmd := range cmds {
		if name, err := cmd.Result(); err == nil {
			names[id] = name
		}
	}
	return names, nil
}

func decodeRedisRecord(userID string, fields map[string]string) (*Record, error) {
	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ts: %w", err)
	}
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lat: %w", err)
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lng: %w", err)
	}
	return &Record{
		UserID:      userID,
		Latitude:    lat,
		Longitude:   lng,
		LastUpdated: time.UnixMicro(ts).UTC(),
		DisplayName: fields["name"],
		Destination: fields["dest"],
		Geohash:     fields["geohash"],
	}, nil
}
