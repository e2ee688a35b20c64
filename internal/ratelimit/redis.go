package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow evicts, optionally records, refreshes the expiry and reports
// the count plus the reset score in one atomic step. Scores are unix millis.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]
local record = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if record == '1' then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
end

local count = redis.call('ZCARD', key)
if count == 0 then
  return {0, 0}
end
local idx = 0
if count > limit then
  idx = count - limit
end
local entry = redis.call('ZRANGE', key, idx, idx, 'WITHSCORES')
return {count, tonumber(entry[2]) + window}
`)

// Redis is a Store shared by every replica through a Redis sorted set per key.
type Redis struct {
	client redis.UniversalClient
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// DialRedis opens a client for addr and checks connectivity.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  defaultTimeout,
		WriteTimeout: defaultTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// Ping checks connectivity for readiness probes.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	return r.run(ctx, key, now, window, limit, true)
}

func (r *Redis) Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	return r.run(ctx, key, now, window, limit, false)
}

func (r *Redis) run(ctx context.Context, key string, now time.Time, window time.Duration, limit int, record bool) (Window, error) {
	nowMs := now.UnixMilli()
	flag := "0"
	if record {
		flag = "1"
	}
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, r.client, []string{key},
		nowMs, window.Milliseconds(), limit, member, flag,
	).Int64Slice()
	if err != nil {
		return Window{}, err
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	win := Window{Count: int(res[0])}
	if res[1] > 0 {
		win.Reset = time.UnixMilli(res[1])
	}
	return win, nil
}
