package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// jointWindowScript checks and, only if every window remains within its
// limit, increments all three fixed windows for a (tenant, service) pair in
// one atomic round-trip. KEYS are the three window keys (minute, hour,
// day); ARGV carries each window's TTL in milliseconds and limit, in the
// same order.
var jointWindowScript = redis.NewScript(`
local admit = true
local counts = {}
local ttls = {}
for i = 1, 3 do
	local key = KEYS[i]
	local ttl = tonumber(ARGV[i])
	local limit = tonumber(ARGV[i + 3])
	local count = tonumber(redis.call('GET', key) or '0') + 1
	counts[i] = count
	local pttl = redis.call('PTTL', key)
	if pttl < 0 then
		pttl = ttl
	end
	ttls[i] = pttl
	if limit > 0 and count > limit then
		admit = false
	end
end
if admit then
	for i = 1, 3 do
		local key = KEYS[i]
		local newCount = redis.call('INCR', key)
		if newCount == 1 then
			redis.call('PEXPIRE', key, tonumber(ARGV[i]))
		end
	end
end
return {admit and 1 or 0, counts[1], counts[2], counts[3], ttls[1], ttls[2], ttls[3]}
`)

// RedisBackend is a distributed Backend implementation for gateway
// deployments that run more than one instance and need a shared view of
// each tenant's consumption: a single atomic Lua script evaluates and
// updates all three independent fixed windows in one round trip.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps an already-connected redis.Client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "gw:rl:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) CheckAndConsume(ctx context.Context, key string, now time.Time, limits Limits) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()

	keys := []string{
		b.prefix + key + ":minute:" + strconv.FormatInt(alignedStart(now, Minute), 10),
		b.prefix + key + ":hour:" + strconv.FormatInt(alignedStart(now, Hour), 10),
		b.prefix + key + ":day:" + strconv.FormatInt(alignedStart(now, Day), 10),
	}
	argv := []any{
		Minute.size().Milliseconds(), Hour.size().Milliseconds(), Day.size().Milliseconds(),
		limits.PerMinute, limits.PerHour, limits.PerDay,
	}

	res, err := jointWindowScript.Run(ctx, b.client, keys, argv...).Int64Slice()
	if err != nil {
		return Decision{}, err
	}

	admitted := res[0] == 1
	if admitted {
		return Decision{
			Admitted:     true,
			Limit:        limits.PerMinute,
			Remaining:    max0(limits.PerMinute - int(res[1])),
			ResetSeconds: int(res[4] / 1000),
		}, nil
	}

	// Report the tightest offending window: minute, then hour, then day.
	offending := Minute
	if limits.PerMinute <= 0 || int(res[1]) <= limits.PerMinute {
		offending = Hour
		if limits.PerHour <= 0 || int(res[2]) <= limits.PerHour {
			offending = Day
		}
	}
	retryAfterMs := res[4+int(offending)]
	retryAfter := int(retryAfterMs / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{
		Admitted:          false,
		Limit:             limits.limit(offending),
		RetryAfterSeconds: retryAfter,
		Reason:            offending.String() + " window exceeded",
	}, nil
}

