package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// spendScript checks the day's total and applies the increment in one
// atomic step on the Redis side. Returns {usedBefore, applied}.
var spendScript = redis.NewScript(`
local total = 0
for _, v in ipairs(redis.call('HVALS', KEYS[1])) do
	total = total + tonumber(v)
end
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if total + cost > limit then
	return {total, 0}
end
redis.call('HINCRBY', KEYS[1], ARGV[3], cost)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {total, 1}
`)

// RedisUsage keeps daily consumption in one hash per day so several hosts
// can share a single budget. Retention rides on key expiry instead of an
// explicit prune.
type RedisUsage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisUsage(redisAddr string) (*RedisUsage, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisUsageFromClient(client), nil
}

func NewRedisUsageFromClient(client *redis.Client) *RedisUsage {
	return &RedisUsage{
		client: client,
		prefix: "quota:",
		ttl:    DefaultRetentionDays * 24 * time.Hour,
	}
}

func (r *RedisUsage) key(day string) string {
	return r.prefix + day
}

func (r *RedisUsage) Spend(ctx context.Context, day, op string, cost, limit int) (int, bool, error) {
	res, err := spendScript.Run(ctx, r.client, []string{r.key(day)},
		cost, limit, op, int(r.ttl.Seconds())).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to run spend script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected spend script reply: %v", res)
	}

	used, ok := res[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected spend script total: %v", res[0])
	}
	applied, ok := res[1].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected spend script flag: %v", res[1])
	}

	return int(used), applied == 1, nil
}

func (r *RedisUsage) UsedToday(ctx context.Context, day string) (int, error) {
	vals, err := r.client.HVals(ctx, r.key(day)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}

	var total int
	for _, v := range vals {
		var cost int
		if _, err := fmt.Sscanf(v, "%d", &cost); err != nil {
			return 0, fmt.Errorf("corrupt usage value %q: %w", v, err)
		}
		total += cost
	}

	return total, nil
}

func (r *RedisUsage) ByOperation(ctx context.Context, day string) (map[string]int, error) {
	fields, err := r.client.HGetAll(ctx, r.key(day)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}

	usage := make(map[string]int, len(fields))
	for op, v := range fields {
		var cost int
		if _, err := fmt.Sscanf(v, "%d", &cost); err != nil {
			return nil, fmt.Errorf("corrupt usage value %q: %w", v, err)
		}
		usage[op] = cost
	}

	return usage, nil
}

func (r *RedisUsage) Reset(ctx context.Context, day string) error {
	if err := r.client.Del(ctx, r.key(day)).Err(); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}

	return nil
}

// Prune is a no-op: per-day keys expire on their own after the retention
// window set at spend time.
func (r *RedisUsage) Prune(ctx context.Context, before string) error {
	return nil
}

func (r *RedisUsage) Close() error {
	return r.client.Close()
}
