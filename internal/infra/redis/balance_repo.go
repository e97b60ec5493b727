package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceTTL is how long a cached balance survives without a write. The
// cache is advisory; expiry is recovered from the durable ledger or treated
// as zero by callers.
const BalanceTTL = time.Hour

// BalanceRepo implements storage.BalanceRepository on Redis.
type BalanceRepo struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBalanceRepo creates a Redis-backed balance cache.
func NewBalanceRepo(client *Client) *BalanceRepo {
	return &BalanceRepo{rdb: client.rdb, ttl: BalanceTTL}
}

func balanceKey(customerID string) string {
	return fmt.Sprintf("customer:%s:points", customerID)
}

// deductScript debits with a floor of zero. Done server-side so concurrent
// jobs for the same customer cannot interleave a read-modify-write.
var deductScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = cur - tonumber(ARGV[1])
if next < 0 then next = 0 end
redis.call('SET', KEYS[1], next, 'EX', ARGV[2])
return next
`)

// Get retrieves the cached balance. found is false when the key is missing
// or expired.
func (r *BalanceRepo) Get(ctx context.Context, customerID string) (int64, bool, error) {
	val, err := r.rdb.Get(ctx, balanceKey(customerID)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get balance: %w", err)
	}
	return val, true, nil
}

// Add credits delta atomically and refreshes the TTL.
func (r *BalanceRepo) Add(ctx context.Context, customerID string, delta int64) (int64, error) {
	key := balanceKey(customerID)

	pipe := r.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr balance: %w", err)
	}
	return incr.Val(), nil
}

// Deduct debits delta atomically, clamping the balance at zero.
func (r *BalanceRepo) Deduct(ctx context.Context, customerID string, delta int64) (int64, error) {
	val, err := deductScript.Run(ctx, r.rdb,
		[]string{balanceKey(customerID)},
		delta, int(r.ttl.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("deduct balance: %w", err)
	}
	return val, nil
}

// Set overwrites the cached balance with a fresh TTL.
func (r *BalanceRepo) Set(ctx context.Context, customerID string, points int64) error {
	if err := r.rdb.Set(ctx, balanceKey(customerID), points, r.ttl).Err(); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// Ping checks backend reachability.
func (r *BalanceRepo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
