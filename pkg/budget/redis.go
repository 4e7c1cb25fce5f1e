package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"attest/pkg/models"
)

// admitScript is the atomic check-and-increment: the charge is applied
// only when it fits under the limit, in one round trip. The key expires
// after the window plus slack; durable history lives in the journal, not
// in Redis.
var admitScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + cost > limit then
  return {0, current}
end
current = redis.call("INCRBY", KEYS[1], cost)
redis.call("PEXPIREAT", KEYS[1], ARGV[3])
return {1, current}
`)

var refundScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local cost = tonumber(ARGV[1])
if cost > current then
  cost = current
end
if cost == 0 then
  return current
end
return redis.call("DECRBY", KEYS[1], cost)
`)

// RedisAccountant shares budget state across ledger nodes. Falls back to
// the in-memory accountant when Redis is unreachable so a cache outage
// degrades to per-node enforcement instead of an open gate.
type RedisAccountant struct {
	Client   *redis.Client
	Limits   LimitFunc
	Window   WindowFunc
	Journal  JournalFunc
	WarnAt   float64
	Prefix   string
	Fallback *MemoryAccountant
	now      func() time.Time
}

func NewRedisAccountant(client *redis.Client, limits LimitFunc) *RedisAccountant {
	return &RedisAccountant{
		Client:   client,
		Limits:   limits,
		Window:   DailyWindow,
		WarnAt:   DefaultSoftWarnRatio,
		Prefix:   "pb:",
		Fallback: NewMemoryAccountant(limits),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisAccountant) redisKey(tenantID, purpose string, start time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", r.Prefix, tenantID, purpose, start.Unix())
}

func (r *RedisAccountant) Admit(ctx context.Context, tenantID, purpose string, cost int64) (Decision, error) {
	if r.Client == nil {
		return r.Fallback.Admit(ctx, tenantID, purpose, cost)
	}
	if cost <= 0 {
		cost = 1
	}
	start, end := r.Window(r.now())
	limit := r.Limits(tenantID, purpose)
	expireAt := end.Add(time.Hour).UnixMilli()

	res, err := admitScript.Run(ctx, r.Client, []string{r.redisKey(tenantID, purpose, start)}, cost, limit, expireAt).Slice()
	if err != nil {
		return r.Fallback.Admit(ctx, tenantID, purpose, cost)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("budget: unexpected script reply %v", res)
	}
	admitted := toInt64(res[0]) == 1
	current := toInt64(res[1])

	d := Decision{
		Admitted:    admitted,
		Consumed:    current,
		Limit:       limit,
		Remaining:   max64(limit-current, 0),
		WindowStart: start,
		WindowEnd:   end,
	}
	if !admitted {
		d.Reason = models.ReasonBudgetExceeded
		journal(ctx, r.Journal, tenantID, journalEvent{
			Event: "budget.denied", Purpose: purpose, Cost: cost,
			Consumed: current, Limit: limit, WindowStart: start.Format(time.RFC3339),
			Reason: models.ReasonBudgetExceeded,
		})
		return d, nil
	}
	d.SoftWarn = r.WarnAt > 0 && float64(current) >= r.WarnAt*float64(limit)
	softWarnLog(tenantID, purpose, d)
	journal(ctx, r.Journal, tenantID, journalEvent{
		Event: "budget.admitted", Purpose: purpose, Cost: cost,
		Consumed: current, Limit: limit, WindowStart: start.Format(time.RFC3339),
	})
	return d, nil
}

func (r *RedisAccountant) Refund(ctx context.Context, tenantID, purpose string, cost int64, windowStart time.Time) error {
	if r.Client == nil {
		return r.Fallback.Refund(ctx, tenantID, purpose, cost, windowStart)
	}
	if cost <= 0 {
		return nil
	}
	start := windowStart
	if start.IsZero() {
		start, _ = r.Window(r.now())
	}
	res, err := refundScript.Run(ctx, r.Client, []string{r.redisKey(tenantID, purpose, start)}, cost).Int64()
	if err != nil {
		return r.Fallback.Refund(ctx, tenantID, purpose, cost, windowStart)
	}
	journal(ctx, r.Journal, tenantID, journalEvent{
		Event: "budget.refunded", Purpose: purpose, Cost: cost,
		Consumed: res, Limit: r.Limits(tenantID, purpose), WindowStart: start.Format(time.RFC3339),
	})
	return nil
}

func (r *RedisAccountant) Snapshot(ctx context.Context, tenantID, purpose string) (models.PrivacyBudget, error) {
	if r.Client == nil {
		return r.Fallback.Snapshot(ctx, tenantID, purpose)
	}
	start, end := r.Window(r.now())
	current, err := r.Client.Get(ctx, r.redisKey(tenantID, purpose, start)).Int64()
	if err != nil && err != redis.Nil {
		return models.PrivacyBudget{}, err
	}
	return models.PrivacyBudget{
		TenantID:    tenantID,
		Purpose:     purpose,
		WindowStart: start,
		WindowEnd:   end,
		Limit:       r.Limits(tenantID, purpose),
		Consumed:    current,
	}, nil
}

// SetClock overrides the accountant's clock. Test hook.
func (r *RedisAccountant) SetClock(now func() time.Time) { r.now = now }

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	default:
		return 0
	}
}
