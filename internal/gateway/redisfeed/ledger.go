package redisfeed

import (
	"context"

	"github.com/redis/go-redis/v9"

	"chatsync/internal/errs"
)

const balanceKeyPrefix = "credits:"

// consumeScript checks and decrements atomically so two concurrent sends
// cannot both spend the last credit.
var consumeScript = redis.NewScript(`
local bal = tonumber(redis.call("GET", KEYS[1]) or "0")
local amt = tonumber(ARGV[1])
if bal < amt then
  return -1
end
return redis.call("DECRBY", KEYS[1], amt)
`)

// Ledger is the Redis-backed credit ledger.
type Ledger struct {
	rdb *redis.Client
}

func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func key(userID string) string { return balanceKeyPrefix + userID }

func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	n, err := l.rdb.Get(ctx, key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, &errs.TransportError{Err: err}
	}
	return n, nil
}

func (l *Ledger) Consume(ctx context.Context, userID string, amount int64) (int64, error) {
	n, err := consumeScript.Run(ctx, l.rdb, []string{key(userID)}, amount).Int64()
	if err != nil {
		return 0, &errs.TransportError{Err: err}
	}
	if n < 0 {
		return 0, errs.ErrInsufficientCredits
	}
	return n, nil
}

// Grant adds credits. Used by provisioning and the demo daemon, never by the
// sync core itself.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	n, err := l.rdb.IncrBy(ctx, key(userID), amount).Result()
	if err != nil {
		return 0, &errs.TransportError{Err: err}
	}
	return n, nil
}
