package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// reserveScript applies the hard-limit check and the counter increment as one
// atomic unit inside Redis, together with the reservation hash and the
// transaction append. No other reservation can observe an intermediate state.
//
// KEYS[1] = budget hash key
// KEYS[2] = reservation hash key
// KEYS[3] = transaction list key
// KEYS[4] = reserved-reservations zset
// ARGV[1] = amount
// ARGV[2] = reservation id
// ARGV[3] = execution id
// ARGV[4] = created_at (unix nanos)
// ARGV[5] = transaction JSON
// ARGV[6] = budget id
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])

if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1}
end

local state = redis.call("HMGET", KEYS[1], "limit_amount", "used_amount", "reserved_amount", "is_hard_limit")
local limit = tonumber(state[1]) or 0
local used = tonumber(state[2]) or 0
local reserved = tonumber(state[3]) or 0
local hard = tonumber(state[4]) or 0

if hard == 1 and reserved + used + amount > limit then
    return {0, reserved, used}
end

reserved = redis.call("HINCRBY", KEYS[1], "reserved_amount", amount)
redis.call("HSET", KEYS[1], "last_updated", ARGV[4])

redis.call("HSET", KEYS[2],
    "budget_id", ARGV[6],
    "execution_id", ARGV[3],
    "amount", ARGV[1],
    "actual_amount", 0,
    "status", "reserved",
    "created_at", ARGV[4])
redis.call("ZADD", KEYS[4], tonumber(ARGV[4]), ARGV[2])
redis.call("RPUSH", KEYS[3], ARGV[5])

return {1, reserved, used}
`)

// settleScript moves a reservation out of `reserved` atomically.
//
// KEYS[1] = reservation hash key
// KEYS[2] = budget hash key
// KEYS[3] = transaction list key
// KEYS[4] = reserved-reservations zset
// ARGV[1] = new status
// ARGV[2] = actual amount
// ARGV[3] = resolved_at (unix nanos)
// ARGV[4] = reservation id
// ARGV[5] = transaction JSON
var settleScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
    return {-1}
end
if status ~= "reserved" then
    return {0}
end

local amount = tonumber(redis.call("HGET", KEYS[1], "amount")) or 0
local actual = tonumber(ARGV[2])

local reserved = redis.call("HINCRBY", KEYS[2], "reserved_amount", -amount)
local used = redis.call("HINCRBY", KEYS[2], "used_amount", actual)
redis.call("HSET", KEYS[2], "last_updated", ARGV[3])

redis.call("HSET", KEYS[1], "status", ARGV[1], "actual_amount", ARGV[2], "resolved_at", ARGV[3])
redis.call("ZREM", KEYS[4], ARGV[4])
redis.call("RPUSH", KEYS[3], ARGV[5])

return {1, reserved, used}
`)

// RedisStorage implements Storage on Redis. Counter mutations run in Lua so
// the check-and-increment is atomic server-side.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage wraps a Redis client.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client, prefix: "skillrun:"}
}

func (s *RedisStorage) budgetKey(id string) string      { return s.prefix + "budget:" + id }
func (s *RedisStorage) reservationKey(id string) string { return s.prefix + "reservation:" + id }
func (s *RedisStorage) txnKey(budgetID string) string   { return s.prefix + "txns:" + budgetID }
func (s *RedisStorage) tenantKey(tenantID string) string {
	return s.prefix + "budgets:tenant:" + tenantID
}
func (s *RedisStorage) reservedZKey() string { return s.prefix + "reservations:reserved" }

func (s *RedisStorage) Create(ctx context.Context, b *Budget) error {
	hard := 0
	if b.IsHardLimit {
		hard = 1
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.budgetKey(b.ID),
		"id", b.ID,
		"tenant_id", b.TenantID,
		"skill_key", b.SkillKey,
		"user_id", b.UserID,
		"period_start", b.PeriodStart.UnixNano(),
		"period_end", b.PeriodEnd.UnixNano(),
		"limit_amount", b.LimitAmount,
		"used_amount", b.UsedAmount,
		"reserved_amount", b.ReservedAmount,
		"is_hard_limit", hard,
		"last_updated", b.LastUpdated.UnixNano(),
	)
	pipe.SAdd(ctx, s.tenantKey(b.TenantID), b.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	return nil
}

func (s *RedisStorage) Get(ctx context.Context, budgetID string) (*Budget, error) {
	fields, err := s.client.HGetAll(ctx, s.budgetKey(budgetID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrBudgetNotFound
	}
	return budgetFromHash(fields), nil
}

func (s *RedisStorage) Resolve(ctx context.Context, scope Scope, now time.Time) (*Budget, error) {
	ids, err := s.client.SMembers(ctx, s.tenantKey(scope.TenantID)).Result()
	if err != nil {
		return nil, err
	}

	var best *Budget
	for _, id := range ids {
		b, err := s.Get(ctx, id)
		if err == ErrBudgetNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !b.Matches(scope) || !b.ActiveAt(now) {
			continue
		}
		if best == nil || b.specificity() > best.specificity() {
			best = b
		}
	}
	return best, nil
}

func (s *RedisStorage) Reserve(ctx context.Context, budgetID string, res *Reservation, txn *Transaction) (*Budget, error) {
	txnJSON, err := json.Marshal(txn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	vals, err := reserveScript.Run(ctx, s.client,
		[]string{s.budgetKey(budgetID), s.reservationKey(res.ID), s.txnKey(budgetID), s.reservedZKey()},
		res.Amount, res.ID, res.ExecutionID, res.CreatedAt.UnixNano(), string(txnJSON), budgetID,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve script failed: %w", err)
	}
	switch vals[0] {
	case -1:
		return nil, ErrBudgetNotFound
	case 0:
		return nil, contracts.ErrBudgetExceeded
	}
	return s.Get(ctx, budgetID)
}

func (s *RedisStorage) Settle(ctx context.Context, reservationID string, status ReservationStatus, actualAmount int64, resolvedAt time.Time, txn *Transaction) (*Budget, error) {
	// The script re-checks status, so this read is only for the budget key.
	res, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	txnJSON, err := json.Marshal(txn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	vals, err := settleScript.Run(ctx, s.client,
		[]string{s.reservationKey(reservationID), s.budgetKey(res.BudgetID), s.txnKey(res.BudgetID), s.reservedZKey()},
		string(status), actualAmount, resolvedAt.UnixNano(), reservationID, string(txnJSON),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("settle script failed: %w", err)
	}
	switch vals[0] {
	case -1:
		return nil, ErrReservationNotFound
	case 0:
		return nil, ErrNotReserved
	}
	return s.Get(ctx, res.BudgetID)
}

func (s *RedisStorage) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	fields, err := s.client.HGetAll(ctx, s.reservationKey(reservationID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrReservationNotFound
	}

	res := &Reservation{
		ID:           reservationID,
		BudgetID:     fields["budget_id"],
		ExecutionID:  fields["execution_id"],
		Amount:       parseInt(fields["amount"]),
		ActualAmount: parseInt(fields["actual_amount"]),
		Status:       ReservationStatus(fields["status"]),
		CreatedAt:    timeFromNanos(fields["created_at"]),
	}
	if v, ok := fields["resolved_at"]; ok && v != "" {
		t := timeFromNanos(v)
		res.ResolvedAt = &t
	}
	return res, nil
}

func (s *RedisStorage) ListReservedOlderThan(ctx context.Context, cutoff time.Time) ([]*Reservation, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.reservedZKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []*Reservation
	for _, id := range ids {
		res, err := s.GetReservation(ctx, id)
		if err == ErrReservationNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if res.Status == StatusReserved {
			out = append(out, res)
		}
	}
	return out, nil
}

func (s *RedisStorage) Transactions(ctx context.Context, budgetID string) ([]*Transaction, error) {
	raw, err := s.client.LRange(ctx, s.txnKey(budgetID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Transaction, 0, len(raw))
	for _, item := range raw {
		var t Transaction
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *RedisStorage) AppendTransaction(ctx context.Context, txn *Transaction) error {
	txnJSON, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return s.client.RPush(ctx, s.txnKey(txn.BudgetID), string(txnJSON)).Err()
}

func budgetFromHash(fields map[string]string) *Budget {
	return &Budget{
		ID:             fields["id"],
		TenantID:       fields["tenant_id"],
		SkillKey:       fields["skill_key"],
		UserID:         fields["user_id"],
		PeriodStart:    timeFromNanos(fields["period_start"]),
		PeriodEnd:      timeFromNanos(fields["period_end"]),
		LimitAmount:    parseInt(fields["limit_amount"]),
		UsedAmount:     parseInt(fields["used_amount"]),
		ReservedAmount: parseInt(fields["reserved_amount"]),
		IsHardLimit:    fields["is_hard_limit"] == "1",
		LastUpdated:    timeFromNanos(fields["last_updated"]),
	}
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func timeFromNanos(v string) time.Time {
	n := parseInt(v)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
