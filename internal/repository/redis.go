package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pointbrew/internal/model"
)

//go:embed append.lua
var appendLuaScript string

var appendScript = redis.NewScript(appendLuaScript)

// The hash tag pins every ledger key to one Cluster slot, so the append
// script can touch the record, account and indexes together.
const keyPrefix = "{pointbrew}:"

// RedisStore keeps the ledger in Redis. All writes go through one Lua script,
// so the existence check, version fence and balance update are atomic.
type RedisStore struct {
	redisClient *redis.Client
	now         func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{redisClient: rdb, now: time.Now}
}

func accountKey(id string) string { return keyPrefix + "account:" + id }

func recordKey(redemptionID string) string { return keyPrefix + "tx:" + redemptionID }

func accountHistoryKey(id string) string { return keyPrefix + "history:" + id }

func rewardHistoryKey(id string) string { return keyPrefix + "reward:" + id }

const globalHistoryKey = keyPrefix + "history"

func (r *RedisStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	key := accountKey(accountID)
	now := r.now().UTC().Format(time.RFC3339Nano)

	var fields *redis.MapStringStringCmd
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "balance", 0)
		pipe.HSetNX(ctx, key, "version", 0)
		pipe.HSetNX(ctx, key, "created_at", now)
		pipe.HSetNX(ctx, key, "updated_at", now)
		fields = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return parseAccount(accountID, fields.Val())
}

func (r *RedisStore) AppendIfAbsent(ctx context.Context, rec model.TransactionRecord, expectedVersion int64) (*AppendResult, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	applied := "0"
	if rec.Status == model.StatusApplied {
		applied = "1"
	}
	totalsField, moved := "earned", rec.Delta
	if rec.Kind == model.KindSpend {
		totalsField, moved = "redeemed", -rec.Delta
	}
	hasReward := "0"
	if rec.RewardID != "" {
		hasReward = "1"
	}

	keys := []string{
		recordKey(rec.RedemptionID),
		accountKey(rec.AccountID),
		accountHistoryKey(rec.AccountID),
		globalHistoryKey,
		rewardHistoryKey(rec.RewardID),
	}
	args := []interface{}{
		payload,
		expectedVersion,
		applied,
		rec.BalanceAfter,
		rec.CreatedAt.UnixMilli(),
		rec.RedemptionID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		totalsField,
		moved,
		hasReward,
	}

	result, err := appendScript.Run(ctx, r.redisClient, keys, args...).Result()
	if err != nil {
		return nil, unavailable(fmt.Errorf("append script: %w", err))
	}

	resArray, ok := result.([]interface{})
	if !ok || len(resArray) < 2 {
		return nil, errors.New("unexpected response format from Redis")
	}
	statusCode, _ := resArray[0].(int64)
	value, _ := resArray[1].(string)

	switch statusCode {
	case 1:
		version, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version %q: %w", value, err)
		}
		acc := model.Account{ID: rec.AccountID, Balance: rec.BalanceAfter, Version: version, UpdatedAt: rec.CreatedAt}
		return &AppendResult{Status: Inserted, Record: rec, Account: acc}, nil
	case 0:
		var existing model.TransactionRecord
		if err := json.Unmarshal([]byte(value), &existing); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		res := &AppendResult{Status: AlreadyExists, Record: existing, Account: model.Account{ID: existing.AccountID}}
		fields, err := r.redisClient.HGetAll(ctx, accountKey(existing.AccountID)).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if len(fields) > 0 {
			acc, err := parseAccount(existing.AccountID, fields)
			if err != nil {
				return nil, err
			}
			res.Account = *acc
		}
		return res, nil
	case -1:
		return nil, ErrVersionConflict
	case -2:
		return nil, ErrNegativeBalance
	default:
		return nil, fmt.Errorf("unknown status from Lua: %d", statusCode)
	}
}

func (r *RedisStore) GetRecord(ctx context.Context, redemptionID string) (*model.TransactionRecord, error) {
	raw, err := r.redisClient.Get(ctx, recordKey(redemptionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var rec model.TransactionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode stored record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) ListByAccount(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return r.list(ctx, accountHistoryKey(accountID), q)
}

func (r *RedisStore) ListByTime(ctx context.Context, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return r.list(ctx, globalHistoryKey, q)
}

func (r *RedisStore) ListByReward(ctx context.Context, rewardID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return r.list(ctx, rewardHistoryKey(rewardID), q)
}

func (r *RedisStore) Totals(ctx context.Context, accountID string) (*model.PointTotals, error) {
	vals, err := r.redisClient.HMGet(ctx, accountKey(accountID), "earned", "redeemed", "balance").Result()
	if err != nil {
		return nil, unavailable(err)
	}
	t := &model.PointTotals{AccountID: accountID}
	for i, dst := range []*int64{&t.Earned, &t.Redeemed, &t.Balance} {
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		if *dst, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("account %s: bad totals: %w", accountID, err)
		}
	}
	return t, nil
}

// list pages through a millisecond-scored index. The index order and the
// query bounds are coarser than the records, so it keeps reading until every
// record that could sort into the first q.Limit has been seen.
func (r *RedisStore) list(ctx context.Context, index string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	q = q.Normalize()

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(q.Limit)}
	if !q.From.IsZero() {
		rng.Min = strconv.FormatInt(q.From.UnixMilli(), 10)
	}
	if !q.To.IsZero() {
		rng.Max = strconv.FormatInt(q.To.UnixMilli(), 10)
	}

	out := make([]model.TransactionRecord, 0)
	for {
		page, err := r.redisClient.ZRangeByScoreWithScores(ctx, index, rng).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		recs, err := r.fetch(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if q.Contains(rec.CreatedAt) {
				out = append(out, rec)
			}
		}
		if int64(len(page)) < rng.Count {
			break
		}
		rng.Offset += int64(len(page))
		if len(out) >= q.Limit {
			sortRecords(out)
			cutoff := out[q.Limit-1].CreatedAt.UnixMilli()
			if int64(page[len(page)-1].Score) > cutoff {
				break
			}
		}
	}

	sortRecords(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *RedisStore) fetch(ctx context.Context, page []redis.Z) ([]model.TransactionRecord, error) {
	if len(page) == 0 {
		return nil, nil
	}
	keys := make([]string, len(page))
	for i, z := range page {
		keys[i] = recordKey(z.Member.(string))
	}
	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]model.TransactionRecord, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.TransactionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseAccount(id string, fields map[string]string) (*model.Account, error) {
	acc := &model.Account{ID: id}
	var err error
	if acc.Balance, err = strconv.ParseInt(fields["balance"], 10, 64); err != nil {
		return nil, fmt.Errorf("account %s: bad balance: %w", id, err)
	}
	if acc.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("account %s: bad version: %w", id, err)
	}
	acc.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	acc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return acc, nil
}
