package repository

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pointbrew/internal/model"
)

var base = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

// stores returns one fresh instance of every backend available in this environment.
func stores(t *testing.T) map[string]LedgerStore {
	t.Helper()
	out := map[string]LedgerStore{"memory": NewMemoryStore()}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	out["redis"] = NewRedisStore(rdb)

	if dsn := os.Getenv("POINTBREW_TEST_POSTGRES_DSN"); dsn != "" {
		ctx := context.Background()
		require.NoError(t, RunMigrations(ctx, dsn, "up", zap.NewNop()))
		pool, err := pgxpool.New(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		_, err = pool.Exec(ctx, `TRUNCATE transactions, accounts`)
		require.NoError(t, err)
		out["postgres"] = NewPostgresStore(pool)
	}
	return out
}

func applied(accountID, rid string, delta, balanceAfter int64, at time.Time) model.TransactionRecord {
	return model.TransactionRecord{
		RedemptionID: rid,
		AccountID:    accountID,
		MerchantID:   "brew-downtown",
		Kind:         model.KindEarn,
		Delta:        delta,
		BalanceAfter: balanceAfter,
		Status:       model.StatusApplied,
		CreatedAt:    at,
	}
}

func TestStore_GetAccountCreatesZeroAccount(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc, err := s.GetAccount(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, "alice", acc.ID)
			assert.Zero(t, acc.Balance)
			assert.Zero(t, acc.Version)

			again, err := s.GetAccount(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, acc.Version, again.Version)
		})
	}
}

func TestStore_AppendIfAbsent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc, err := s.GetAccount(ctx, "alice")
			require.NoError(t, err)

			res, err := s.AppendIfAbsent(ctx, applied("alice", "r1", 50, 50, base), acc.Version)
			require.NoError(t, err)
			assert.Equal(t, Inserted, res.Status)
			assert.Equal(t, int64(50), res.Account.Balance)
			assert.Equal(t, int64(1), res.Account.Version)

			// Same redemption id again, even with a fresh fence, changes nothing.
			dup, err := s.AppendIfAbsent(ctx, applied("alice", "r1", 50, 100, base.Add(time.Second)), 1)
			require.NoError(t, err)
			assert.Equal(t, AlreadyExists, dup.Status)
			assert.Equal(t, int64(50), dup.Record.BalanceAfter)
			assert.Equal(t, "alice", dup.Record.AccountID)

			acc, err = s.GetAccount(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(50), acc.Balance)
			assert.Equal(t, int64(1), acc.Version)
		})
	}
}

func TestStore_VersionConflict(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetAccount(ctx, "bob")
			require.NoError(t, err)
			_, err = s.AppendIfAbsent(ctx, applied("bob", "r1", 10, 10, base), 0)
			require.NoError(t, err)

			_, err = s.AppendIfAbsent(ctx, applied("bob", "r2", 10, 10, base), 0)
			assert.ErrorIs(t, err, ErrVersionConflict)

			// Nothing was written for r2.
			_, err = s.GetRecord(ctx, "r2")
			assert.ErrorIs(t, err, ErrNotFound)

			// A fenced rejection is also refused on a stale version.
			rejected := applied("bob", "r3", -70, 10, base)
			rejected.Status = model.StatusRejectedInvalid
			_, err = s.AppendIfAbsent(ctx, rejected, 0)
			assert.ErrorIs(t, err, ErrVersionConflict)
		})
	}
}

func TestStore_RejectionLeavesAccountAlone(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetAccount(ctx, "carol")
			require.NoError(t, err)

			rec := applied("carol", "r-exp", 0, 0, base)
			rec.Status = model.StatusRejectedExpired
			res, err := s.AppendIfAbsent(ctx, rec, NoFence)
			require.NoError(t, err)
			assert.Equal(t, Inserted, res.Status)

			acc, err := s.GetAccount(ctx, "carol")
			require.NoError(t, err)
			assert.Zero(t, acc.Version)

			got, err := s.GetRecord(ctx, "r-exp")
			require.NoError(t, err)
			assert.Equal(t, model.StatusRejectedExpired, got.Status)
		})
	}
}

func TestStore_ConcurrentSameRedemption(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 16
			var inserted, existed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					acc := fmt.Sprintf("dev-%d", i)
					a, err := s.GetAccount(ctx, acc)
					if !assert.NoError(t, err) {
						return
					}
					res, err := s.AppendIfAbsent(ctx, applied(acc, "shared", 5, a.Balance+5, base), a.Version)
					if !assert.NoError(t, err) {
						return
					}
					if res.Status == Inserted {
						inserted.Add(1)
					} else {
						existed.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), inserted.Load())
			assert.Equal(t, int32(n-1), existed.Load())
		})
	}
}

func TestStore_History(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetAccount(ctx, "dave")
			require.NoError(t, err)

			var version int64
			for i := 0; i < 3; i++ {
				res, err := s.AppendIfAbsent(ctx,
					applied("dave", fmt.Sprintf("d%d", i), 10, int64(10*(i+1)), base.Add(time.Duration(i)*time.Hour)), version)
				require.NoError(t, err)
				version = res.Account.Version
			}
			_, err = s.AppendIfAbsent(ctx, applied("erin", "e0", 1, 1, base.Add(30*time.Minute)), NoFence)
			require.NoError(t, err)

			all, err := s.ListByAccount(ctx, "dave", model.HistoryQuery{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "d0", all[0].RedemptionID)
			assert.Equal(t, "d2", all[2].RedemptionID)

			window, err := s.ListByAccount(ctx, "dave", model.HistoryQuery{From: base.Add(time.Hour), Limit: 1})
			require.NoError(t, err)
			require.Len(t, window, 1)
			assert.Equal(t, "d1", window[0].RedemptionID)

			byTime, err := s.ListByTime(ctx, model.HistoryQuery{From: base, To: base.Add(time.Hour)})
			require.NoError(t, err)
			ids := make([]string, 0, len(byTime))
			for _, r := range byTime {
				ids = append(ids, r.RedemptionID)
			}
			assert.Equal(t, []string{"d0", "e0", "d1"}, ids)

			none, err := s.ListByAccount(ctx, "nobody", model.HistoryQuery{})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_SubMillisecondWindow(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Ids sort opposite to time, all within one millisecond.
			for i, rid := range []string{"z0", "y1", "x2", "w3"} {
				_, err := s.AppendIfAbsent(ctx,
					applied("frank", rid, 1, int64(i+1), base.Add(time.Duration(i)*100*time.Microsecond)), NoFence)
				require.NoError(t, err)
			}

			got, err := s.ListByAccount(ctx, "frank", model.HistoryQuery{From: base.Add(100 * time.Microsecond), Limit: 2})
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.RedemptionID)
			}
			assert.Equal(t, []string{"y1", "x2"}, ids)

			last, err := s.ListByTime(ctx, model.HistoryQuery{To: base.Add(250 * time.Microsecond), Limit: 5})
			require.NoError(t, err)
			require.Len(t, last, 3)
			assert.Equal(t, "x2", last[2].RedemptionID)
		})
	}
}

func TestStore_RewardHistoryAndTotals(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.AppendIfAbsent(ctx, applied("grace", "g-earn-1", 500, 500, base), NoFence)
			require.NoError(t, err)
			_, err = s.AppendIfAbsent(ctx, applied("grace", "g-earn-2", 100, 600, base.Add(time.Minute)), NoFence)
			require.NoError(t, err)

			spend := applied("grace", "g-spend", -150, 450, base.Add(2*time.Minute))
			spend.Kind, spend.RewardID = model.KindSpend, "3"
			_, err = s.AppendIfAbsent(ctx, spend, NoFence)
			require.NoError(t, err)

			refused := applied("grace", "g-refused", -150, 450, base.Add(3*time.Minute))
			refused.Kind, refused.RewardID = model.KindSpend, "3"
			refused.Status, refused.Reason = model.StatusRejectedInvalid, "reward cost mismatch"
			_, err = s.AppendIfAbsent(ctx, refused, NoFence)
			require.NoError(t, err)

			other := applied("heidi", "h-spend", -500, 0, base.Add(4*time.Minute))
			other.Kind, other.RewardID = model.KindSpend, "4"
			_, err = s.AppendIfAbsent(ctx, other, NoFence)
			require.NoError(t, err)

			byReward, err := s.ListByReward(ctx, "3", model.HistoryQuery{})
			require.NoError(t, err)
			require.Len(t, byReward, 2)
			assert.Equal(t, "g-spend", byReward[0].RedemptionID)
			assert.Equal(t, model.StatusRejectedInvalid, byReward[1].Status)

			totals, err := s.Totals(ctx, "grace")
			require.NoError(t, err)
			assert.Equal(t, &model.PointTotals{AccountID: "grace", Earned: 600, Redeemed: 150, Balance: 450}, totals)

			empty, err := s.Totals(ctx, "nobody")
			require.NoError(t, err)
			assert.Equal(t, &model.PointTotals{AccountID: "nobody"}, empty)
		})
	}
}

func TestRedisStore_DuplicateSurfacesAccountReadFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStore(rdb)
	ctx := context.Background()

	_, err := s.AppendIfAbsent(ctx, applied("ivan", "i1", 5, 5, base), NoFence)
	require.NoError(t, err)

	// Corrupt the account so reading it back fails with WRONGTYPE.
	mr.Del(accountKey("ivan"))
	require.NoError(t, mr.Set(accountKey("ivan"), "not a hash"))

	_, err = s.AppendIfAbsent(ctx, applied("ivan", "i1", 5, 10, base), NoFence)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_KeysShareOneSlot(t *testing.T) {
	for _, key := range []string{
		recordKey("r1"),
		accountKey("alice"),
		accountHistoryKey("alice"),
		globalHistoryKey,
		rewardHistoryKey("3"),
	} {
		assert.True(t, strings.HasPrefix(key, "{pointbrew}:"), key)
	}
}
