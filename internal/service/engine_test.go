package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pointbrew/internal/merchant"
	"pointbrew/internal/model"
	"pointbrew/internal/repository"
	"pointbrew/internal/reward"
	"pointbrew/internal/token"
)

var now = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  repository.LedgerStore
	codec  *token.Codec
	engine *Engine
	bus    *captureBus
}

type captureBus struct {
	mu     sync.Mutex
	events []model.LedgerEvent
}

func (b *captureBus) Publish(topic string, data []byte) error {
	var ev model.LedgerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

// eachBackend runs fn against every store the engine ships with.
func eachBackend(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, backend := range []string{"memory", "redis"} {
		t.Run(backend, func(t *testing.T) { fn(t, backend) })
	}
}

func openStore(t *testing.T, backend string) repository.LedgerStore {
	t.Helper()
	switch backend {
	case "redis":
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return repository.NewRedisStore(rdb)
	default:
		return repository.NewMemoryStore()
	}
}

func newFixture(t *testing.T, backend string, cfg Config, wrap ...func(repository.LedgerStore) repository.LedgerStore) *fixture {
	t.Helper()
	reg := merchant.NewRegistry(
		merchant.Merchant{ID: "brew-downtown", Active: true, Keys: []merchant.Key{{ID: "k1", Secret: bytes.Repeat([]byte{1}, 32)}}},
		merchant.Merchant{ID: "brew-closed", Active: false, Keys: []merchant.Key{{ID: "c1", Secret: bytes.Repeat([]byte{2}, 32)}}},
	)
	f := &fixture{store: openStore(t, backend), codec: token.NewCodec(reg), bus: &captureBus{}}
	var store repository.LedgerStore = f.store
	for _, w := range wrap {
		store = w(store)
	}
	f.engine = NewEngine(store, f.codec, reg, zaptest.NewLogger(t), cfg,
		WithClock(func() time.Time { return now }),
		WithBus(f.bus),
		WithRewards(reward.Default()))
	return f
}

func (f *fixture) issue(t *testing.T, kind model.Kind, value int64, nonce string) string {
	t.Helper()
	raw, err := f.codec.Issue(model.RedemptionToken{
		MerchantID: "brew-downtown",
		Kind:       kind,
		Value:      value,
		IssuedAt:   now.Add(-time.Minute),
		ExpiresAt:  now.Add(10 * time.Minute),
		Nonce:      nonce,
	})
	require.NoError(t, err)
	return raw
}

func TestSubmitToken_EarnThenOverspend(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()

		out, err := f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, 50, "earn-1"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusApplied, out.Status)
		assert.Equal(t, int64(50), out.Balance)
		assert.Equal(t, int64(1), out.Version)

		out, err = f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindSpend, 70, "spend-1"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedInvalid, out.Status)
		assert.Equal(t, ReasonInsufficient, out.Reason)
		assert.Equal(t, int64(50), out.Balance)

		acc, err := f.engine.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(50), acc.Balance)
		assert.Equal(t, int64(1), acc.Version, "rejections never bump the version")

		rec, err := f.store.GetRecord(ctx, "spend-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedInvalid, rec.Status)
	})
}

func TestSubmitToken_RejectionIsFinal(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()
		spend := f.issue(t, model.KindSpend, 70, "spend-1")

		out, err := f.engine.SubmitToken(ctx, "alice", spend)
		require.NoError(t, err)
		require.Equal(t, model.StatusRejectedInvalid, out.Status)

		_, err = f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, 100, "earn-1"))
		require.NoError(t, err)

		// Enough balance now, but the token was already adjudicated.
		out, err = f.engine.SubmitToken(ctx, "alice", spend)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedInvalid, out.Status)
		assert.Equal(t, ReasonInsufficient, out.Reason)
		assert.True(t, out.Replayed)
		assert.Equal(t, int64(100), out.Balance)
	})
}

func TestSubmitToken_SpendWithinBalance(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()

		_, err := f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, 50, "earn-1"))
		require.NoError(t, err)
		out, err := f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindSpend, 50, "spend-1"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusApplied, out.Status)
		assert.Zero(t, out.Balance)
		assert.Equal(t, int64(2), out.Version)
	})
}

func TestSubmitToken_IdempotentReplay(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()
		raw := f.issue(t, model.KindEarn, 50, "earn-1")

		first, err := f.engine.SubmitToken(ctx, "alice", raw)
		require.NoError(t, err)
		require.Equal(t, model.StatusApplied, first.Status)

		second, err := f.engine.SubmitToken(ctx, "alice", raw)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedDuplicate, second.Status)
		assert.True(t, second.Replayed)
		assert.Equal(t, int64(50), second.Balance)
		assert.Equal(t, int64(1), second.Version)

		f.bus.mu.Lock()
		defer f.bus.mu.Unlock()
		require.Len(t, f.bus.events, 2)
		assert.False(t, f.bus.events[0].Duplicate)
		assert.True(t, f.bus.events[1].Duplicate)
	})
}

func TestSubmitToken_ConcurrentSameToken(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()
		raw := f.issue(t, model.KindEarn, 50, "earn-shared")

		const devices = 20
		var appliedCount, dupCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < devices; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := f.engine.SubmitToken(ctx, "alice", raw)
				if !assert.NoError(t, err) {
					return
				}
				switch out.Status {
				case model.StatusApplied:
					appliedCount.Add(1)
					assert.Equal(t, int64(50), out.Balance)
				case model.StatusRejectedDuplicate:
					dupCount.Add(1)
				default:
					t.Errorf("unexpected status %s", out.Status)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), appliedCount.Load())
		assert.Equal(t, int32(devices-1), dupCount.Load())

		acc, err := f.engine.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(50), acc.Balance)
		assert.Equal(t, int64(1), acc.Version)

		recs, err := f.engine.AccountHistory(ctx, "alice", model.HistoryQuery{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, model.StatusApplied, recs[0].Status)
	})
}

func TestSubmitToken_DuplicateAcrossAccounts(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()
		raw := f.issue(t, model.KindEarn, 50, "earn-1")

		_, err := f.engine.SubmitToken(ctx, "alice", raw)
		require.NoError(t, err)

		out, err := f.engine.SubmitToken(ctx, "bob", raw)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedDuplicate, out.Status)
		assert.Zero(t, out.Balance)

		bob, err := f.engine.GetAccount(ctx, "bob")
		require.NoError(t, err)
		assert.Zero(t, bob.Balance)
	})
}

func TestSubmitToken_ConcurrentDistinctTokens(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, Config{MaxAttempts: 200, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
		ctx := context.Background()

		const n = 20
		tokens := make([]string, n)
		for i := range tokens {
			tokens[i] = f.issue(t, model.KindEarn, 5, fmt.Sprintf("earn-%d", i))
		}

		var wg sync.WaitGroup
		for _, raw := range tokens {
			wg.Add(1)
			go func(raw string) {
				defer wg.Done()
				out, err := f.engine.SubmitToken(ctx, "alice", raw)
				if assert.NoError(t, err) {
					assert.Equal(t, model.StatusApplied, out.Status)
				}
			}(raw)
		}
		wg.Wait()

		acc, err := f.engine.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(5*n), acc.Balance)
		assert.Equal(t, int64(n), acc.Version)
	})
}

func TestSubmitToken_BalanceNeverNegative(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, Config{MaxAttempts: 500, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			kind, value := model.KindEarn, int64(10)
			if i%2 == 1 {
				kind, value = model.KindSpend, 15
			}
			raw := f.issue(t, kind, value, fmt.Sprintf("tok-%d", i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.engine.SubmitToken(ctx, "alice", raw)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		recs, err := f.engine.AccountHistory(ctx, "alice", model.HistoryQuery{Limit: model.MaxHistoryLimit})
		require.NoError(t, err)
		require.Len(t, recs, 30)

		var sum, appliedCount int64
		for _, r := range recs {
			assert.GreaterOrEqual(t, r.BalanceAfter, int64(0))
			if r.Status == model.StatusApplied {
				sum += r.Delta
				appliedCount++
			}
		}
		acc, err := f.engine.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, sum, acc.Balance)
		assert.GreaterOrEqual(t, acc.Balance, int64(0))
		assert.Equal(t, appliedCount, acc.Version)
	})
}

func TestSubmitToken_Expired(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()

		raw, err := f.codec.Issue(model.RedemptionToken{
			MerchantID: "brew-downtown",
			Kind:       model.KindEarn,
			Value:      500,
			IssuedAt:   now.Add(-time.Hour),
			ExpiresAt:  now,
			Nonce:      "old",
		})
		require.NoError(t, err)

		out, err := f.engine.SubmitToken(ctx, "alice", raw)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedExpired, out.Status)
		assert.Zero(t, out.Balance)
		assert.Zero(t, out.Version)

		rec, err := f.store.GetRecord(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedExpired, rec.Status)

		again, err := f.engine.SubmitToken(ctx, "alice", raw)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedExpired, again.Status)
		assert.True(t, again.Replayed)
	})
}

func TestSubmitToken_InvalidTokens(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()

		out, err := f.engine.SubmitToken(ctx, "alice", "garbage")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedInvalid, out.Status)
		assert.Equal(t, ReasonMalformed, out.Reason)

		recs, err := f.engine.TransactionsBetween(ctx, model.HistoryQuery{})
		require.NoError(t, err)
		assert.Empty(t, recs, "unverifiable tokens are not recorded")

		_, err = f.engine.SubmitToken(ctx, "", f.issue(t, model.KindEarn, 1, "x"))
		assert.ErrorIs(t, err, ErrInvalidAccount)
	})
}

func TestSubmitToken_MerchantNotAllowed(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()

		reg := merchant.NewRegistry(merchant.Merchant{ID: "brew-closed", Keys: []merchant.Key{{ID: "c1", Secret: bytes.Repeat([]byte{2}, 32)}}})
		raw, err := token.NewCodec(reg).Issue(model.RedemptionToken{
			MerchantID: "brew-closed", Kind: model.KindEarn, Value: 10,
			IssuedAt: now, ExpiresAt: now.Add(time.Hour), Nonce: "closed-1",
		})
		require.NoError(t, err)

		out, err := f.engine.SubmitToken(ctx, "alice", raw)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedInvalid, out.Status)
		assert.Equal(t, ReasonMerchant, out.Reason)

		_, err = f.store.GetRecord(ctx, "closed-1")
		assert.NoError(t, err)
	})
}

func TestSubmitToken_BalanceLimit(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()

		_, err := f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, 50, "earn-1"))
		require.NoError(t, err)

		out, err := f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, math.MaxInt64, "earn-huge"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedInvalid, out.Status)
		assert.Equal(t, ReasonOverflow, out.Reason)
		assert.Equal(t, int64(50), out.Balance)

		out, err = f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, math.MaxInt64-50, "earn-to-limit"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusApplied, out.Status)
		assert.Equal(t, int64(math.MaxInt64), out.Balance)

		out, err = f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, 1, "earn-past-limit"))
		require.NoError(t, err)
		assert.Equal(t, ReasonOverflow, out.Reason)

		acc, err := f.engine.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64), acc.Balance)
		assert.Equal(t, int64(2), acc.Version)
	})
}

func (f *fixture) issueReward(t *testing.T, rewardID string, value int64, nonce string) string {
	t.Helper()
	raw, err := f.codec.Issue(model.RedemptionToken{
		MerchantID: "brew-downtown",
		Kind:       model.KindSpend,
		Value:      value,
		IssuedAt:   now.Add(-time.Minute),
		ExpiresAt:  now.Add(10 * time.Minute),
		Nonce:      nonce,
		RewardID:   rewardID,
	})
	require.NoError(t, err)
	return raw
}

func TestSubmitToken_Rewards(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx := context.Background()

		_, err := f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, 400, "earn-1"))
		require.NoError(t, err)

		// Free Coffee costs 100.
		out, err := f.engine.SubmitToken(ctx, "alice", f.issueReward(t, "1", 100, "coffee-1"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusApplied, out.Status)
		assert.Equal(t, int64(300), out.Balance)

		out, err = f.engine.SubmitToken(ctx, "alice", f.issueReward(t, "1", 90, "coffee-cheap"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejectedInvalid, out.Status)
		assert.Equal(t, ReasonRewardCost, out.Reason)

		out, err = f.engine.SubmitToken(ctx, "alice", f.issueReward(t, "99", 100, "unknown-reward"))
		require.NoError(t, err)
		assert.Equal(t, ReasonReward, out.Reason)

		// A plain deduction names no reward and skips the catalog.
		out, err = f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindSpend, 30, "plain-spend"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusApplied, out.Status)
		assert.Equal(t, int64(270), out.Balance)

		history, err := f.engine.RewardHistory(ctx, "1", model.HistoryQuery{})
		require.NoError(t, err)
		require.Len(t, history, 2)

		totals, err := f.engine.AccountTotals(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, &model.PointTotals{AccountID: "alice", Earned: 400, Redeemed: 130, Balance: 270}, totals)

		rewards, err := f.engine.ActiveRewards(ctx)
		require.NoError(t, err)
		assert.Len(t, rewards, 5)

		_, err = f.engine.RewardHistory(ctx, " ", model.HistoryQuery{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = f.engine.AccountTotals(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidAccount)
	})
}

// flakyStore fails AppendIfAbsent with err for the first n calls.
type flakyStore struct {
	repository.LedgerStore
	n   atomic.Int32
	err error
}

func (s *flakyStore) AppendIfAbsent(ctx context.Context, rec model.TransactionRecord, v int64) (*repository.AppendResult, error) {
	if s.n.Add(-1) >= 0 {
		return nil, s.err
	}
	return s.LedgerStore.AppendIfAbsent(ctx, rec, v)
}

func flaky(n int32, err error) func(repository.LedgerStore) repository.LedgerStore {
	return func(inner repository.LedgerStore) repository.LedgerStore {
		s := &flakyStore{LedgerStore: inner, err: err}
		s.n.Store(n)
		return s
	}
}

func TestSubmitToken_RetriesVersionConflicts(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, Config{MaxAttempts: 5, Backoff: time.Millisecond}, flaky(4, repository.ErrVersionConflict))

		out, err := f.engine.SubmitToken(context.Background(), "alice", f.issue(t, model.KindEarn, 50, "earn-1"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusApplied, out.Status)
		assert.Equal(t, int64(1), out.Version)
	})
}

func TestSubmitToken_TransientAfterBound(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, Config{MaxAttempts: 5, Backoff: time.Millisecond}, flaky(5, repository.ErrVersionConflict))
		ctx := context.Background()
		raw := f.issue(t, model.KindEarn, 50, "earn-1")

		out, err := f.engine.SubmitToken(ctx, "alice", raw)
		assert.Nil(t, out)
		assert.ErrorIs(t, err, ErrTransient)
		assert.ErrorIs(t, err, repository.ErrVersionConflict)

		_, err = f.store.GetRecord(ctx, "earn-1")
		assert.ErrorIs(t, err, repository.ErrNotFound, "transient outcomes are never recorded")

		// The bound is per submission; a later retry goes through.
		out, err = f.engine.SubmitToken(ctx, "alice", raw)
		require.NoError(t, err)
		assert.Equal(t, model.StatusApplied, out.Status)
	})
}

func TestSubmitToken_StoreUnavailable(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig(), flaky(1, fmt.Errorf("%w: connection refused", repository.ErrStoreUnavailable)))

		_, err := f.engine.SubmitToken(context.Background(), "alice", f.issue(t, model.KindEarn, 50, "earn-1"))
		assert.ErrorIs(t, err, ErrTransient)
		assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
	})
}

func TestSubmitToken_CancelledBeforeWrite(t *testing.T) {
	eachBackend(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, DefaultConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.engine.SubmitToken(ctx, "alice", f.issue(t, model.KindEarn, 50, "earn-1"))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = f.store.GetRecord(context.Background(), "earn-1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}
