package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"pointbrew/internal/model"
)

// MemoryStore keeps the ledger in process memory. Used in development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	records  map[string]model.TransactionRecord
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.Account),
		records:  make(map[string]model.TransactionRecord),
		now:      time.Now,
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	m.mu.RLock()
	acc, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if ok {
		return &acc, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[accountID]; ok {
		return &acc, nil
	}
	now := m.now().UTC()
	acc = model.Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
	m.accounts[accountID] = acc
	return &acc, nil
}

func (m *MemoryStore) AppendIfAbsent(ctx context.Context, rec model.TransactionRecord, expectedVersion int64) (*AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.RedemptionID]; ok {
		return &AppendResult{Status: AlreadyExists, Record: existing, Account: m.accounts[existing.AccountID]}, nil
	}

	acc, ok := m.accounts[rec.AccountID]
	if !ok {
		acc = model.Account{ID: rec.AccountID, CreatedAt: rec.CreatedAt, UpdatedAt: rec.CreatedAt}
	}
	if expectedVersion != NoFence && acc.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	if rec.Status == model.StatusApplied {
		if rec.BalanceAfter < 0 {
			return nil, ErrNegativeBalance
		}
		acc.Balance = rec.BalanceAfter
		acc.Version++
		acc.UpdatedAt = rec.CreatedAt
		m.accounts[acc.ID] = acc
	}
	m.records[rec.RedemptionID] = rec
	return &AppendResult{Status: Inserted, Record: rec, Account: acc}, nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, redemptionID string) (*model.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[redemptionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return m.list(q, func(rec model.TransactionRecord) bool { return rec.AccountID == accountID }), nil
}

func (m *MemoryStore) ListByTime(ctx context.Context, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return m.list(q, func(model.TransactionRecord) bool { return true }), nil
}

func (m *MemoryStore) ListByReward(ctx context.Context, rewardID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	return m.list(q, func(rec model.TransactionRecord) bool { return rec.RewardID == rewardID }), nil
}

func (m *MemoryStore) Totals(ctx context.Context, accountID string) (*model.PointTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := &model.PointTotals{AccountID: accountID, Balance: m.accounts[accountID].Balance}
	for _, rec := range m.records {
		if rec.AccountID != accountID || rec.Status != model.StatusApplied {
			continue
		}
		if rec.Kind == model.KindEarn {
			t.Earned += rec.Delta
		} else {
			t.Redeemed -= rec.Delta
		}
	}
	return t, nil
}

func (m *MemoryStore) list(q model.HistoryQuery, keep func(model.TransactionRecord) bool) []model.TransactionRecord {
	q = q.Normalize()

	m.mu.RLock()
	out := make([]model.TransactionRecord, 0)
	for _, rec := range m.records {
		if keep(rec) && q.Contains(rec.CreatedAt) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sortRecords(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// sortRecords orders by creation time, redemption id breaking ties.
func sortRecords(recs []model.TransactionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].RedemptionID < recs[j].RedemptionID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
