package repository

import (
	"context"
	"errors"

	"pointbrew/internal/model"
)

// NoFence skips the account version check in AppendIfAbsent.
const NoFence int64 = -1

var (
	ErrVersionConflict  = errors.New("account version conflict")
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrNegativeBalance  = errors.New("balance would become negative")
)

type AppendStatus string

const (
	Inserted      AppendStatus = "inserted"
	AlreadyExists AppendStatus = "already_exists"
)

// AppendResult reports what AppendIfAbsent did. Record is the stored record
// (the caller's on Inserted, the earlier one on AlreadyExists).
type AppendResult struct {
	Status  AppendStatus
	Record  model.TransactionRecord
	Account model.Account
}

// LedgerStore is the only writer of accounts and transaction records.
type LedgerStore interface {
	// GetAccount returns the account, creating it with a zero balance on first reference.
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// AppendIfAbsent stores rec under rec.RedemptionID as one atomic unit, unless a
	// record with that id exists. With expectedVersion != NoFence the account version
	// must still match or ErrVersionConflict is returned and nothing is written.
	// An applied record also sets the balance to rec.BalanceAfter and bumps the version.
	AppendIfAbsent(ctx context.Context, rec model.TransactionRecord, expectedVersion int64) (*AppendResult, error)

	GetRecord(ctx context.Context, redemptionID string) (*model.TransactionRecord, error)
	ListByAccount(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error)
	ListByTime(ctx context.Context, q model.HistoryQuery) ([]model.TransactionRecord, error)
	ListByReward(ctx context.Context, rewardID string, q model.HistoryQuery) ([]model.TransactionRecord, error)

	// Totals sums the applied earn and spend records of an account.
	Totals(ctx context.Context, accountID string) (*model.PointTotals, error)
}

// MessageBus publishes ledger events to whoever listens.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

const TopicRecords = "ledger.records"
