package service

import (
	"context"

	"pointbrew/internal/model"
)

// LedgerService defines the business operations for the ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete engine.
type LedgerService interface {
	SubmitToken(ctx context.Context, accountID, raw string) (*model.RedemptionOutcome, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	AccountHistory(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error)
	TransactionsBetween(ctx context.Context, q model.HistoryQuery) ([]model.TransactionRecord, error)
	ActiveRewards(ctx context.Context) ([]model.Reward, error)
	RewardHistory(ctx context.Context, rewardID string, q model.HistoryQuery) ([]model.TransactionRecord, error)
	AccountTotals(ctx context.Context, accountID string) (*model.PointTotals, error)
}
