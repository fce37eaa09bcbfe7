package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"pointbrew/internal/model"
	"pointbrew/internal/repository"
)

var (
	// ErrTransient means no durable decision was reached; the caller may retry later.
	ErrTransient      = errors.New("transient ledger failure")
	ErrInvalidAccount = errors.New("account id is required")
	// ErrInvalidRequest is a request the ledger refused to look at. Resending it never helps.
	ErrInvalidRequest = errors.New("invalid request")
)

const (
	ReasonMalformed    = "malformed or unauthentic token"
	ReasonExpired      = "token expired"
	ReasonMerchant     = "merchant not allowed"
	ReasonInsufficient = "insufficient balance"
	ReasonDuplicate    = "token already redeemed"
	ReasonOverflow     = "balance limit exceeded"
	ReasonReward       = "unknown or inactive reward"
	ReasonRewardCost   = "reward cost mismatch"
)

// TokenParser decodes and verifies raw scanned tokens.
type TokenParser interface {
	Parse(raw string) (*model.RedemptionToken, error)
}

// MerchantPolicy is the merchant allow-list.
type MerchantPolicy interface {
	Allowed(merchantID string) bool
}

// RewardCatalog prices the rewards spend tokens name.
type RewardCatalog interface {
	Get(id string) (model.Reward, bool)
	Active() []model.Reward
}

type Config struct {
	// MaxAttempts bounds reads+writes per submission when versions keep conflicting.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Backoff: 10 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithBus(bus repository.MessageBus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithRewards(catalog RewardCatalog) Option {
	return func(e *Engine) { e.rewards = catalog }
}

// Engine adjudicates redemption attempts. It holds no locks and no balances;
// every decision is fenced by the store.
type Engine struct {
	store     repository.LedgerStore
	codec     TokenParser
	merchants MerchantPolicy
	bus       repository.MessageBus
	rewards   RewardCatalog
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewEngine(store repository.LedgerStore, codec TokenParser, merchants MerchantPolicy, logger *zap.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	e := &Engine{
		store:     store,
		codec:     codec,
		merchants: merchants,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// verdict is a rejection decided before the balance is looked at.
type verdict struct {
	status model.Status
	reason string
}

// SubmitToken turns a raw scanned token into exactly one durable outcome.
// Terminal outcomes, rejections included, come back as values; an error means
// nothing was decided (ErrTransient) or the request itself was unusable.
func (e *Engine) SubmitToken(ctx context.Context, accountID, raw string) (*model.RedemptionOutcome, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidAccount
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := e.codec.Parse(raw)
	if err != nil {
		// Without a verified nonce there is nothing safe to record under.
		e.logger.Info("Token rejected",
			zap.String("account_id", accountID),
			zap.Error(err))
		return &model.RedemptionOutcome{Status: model.StatusRejectedInvalid, Reason: ReasonMalformed}, nil
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	var v verdict
	switch {
	case !tok.ExpiresAt.After(now):
		v = verdict{status: model.StatusRejectedExpired, reason: ReasonExpired}
	case !e.merchants.Allowed(tok.MerchantID):
		v = verdict{status: model.StatusRejectedInvalid, reason: ReasonMerchant}
	case tok.Kind == model.KindSpend && tok.RewardID != "" && e.rewards != nil:
		if reason := e.checkReward(tok); reason != "" {
			v = verdict{status: model.StatusRejectedInvalid, reason: reason}
		}
	}

	return e.adjudicate(ctx, accountID, tok, now, v)
}

// checkReward prices a spend token against the catalog. Spend tokens without
// a reward id are plain point deductions.
func (e *Engine) checkReward(tok *model.RedemptionToken) string {
	r, ok := e.rewards.Get(tok.RewardID)
	switch {
	case !ok || !r.Active:
		return ReasonReward
	case r.PointsCost != tok.Value:
		return ReasonRewardCost
	}
	return ""
}

func (e *Engine) adjudicate(ctx context.Context, accountID string, tok *model.RedemptionToken, now time.Time, v verdict) (*model.RedemptionOutcome, error) {
	var res *repository.AppendResult
	attempts := 0

	backoff := retry.WithMaxRetries(uint64(e.cfg.MaxAttempts-1),
		retry.WithJitterPercent(20,
			retry.WithCappedDuration(e.cfg.MaxBackoff, retry.NewExponential(e.cfg.Backoff))))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		acc, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		rec, fence := decide(acc, tok, now, v)

		// Last point where cancellation is honoured: once issued, the write may
		// already be durable, so it runs to completion.
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err = e.store.AppendIfAbsent(context.WithoutCancel(ctx), rec, fence)
		if errors.Is(err, repository.ErrVersionConflict) {
			e.logger.Debug("Version conflict, re-reading account",
				zap.String("account_id", accountID),
				zap.String("redemption_id", tok.Nonce),
				zap.Int("attempt", attempts))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, e.classify(err, accountID, tok.Nonce, attempts)
	}

	out := outcomeFor(res, accountID)
	e.publish(res)
	e.logger.Info("Redemption adjudicated",
		zap.String("account_id", accountID),
		zap.String("redemption_id", tok.Nonce),
		zap.String("merchant_id", tok.MerchantID),
		zap.String("status", string(out.Status)),
		zap.Bool("replayed", out.Replayed),
		zap.Int64("balance", out.Balance),
		zap.Int("attempts", attempts))
	return out, nil
}

// decide builds the record for the account state just read, and the version
// fence the write must hold under.
func decide(acc *model.Account, tok *model.RedemptionToken, now time.Time, v verdict) (model.TransactionRecord, int64) {
	rec := model.TransactionRecord{
		RedemptionID: tok.Nonce,
		AccountID:    acc.ID,
		MerchantID:   tok.MerchantID,
		Kind:         tok.Kind,
		Delta:        tok.Delta(),
		BalanceAfter: acc.Balance,
		RewardID:     tok.RewardID,
		Notes:        tok.Notes,
		CreatedAt:    now,
	}
	if v.status != "" {
		rec.Status, rec.Reason = v.status, v.reason
		return rec, repository.NoFence
	}

	delta := tok.Delta()
	if delta > 0 && acc.Balance > math.MaxInt64-delta {
		rec.Status, rec.Reason = model.StatusRejectedInvalid, ReasonOverflow
		return rec, acc.Version
	}
	next := acc.Balance + delta
	if next < 0 {
		rec.Status, rec.Reason = model.StatusRejectedInvalid, ReasonInsufficient
		return rec, acc.Version
	}
	rec.Status = model.StatusApplied
	rec.BalanceAfter = next
	return rec, acc.Version
}

func outcomeFor(res *repository.AppendResult, accountID string) *model.RedemptionOutcome {
	rec := res.Record
	out := &model.RedemptionOutcome{
		Status:       rec.Status,
		Reason:       rec.Reason,
		RedemptionID: rec.RedemptionID,
		Balance:      res.Account.Balance,
		Version:      res.Account.Version,
	}
	if res.Status == repository.Inserted {
		return out
	}

	out.Replayed = true
	if rec.Status == model.StatusApplied {
		out.Status, out.Reason = model.StatusRejectedDuplicate, ReasonDuplicate
	}
	if rec.AccountID != accountID {
		// Redeemed by someone else: their balance is none of this caller's business.
		out.Balance, out.Version = 0, 0
	}
	return out
}

func (e *Engine) classify(err error, accountID, redemptionID string, attempts int) error {
	fields := []zap.Field{
		zap.String("account_id", accountID),
		zap.String("redemption_id", redemptionID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		e.logger.Warn("Gave up after repeated version conflicts", fields...)
		return fmt.Errorf("%w: %d attempts: %w", ErrTransient, attempts, err)
	case errors.Is(err, repository.ErrStoreUnavailable):
		e.logger.Warn("Ledger store unavailable", fields...)
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		e.logger.Error("Redemption failed", fields...)
		return fmt.Errorf("redeem %s: %w", redemptionID, err)
	}
}

// publish is best effort: the record is already durable.
func (e *Engine) publish(res *repository.AppendResult) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(model.LedgerEvent{
		Record:    res.Record,
		Duplicate: res.Status == repository.AlreadyExists,
		At:        e.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(repository.TopicRecords, data); err != nil {
		e.logger.Warn("Failed to publish ledger event",
			zap.String("redemption_id", res.Record.RedemptionID),
			zap.Error(err))
	}
}

func (e *Engine) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidAccount
	}
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, transient(err)
	}
	return acc, nil
}

func (e *Engine) AccountHistory(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidAccount
	}
	recs, err := e.store.ListByAccount(ctx, accountID, q)
	if err != nil {
		return nil, transient(err)
	}
	return recs, nil
}

func (e *Engine) TransactionsBetween(ctx context.Context, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	recs, err := e.store.ListByTime(ctx, q)
	if err != nil {
		return nil, transient(err)
	}
	return recs, nil
}

// ActiveRewards lists the rewards spend tokens may currently pay for.
func (e *Engine) ActiveRewards(ctx context.Context) ([]model.Reward, error) {
	if e.rewards == nil {
		return []model.Reward{}, nil
	}
	return e.rewards.Active(), nil
}

// RewardHistory lists the records naming rewardID, rejected attempts included.
func (e *Engine) RewardHistory(ctx context.Context, rewardID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	if strings.TrimSpace(rewardID) == "" {
		return nil, ErrInvalidRequest
	}
	recs, err := e.store.ListByReward(ctx, rewardID, q)
	if err != nil {
		return nil, transient(err)
	}
	return recs, nil
}

func (e *Engine) AccountTotals(ctx context.Context, accountID string) (*model.PointTotals, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidAccount
	}
	totals, err := e.store.Totals(ctx, accountID)
	if err != nil {
		return nil, transient(err)
	}
	return totals, nil
}

func transient(err error) error {
	if errors.Is(err, repository.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
