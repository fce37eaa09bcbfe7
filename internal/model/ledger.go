package model

import "time"

// Kind distinguishes tokens that add points from tokens that pay with them.
type Kind string

const (
	KindEarn  Kind = "earn"
	KindSpend Kind = "spend"
)

func (k Kind) Valid() bool {
	return k == KindEarn || k == KindSpend
}

// Status is the adjudicated result of a redemption attempt.
type Status string

const (
	StatusApplied           Status = "applied"
	StatusRejectedDuplicate Status = "rejected-duplicate"
	StatusRejectedExpired   Status = "rejected-expired"
	StatusRejectedInvalid   Status = "rejected-invalid"
	// StatusTransient is only ever sent over the wire, it is never recorded.
	StatusTransient Status = "transient"
)

// Terminal reports whether the status is a durable decision.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusRejectedDuplicate, StatusRejectedExpired, StatusRejectedInvalid:
		return true
	}
	return false
}

type Account struct {
	ID        string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedemptionToken is the verified payload of a scanned QR code.
type RedemptionToken struct {
	MerchantID string    `json:"merchant_id"`
	KeyID      string    `json:"key_id"`
	Kind       Kind      `json:"kind"`
	Value      int64     `json:"value"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Nonce      string    `json:"nonce"`
	RewardID   string    `json:"reward_id,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// Delta returns the signed balance change the token asks for.
func (t RedemptionToken) Delta() int64 {
	if t.Kind == KindSpend {
		return -t.Value
	}
	return t.Value
}

// TransactionRecord is the immutable audit entry for one adjudicated redemption.
type TransactionRecord struct {
	RedemptionID string    `json:"redemption_id"`
	AccountID    string    `json:"account_id"`
	MerchantID   string    `json:"merchant_id"`
	Kind         Kind      `json:"kind"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	RewardID     string    `json:"reward_id,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedemptionOutcome is what a caller of SubmitToken gets back.
type RedemptionOutcome struct {
	Status       Status `json:"status"`
	Balance      int64  `json:"balance"`
	Version      int64  `json:"version"`
	Reason       string `json:"reason,omitempty"`
	RedemptionID string `json:"redemption_id,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// HistoryQuery bounds a history read. Zero From/To mean unbounded.
type HistoryQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// Normalize clamps the limit into [1, MaxHistoryLimit].
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	return q
}

// Contains reports whether t falls within [From, To].
func (q HistoryQuery) Contains(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.After(q.To) {
		return false
	}
	return true
}

type SubmitRequest struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token"`
}

// LedgerEvent is published on the message bus after every adjudication.
type LedgerEvent struct {
	Record    TransactionRecord `json:"record"`
	Duplicate bool              `json:"duplicate"`
	At        time.Time         `json:"at"`
}

// Reward is a catalog entry a spend token can pay for.
type Reward struct {
	ID          string `json:"reward_id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	PointsCost  int64  `json:"points_cost" yaml:"points_cost"`
	Active      bool   `json:"active" yaml:"active"`
}

// PointTotals sums the applied records of one account.
type PointTotals struct {
	AccountID string `json:"account_id"`
	Earned    int64  `json:"earned"`
	Redeemed  int64  `json:"redeemed"`
	Balance   int64  `json:"balance"`
}
