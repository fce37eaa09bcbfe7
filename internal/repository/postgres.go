package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pointbrew/internal/model"
)

const (
	pgCheckViolation = "23514"

	recordColumns = `redemption_id, account_id, merchant_id, kind, delta, balance_after, status, reason, reward_id, notes, created_at`

	accountColumns = `id, balance, version, created_at, updated_at`

	insertRecordSQL = `
		INSERT INTO transactions (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (redemption_id) DO NOTHING`
)

// PostgresStore is the durable ledger. Redemption id uniqueness is the
// transactions primary key; the account version is checked in the UPDATE.
type PostgresStore struct {
	dbPool *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{dbPool: db}
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	_, err := s.dbPool.Exec(ctx,
		`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, accountID)
	if err != nil {
		return nil, unavailable(err)
	}

	var acc model.Account
	err = s.dbPool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID,
	).Scan(accountDest(&acc)...)
	if err != nil {
		return nil, unavailable(err)
	}
	return &acc, nil
}

func (s *PostgresStore) AppendIfAbsent(ctx context.Context, rec model.TransactionRecord, expectedVersion int64) (*AppendResult, error) {
	tx, err := s.dbPool.Begin(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A concurrent insert of the same id blocks here until the other
	// transaction finishes, then either inserts or sees its row.
	tag, err := tx.Exec(ctx, insertRecordSQL, recordArgs(rec)...)
	if err != nil {
		return nil, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM transactions WHERE redemption_id = $1`, rec.RedemptionID))
		if err != nil {
			return nil, unavailable(err)
		}
		acc, err := readAccount(ctx, tx, existing.AccountID)
		if err != nil {
			return nil, err
		}
		return &AppendResult{Status: AlreadyExists, Record: *existing, Account: *acc}, nil
	}

	var acc model.Account
	switch {
	case rec.Status == model.StatusApplied:
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, rec.AccountID); err != nil {
			return nil, unavailable(err)
		}
		err = tx.QueryRow(ctx, `
			UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND ($4::bigint < 0 OR version = $4)
			RETURNING `+accountColumns,
			rec.BalanceAfter, rec.CreatedAt, rec.AccountID, expectedVersion,
		).Scan(accountDest(&acc)...)
	case expectedVersion != NoFence:
		// The rejection was decided on a balance read at expectedVersion.
		err = tx.QueryRow(ctx, `
			SELECT `+accountColumns+` FROM accounts
			WHERE id = $1 AND version = $2 FOR SHARE`,
			rec.AccountID, expectedVersion,
		).Scan(accountDest(&acc)...)
	default:
		var read *model.Account
		if read, err = readAccount(ctx, tx, rec.AccountID); err == nil {
			acc = *read
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return nil, ErrNegativeBalance
		}
		return nil, unavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable(err)
	}
	return &AppendResult{Status: Inserted, Record: rec, Account: acc}, nil
}

// Archive stores a record produced elsewhere (the Redis hot path) for audit
// export. Replays are absorbed by the primary key.
func (s *PostgresStore) Archive(ctx context.Context, rec model.TransactionRecord) error {
	if _, err := s.dbPool.Exec(ctx, insertRecordSQL, recordArgs(rec)...); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, redemptionID string) (*model.TransactionRecord, error) {
	rec, err := scanRecord(s.dbPool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM transactions WHERE redemption_id = $1`, redemptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	q = q.Normalize()
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM transactions
		WHERE account_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at, redemption_id
		LIMIT $4`,
		accountID, nullTime(q.From), nullTime(q.To), q.Limit)
}

func (s *PostgresStore) ListByTime(ctx context.Context, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	q = q.Normalize()
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM transactions
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at, redemption_id
		LIMIT $3`,
		nullTime(q.From), nullTime(q.To), q.Limit)
}

func (s *PostgresStore) ListByReward(ctx context.Context, rewardID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	q = q.Normalize()
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM transactions
		WHERE reward_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at, redemption_id
		LIMIT $4`,
		rewardID, nullTime(q.From), nullTime(q.To), q.Limit)
}

func (s *PostgresStore) Totals(ctx context.Context, accountID string) (*model.PointTotals, error) {
	t := &model.PointTotals{AccountID: accountID}
	err := s.dbPool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(delta) FILTER (WHERE kind = 'earn'), 0)::bigint,
			COALESCE(-SUM(delta) FILTER (WHERE kind = 'spend'), 0)::bigint,
			COALESCE((SELECT balance FROM accounts WHERE id = $1), 0)
		FROM transactions
		WHERE account_id = $1 AND status = 'applied'`,
		accountID,
	).Scan(&t.Earned, &t.Redeemed, &t.Balance)
	if err != nil {
		return nil, unavailable(err)
	}
	return t, nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]model.TransactionRecord, error) {
	rows, err := s.dbPool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := make([]model.TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// readAccount tolerates a missing row: a record can exist for an account the
// ledger never touched, e.g. one that was only ever rejected.
func readAccount(ctx context.Context, tx pgx.Tx, accountID string) (*model.Account, error) {
	acc := model.Account{ID: accountID}
	err := tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID,
	).Scan(accountDest(&acc)...)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable(err)
	}
	return &acc, nil
}

func accountDest(acc *model.Account) []any {
	return []any{&acc.ID, &acc.Balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt}
}

func recordArgs(rec model.TransactionRecord) []any {
	return []any{
		rec.RedemptionID, rec.AccountID, rec.MerchantID, string(rec.Kind), rec.Delta,
		rec.BalanceAfter, string(rec.Status), rec.Reason, rec.RewardID, rec.Notes, rec.CreatedAt,
	}
}

func scanRecord(row pgx.Row) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	var kind, status string
	err := row.Scan(&rec.RedemptionID, &rec.AccountID, &rec.MerchantID, &kind, &rec.Delta,
		&rec.BalanceAfter, &status, &rec.Reason, &rec.RewardID, &rec.Notes, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = model.Kind(kind)
	rec.Status = model.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
