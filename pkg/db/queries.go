// Package db provides sqlite persistence for credentials, positions,
// execution records and reconciliation checkpoints.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicateExecution = errors.New("execution already recorded")
)

// Queries bundles the hand-written SQL for all core tables.
type Queries struct {
	db *sql.DB
}

// ----------------------------------------
// Credential queries
// ----------------------------------------

// GetCredential returns the credential for an account.
func (q *Queries) GetCredential(ctx context.Context, accountID int64) (*Credential, error) {
	var c Credential
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, exchange, api_key, api_secret, COALESCE(passphrase, ''),
		       testnet, COALESCE(version, 1), is_active, updated_at
		FROM credentials
		WHERE account_id = ?
	`, accountID).Scan(&c.AccountID, &c.Exchange, &c.APIKey, &c.APISecret, &c.Passphrase,
		&c.Testnet, &c.Version, &c.Active, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// ListActiveAccounts returns the ids of all accounts with active credentials.
func (q *Queries) ListActiveAccounts(ctx context.Context) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT account_id FROM credentials WHERE is_active = 1 ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active accounts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertCredential stores a credential, bumping its version when the key
// material changed so pooled clients get recreated.
func (q *Queries) UpsertCredential(ctx context.Context, c Credential) error {
	version := c.Version
	if version < 1 {
		version = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credentials (account_id, exchange, api_key, api_secret, passphrase, testnet, version, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			exchange = excluded.exchange,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			passphrase = excluded.passphrase,
			testnet = excluded.testnet,
			version = credentials.version + 1,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, c.AccountID, c.Exchange, c.APIKey, c.APISecret, c.Passphrase, c.Testnet, version, c.Active)
	return err
}

// SetAccountActive flips an account's active flag.
func (q *Queries) SetAccountActive(ctx context.Context, accountID int64, active bool) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE account_id = ?
	`, active, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// GetPosition returns the ledger entry for (account, symbol); a zero-value
// position when none exists yet.
func (q *Queries) GetPosition(ctx context.Context, accountID int64, symbol string) (Position, error) {
	var p Position
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, symbol, qty, avg_price, realized_pnl, COALESCE(last_execution_id, ''), updated_at
		FROM positions
		WHERE account_id = ? AND symbol = ?
	`, accountID, symbol).Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &p.LastExecutionID, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return Position{AccountID: accountID, Symbol: symbol}, nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// ListPositionsByAccount returns all ledger entries for one account.
func (q *Queries) ListPositionsByAccount(ctx context.Context, accountID int64) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT account_id, symbol, qty, avg_price, realized_pnl, COALESCE(last_execution_id, ''), updated_at
		FROM positions
		WHERE account_id = ?
		ORDER BY symbol
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &p.LastExecutionID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ----------------------------------------
// Execution queries
// ----------------------------------------

// ExecutionExists reports whether a fill was already recorded for this
// account. This is the replay-idempotence check.
func (q *Queries) ExecutionExists(ctx context.Context, accountID int64, exchangeOrderID string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, `
		SELECT 1 FROM executions WHERE account_id = ? AND exchange_order_id = ?
	`, accountID, exchangeOrderID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query execution: %w", err)
	}
	return true, nil
}

// RecordExecution atomically inserts the execution record and upserts the
// resulting position. The unique (account_id, exchange_order_id) index
// turns a replayed fill into ErrDuplicateExecution with no ledger change.
func (q *Queries) RecordExecution(ctx context.Context, e Execution, p Position) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, account_id, exchange_order_id, symbol, side, qty,
			avg_fill_price, fees, realized_pnl, pnl_method, resulting_qty, raw_payload,
			executed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, e.ID, e.AccountID, e.ExchangeOrderID, e.Symbol, e.Side, e.Quantity,
		e.AvgFillPrice, e.Fees, e.RealizedPnL, e.PnLMethod, e.ResultingQty, e.RawPayload,
		e.ExecutedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExecution
		}
		return fmt.Errorf("insert execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (account_id, symbol, qty, avg_price, realized_pnl, last_execution_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			last_execution_id = excluded.last_execution_id,
			updated_at = CURRENT_TIMESTAMP
	`, p.AccountID, p.Symbol, p.Qty, p.AvgPrice, p.RealizedPnL, p.LastExecutionID)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}

	return tx.Commit()
}

// ListExecutionsByAccount returns the newest execution records first.
func (q *Queries) ListExecutionsByAccount(ctx context.Context, accountID int64, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, exchange_order_id, symbol, side, qty, avg_fill_price,
		       fees, realized_pnl, pnl_method, resulting_qty, COALESCE(raw_payload, ''),
		       executed_at, recorded_at
		FROM executions
		WHERE account_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ExchangeOrderID, &e.Symbol, &e.Side,
			&e.Quantity, &e.AvgFillPrice, &e.Fees, &e.RealizedPnL, &e.PnLMethod,
			&e.ResultingQty, &e.RawPayload, &e.ExecutedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ----------------------------------------
// Checkpoint queries
// ----------------------------------------

// GetCheckpoint returns an account's reconciliation watermark; zero when
// the account has never been reconciled.
func (q *Queries) GetCheckpoint(ctx context.Context, accountID int64) (Checkpoint, error) {
	var cp Checkpoint
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, last_fill_at, updated_at FROM checkpoints WHERE account_id = ?
	`, accountID).Scan(&cp.AccountID, &cp.LastFillAt, &cp.UpdatedAt)

	if err == sql.ErrNoRows {
		return Checkpoint{AccountID: accountID}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("query checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceCheckpoint moves the watermark forward. It never moves backwards,
// so a concurrent manual resync cannot regress the scheduled poll.
func (q *Queries) AdvanceCheckpoint(ctx context.Context, accountID, lastFillAt int64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO checkpoints (account_id, last_fill_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			last_fill_at = MAX(checkpoints.last_fill_at, excluded.last_fill_at),
			updated_at = CURRENT_TIMESTAMP
	`, accountID, lastFillAt)
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
