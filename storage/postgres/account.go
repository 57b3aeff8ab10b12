package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/web5fans/micro-pay/common"
	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

const accountColumns = `id, payment_id, receiver, receiver_did, category, platform_address_indexes,
	amount, info, status, tx_hash, created_at, updated_at`

// Platform address indexes are stored comma-joined, e.g. "0,3,4".
func encodeIndexes(indexes []int) *string {
	if len(indexes) == 0 {
		return nil
	}
	parts := make([]string, len(indexes))
	for i, idx := range indexes {
		parts[i] = strconv.Itoa(idx)
	}
	s := strings.Join(parts, ",")
	return &s
}

func decodeIndexes(s *string) ([]int, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	parts := strings.Split(*s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid platform address index %q: %w", part, err)
		}
		out = append(out, idx)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (*types.Account, error) {
	var (
		a       types.Account
		indexes *string
		amount  int64
		status  string
	)
	err := row.Scan(&a.ID, &a.PaymentID, &a.Receiver, &a.ReceiverDID, &a.Category, &indexes,
		&amount, &a.Info, &status, &a.TxHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.PlatformAddressIndexes, err = decodeIndexes(indexes)
	if err != nil {
		return nil, err
	}
	a.Amount = uint64(amount)
	a.Status = types.AccountStatus(status)
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]types.Account, error) {
	defer rows.Close()
	var out []types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) InsertAccountTx(ctx context.Context, dbTx pgx.Tx, account types.Account) error {
	_, err := dbTx.Exec(ctx, `
		INSERT INTO account (id, payment_id, receiver, receiver_did, category,
			platform_address_indexes, amount, info, status, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		account.ID, account.PaymentID, account.Receiver, account.ReceiverDID, account.Category,
		encodeIndexes(account.PlatformAddressIndexes), int64(account.Amount), account.Info,
		string(account.Status), account.TxHash)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetAccountsByPayment(ctx context.Context, paymentID uuid.UUID) ([]types.Account, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+accountColumns+` FROM account WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by payment: %w", err)
	}
	return collectAccounts(rows)
}

func (p *PostgresBackend) GetAccountsByReceiver(ctx context.Context, receiver string, page storage.Page) ([]types.Account, error) {
	orderBy, orderDirection := common.GetSortingCondition(page.Sort)
	query := fmt.Sprintf(`SELECT %s FROM account WHERE receiver = $1 ORDER BY %s %s LIMIT $2 OFFSET $3`,
		accountColumns, orderBy, orderDirection)
	rows, err := p.pool.Query(ctx, query, receiver, common.ClampLimit(page.Limit), max(page.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by receiver: %w", err)
	}
	return collectAccounts(rows)
}

func (p *PostgresBackend) UpdateAccountsByPaymentTx(ctx context.Context, dbTx pgx.Tx, paymentID uuid.UUID, from, to types.AccountStatus) (int64, error) {
	tag, err := dbTx.Exec(ctx, `UPDATE account SET status = $3, updated_at = NOW() WHERE payment_id = $1 AND status = $2`,
		paymentID, string(from), string(to))
	if err != nil {
		return 0, fmt.Errorf("failed to update accounts of payment %s: %w", paymentID, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) GetCompleteAccountTotals(ctx context.Context) ([]types.ReceiverTotal, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT receiver, SUM(amount)::BIGINT, COUNT(*)
		FROM account
		WHERE status = 'complete'
		GROUP BY receiver
		ORDER BY receiver`)
	if err != nil {
		return nil, fmt.Errorf("failed to query complete account totals: %w", err)
	}
	defer rows.Close()

	var out []types.ReceiverTotal
	for rows.Next() {
		var (
			t     types.ReceiverTotal
			total int64
		)
		if err := rows.Scan(&t.Receiver, &total, &t.Count); err != nil {
			return nil, fmt.Errorf("failed to scan receiver total: %w", err)
		}
		t.Total = uint64(total)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ClaimCompleteAccountsTx(ctx context.Context, dbTx pgx.Tx, receiver string) ([]types.Account, error) {
	rows, err := dbTx.Query(ctx, `
		UPDATE account SET status = 'accounting', updated_at = NOW()
		WHERE receiver = $1 AND status = 'complete'
		RETURNING `+accountColumns, receiver)
	if err != nil {
		return nil, fmt.Errorf("failed to claim complete accounts: %w", err)
	}
	return collectAccounts(rows)
}

func (p *PostgresBackend) SetAccountsSettlementTx(ctx context.Context, dbTx pgx.Tx, ids []uuid.UUID, settlement types.Settlement) (int64, error) {
	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}
	tag, err := dbTx.Exec(ctx, `
		UPDATE account SET tx_hash = $2, platform_address_indexes = $3, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND status = 'accounting'`,
		idStrings, settlement.TxHash, encodeIndexes(settlement.PlatformAddressIndexes))
	if err != nil {
		return 0, fmt.Errorf("failed to record settlement %s: %w", settlement.TxHash, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) GetAccountingSettlements(ctx context.Context) ([]types.Settlement, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT tx_hash, MAX(platform_address_indexes)
		FROM account
		WHERE status = 'accounting' AND tx_hash IS NOT NULL
		GROUP BY tx_hash
		ORDER BY MIN(updated_at)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounting settlements: %w", err)
	}
	defer rows.Close()

	var out []types.Settlement
	for rows.Next() {
		var (
			s       types.Settlement
			indexes *string
		)
		if err := rows.Scan(&s.TxHash, &indexes); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		if s.PlatformAddressIndexes, err = decodeIndexes(indexes); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateAccountsBySettlementTx moves every account of a settlement. Moving back to
// complete detaches the accounts from the failed settlement.
func (p *PostgresBackend) UpdateAccountsBySettlementTx(ctx context.Context, dbTx pgx.Tx, txHash string, from, to types.AccountStatus) (int64, error) {
	query := `UPDATE account SET status = $3, updated_at = NOW() WHERE tx_hash = $1 AND status = $2`
	if to == types.AccountStatusComplete {
		query = `UPDATE account SET status = $3, tx_hash = NULL, platform_address_indexes = NULL, updated_at = NOW()
			WHERE tx_hash = $1 AND status = $2`
	}
	tag, err := dbTx.Exec(ctx, query, txHash, string(from), string(to))
	if err != nil {
		return 0, fmt.Errorf("failed to update accounts of settlement %s: %w", txHash, err)
	}
	return tag.RowsAffected(), nil
}
