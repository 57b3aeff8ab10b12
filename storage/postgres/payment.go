package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/web5fans/micro-pay/common"
	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

const uniqueViolation = "23505"

const paymentColumns = `id, sender, receiver, sender_did, receiver_did, category, platform_address_index,
	amount, info, status, tx_hash, created_at, updated_at`

func scanPayment(row pgx.Row) (*types.Payment, error) {
	var (
		p      types.Payment
		amount int64
		status string
	)
	err := row.Scan(&p.ID, &p.Sender, &p.Receiver, &p.SenderDID, &p.ReceiverDID, &p.Category,
		&p.PlatformAddressIndex, &amount, &p.Info, &status, &p.TxHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Amount = uint64(amount)
	p.Status = types.PaymentStatus(status)
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]types.Payment, error) {
	defer rows.Close()
	var out []types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) InsertPaymentTx(ctx context.Context, dbTx pgx.Tx, payment types.Payment) error {
	_, err := dbTx.Exec(ctx, `
		INSERT INTO payment (id, sender, receiver, sender_did, receiver_did, category,
			platform_address_index, amount, info, status, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		payment.ID, payment.Sender, payment.Receiver, payment.SenderDID, payment.ReceiverDID,
		payment.Category, payment.PlatformAddressIndex, int64(payment.Amount), payment.Info,
		string(payment.Status), payment.TxHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", types.ErrDuplicateActivePayment, pgErr.ConstraintName)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetPayment(ctx context.Context, id uuid.UUID) (*types.Payment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment WHERE id = $1`, id)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrPaymentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

func (p *PostgresBackend) GetPaymentsBySender(ctx context.Context, sender string, page storage.Page) ([]types.Payment, error) {
	orderBy, orderDirection := common.GetSortingCondition(page.Sort)
	query := fmt.Sprintf(`SELECT %s FROM payment WHERE sender = $1 ORDER BY %s %s LIMIT $2 OFFSET $3`,
		paymentColumns, orderBy, orderDirection)
	rows, err := p.pool.Query(ctx, query, sender, common.ClampLimit(page.Limit), max(page.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query payments by sender: %w", err)
	}
	return collectPayments(rows)
}

func (p *PostgresBackend) GetPaymentsByStatus(ctx context.Context, status types.PaymentStatus) ([]types.Payment, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payment WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query payments by status: %w", err)
	}
	return collectPayments(rows)
}

func (p *PostgresBackend) GetPaymentsByStatusBefore(ctx context.Context, status types.PaymentStatus, before time.Time) ([]types.Payment, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payment WHERE status = $1 AND created_at < $2 ORDER BY created_at`,
		string(status), before)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale payments: %w", err)
	}
	return collectPayments(rows)
}

func (p *PostgresBackend) GetActivePaymentsTx(ctx context.Context, dbTx pgx.Tx, sender string, senderDID *string) ([]types.Payment, error) {
	rows, err := dbTx.Query(ctx, `
		SELECT `+paymentColumns+` FROM payment
		WHERE status IN ('prepare', 'transfer')
		  AND (sender = $1 OR ($2::text IS NOT NULL AND sender_did = $2::text))
		FOR UPDATE`, sender, senderDID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active payments: %w", err)
	}
	return collectPayments(rows)
}

func (p *PostgresBackend) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to types.PaymentStatus) (int64, error) {
	return updatePaymentStatus(ctx, p.pool, id, from, to)
}

func (p *PostgresBackend) UpdatePaymentStatusTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID, from, to types.PaymentStatus) (int64, error) {
	return updatePaymentStatus(ctx, dbTx, id, from, to)
}

func updatePaymentStatus(ctx context.Context, q querier, id uuid.UUID, from, to types.PaymentStatus) (int64, error) {
	tag, err := q.Exec(ctx, `UPDATE payment SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return 0, fmt.Errorf("failed to update payment %s from %s to %s: %w", id, from, to, err)
	}
	return tag.RowsAffected(), nil
}
