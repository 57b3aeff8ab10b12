package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/web5fans/micro-pay/internal/types"
)

const platformAddressColumns = `id, address, derivation_index, is_used, created_at, updated_at`

func scanPlatformAddress(row pgx.Row) (*types.PlatformAddress, error) {
	var a types.PlatformAddress
	if err := row.Scan(&a.ID, &a.Address, &a.DerivationIndex, &a.IsUsed, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertPlatformAddress is idempotent on derivation index: an existing row is returned unchanged.
func (p *PostgresBackend) InsertPlatformAddress(ctx context.Context, addr types.PlatformAddress) (*types.PlatformAddress, error) {
	if addr.ID == uuid.Nil {
		addr.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO platform_address (id, address, derivation_index, is_used)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (derivation_index) DO NOTHING`,
		addr.ID, addr.Address, addr.DerivationIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to insert platform address %d: %w", addr.DerivationIndex, err)
	}

	row := p.pool.QueryRow(ctx, `SELECT `+platformAddressColumns+` FROM platform_address WHERE derivation_index = $1`, addr.DerivationIndex)
	stored, err := scanPlatformAddress(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get platform address %d: %w", addr.DerivationIndex, err)
	}
	return stored, nil
}

func (p *PostgresBackend) GetPlatformAddresses(ctx context.Context) ([]types.PlatformAddress, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+platformAddressColumns+` FROM platform_address ORDER BY derivation_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to query platform addresses: %w", err)
	}
	defer rows.Close()

	var out []types.PlatformAddress
	for rows.Next() {
		a, err := scanPlatformAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan platform address: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ClaimPlatformAddress(ctx context.Context) (*types.PlatformAddress, error) {
	return claimPlatformAddress(ctx, p.pool)
}

func (p *PostgresBackend) ClaimPlatformAddressTx(ctx context.Context, dbTx pgx.Tx) (*types.PlatformAddress, error) {
	return claimPlatformAddress(ctx, dbTx)
}

// claimPlatformAddress flips one free row in a single statement. SKIP LOCKED keeps
// concurrent claimers from queueing behind each other on the same row.
func claimPlatformAddress(ctx context.Context, q querier) (*types.PlatformAddress, error) {
	row := q.QueryRow(ctx, `
		UPDATE platform_address SET is_used = true, updated_at = NOW()
		WHERE id = (
			SELECT id FROM platform_address
			WHERE is_used = false
			ORDER BY derivation_index
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+platformAddressColumns)
	a, err := scanPlatformAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim platform address: %w", err)
	}
	return a, nil
}

func (p *PostgresBackend) ReleasePlatformAddress(ctx context.Context, index int) error {
	return releasePlatformAddress(ctx, p.pool, index)
}

func (p *PostgresBackend) ReleasePlatformAddressTx(ctx context.Context, dbTx pgx.Tx, index int) error {
	return releasePlatformAddress(ctx, dbTx, index)
}

func releasePlatformAddress(ctx context.Context, q querier, index int) error {
	_, err := q.Exec(ctx, `UPDATE platform_address SET is_used = false, updated_at = NOW() WHERE derivation_index = $1`, index)
	if err != nil {
		return fmt.Errorf("failed to release platform address %d: %w", index, err)
	}
	return nil
}
