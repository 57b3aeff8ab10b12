package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/ledger"
	"github.com/web5fans/micro-pay/internal/types"
)

// SweepAccounting pays out every receiver whose complete accounts add up to at least the
// minimum withdrawal, one settlement transaction per receiver.
func (r *Reconciler) SweepAccounting(ctx context.Context) error {
	totals, err := r.db.GetCompleteAccountTotals(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account totals: %w", err)
	}

	var errs errorSet
	settled := 0
	for _, t := range totals {
		logger := r.logger.WithFields(logrus.Fields{"receiver": t.Receiver, "total": t.Total, "accounts": t.Count})
		if t.Total < r.config.MinWithdrawal {
			logger.Debug("below minimum withdrawal, skipping")
			continue
		}
		hash, err := r.settle(ctx, t.Receiver)
		if err != nil {
			logger.WithError(err).Error("failed to settle receiver")
			errs.add(fmt.Errorf("receiver %s: %w", t.Receiver, err))
			continue
		}
		if hash == "" {
			continue
		}
		settled++
		logger.WithField("tx_hash", hash).Info("settlement broadcast")
	}
	_ = r.stats.Count("micropay.reconcile.settlements_sent", int64(settled), nil, 1)
	r.logger.WithFields(logrus.Fields{"receivers": len(totals), "settled": settled}).Info("accounting sweep completed")
	return errs.err()
}

// settle records one receiver's settlement in a single store transaction and broadcasts
// it only after commit. A failure before commit rolls back the account claim together
// with every address claimed on the way. A failed broadcast leaves the accounts in
// accounting; the chain check finds the hash unknown and returns them to complete.
func (r *Reconciler) settle(ctx context.Context, receiver string) (string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.handleRollback(ctx, tx)

	accounts, err := r.db.ClaimCompleteAccountsTx(ctx, tx, receiver)
	if err != nil {
		return "", fmt.Errorf("failed to claim accounts: %w", err)
	}
	if len(accounts) == 0 {
		// Another sweep got here first.
		return "", nil
	}
	var total uint64
	ids := make([]uuid.UUID, 0, len(accounts))
	for _, a := range accounts {
		total += a.Amount
		ids = append(ids, a.ID)
	}

	platforms, idle, platformTotal, err := r.claimFunding(ctx, tx, total+r.config.Fee)
	if err != nil {
		return "", err
	}
	for _, index := range idle {
		if err := r.pool.ReleaseTx(ctx, tx, index); err != nil {
			return "", fmt.Errorf("failed to release platform address %d: %w", index, err)
		}
	}

	settlement, err := r.builder.BuildSettlement(ctx, receiver, platforms, total, platformTotal)
	if err != nil {
		return "", err
	}
	hash := ledger.HashHex(settlement.Hash)
	indexes := make([]int, 0, len(platforms))
	for _, p := range platforms {
		indexes = append(indexes, p.DerivationIndex)
	}

	n, err := r.db.SetAccountsSettlementTx(ctx, tx, ids, types.Settlement{TxHash: hash, PlatformAddressIndexes: indexes})
	if err != nil {
		return "", fmt.Errorf("failed to record settlement: %w", err)
	}
	if n != int64(len(ids)) {
		return "", fmt.Errorf("%w: recorded settlement on %d of %d accounts", types.ErrStateMismatch, n, len(ids))
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit settlement %s: %w", hash, err)
	}

	if _, err := r.client.Send(ctx, settlement.Tx); err != nil {
		r.logger.WithError(err).WithField("tx_hash", hash).Warn("settlement recorded but not broadcast, chain check will release it")
		return "", fmt.Errorf("failed to broadcast settlement %s: %w", hash, err)
	}
	return hash, nil
}

// claimFunding claims free platform addresses until their balance above the reserve
// covers need. Addresses with nothing above the reserve come back as idle; they stay
// claimed until the loop ends so it does not pick them twice.
func (r *Reconciler) claimFunding(ctx context.Context, tx pgx.Tx, need uint64) ([]types.PlatformAddress, []int, uint64, error) {
	var (
		platforms []types.PlatformAddress
		idle      []int
		available uint64
	)
	for available < need {
		a, err := r.pool.ClaimTx(ctx, tx)
		if err != nil {
			return nil, nil, 0, err
		}
		if a == nil {
			return nil, nil, 0, fmt.Errorf("%w: claimed %d addresses holding %d shannons, need %d",
				types.ErrNoAvailablePlatformAddress, len(platforms), available, need)
		}
		balance, err := r.client.Balance(ctx, a.Address)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to get balance of platform address %d: %w", a.DerivationIndex, err)
		}
		if balance <= r.config.Reserve {
			idle = append(idle, a.DerivationIndex)
			continue
		}
		platforms = append(platforms, *a)
		available += balance - r.config.Reserve
	}
	return platforms, idle, available, nil
}
