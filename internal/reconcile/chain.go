package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/web5fans/micro-pay/internal/ledger"
	"github.com/web5fans/micro-pay/internal/types"
)

// CheckChainStatus settles broadcast payments and settlements according to what the
// ledger reports for their hashes. Pending and proposed hashes are left for the next run.
func (r *Reconciler) CheckChainStatus(ctx context.Context) error {
	payments, err := r.db.GetPaymentsByStatus(ctx, types.PaymentStatusTransfer)
	if err != nil {
		return fmt.Errorf("failed to get transferring payments: %w", err)
	}
	settlements, err := r.db.GetAccountingSettlements(ctx)
	if err != nil {
		return fmt.Errorf("failed to get settlements: %w", err)
	}

	var errs errorSet
	sem := semaphore.NewWeighted(int64(r.config.MaxConcurrentJobs))
	var wg sync.WaitGroup
	var eg errgroup.Group
	for _, p := range payments {
		wg.Add(1)
		payment := p
		eg.Go(func() error {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("failed to acquire semaphore: %w", err)
			}
			defer sem.Release(1)
			if err := r.checkPayment(ctx, payment); err != nil {
				r.logger.WithError(err).WithField("payment_id", payment.ID).Error("failed to check payment")
				errs.add(fmt.Errorf("payment %s: %w", payment.ID, err))
			}
			return nil
		})
	}
	for _, s := range settlements {
		wg.Add(1)
		settlement := s
		eg.Go(func() error {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("failed to acquire semaphore: %w", err)
			}
			defer sem.Release(1)
			if err := r.checkSettlement(ctx, settlement); err != nil {
				r.logger.WithError(err).WithField("tx_hash", settlement.TxHash).Error("failed to check settlement")
				errs.add(fmt.Errorf("settlement %s: %w", settlement.TxHash, err))
			}
			return nil
		})
	}
	wg.Wait()
	if err := eg.Wait(); err != nil {
		errs.add(err)
	}

	r.logger.WithFields(logrus.Fields{
		"payments":    len(payments),
		"settlements": len(settlements),
	}).Info("chain status check completed")
	return errs.err()
}

func (r *Reconciler) checkPayment(ctx context.Context, p types.Payment) error {
	if p.TxHash == nil {
		return fmt.Errorf("%w: payment has no transaction hash", types.ErrInternal)
	}
	hash, err := ledger.ParseHash(*p.TxHash)
	if err != nil {
		return err
	}
	status, err := r.client.Status(ctx, hash)
	if err != nil {
		return err
	}

	var to types.PaymentStatus
	switch status {
	case ledger.StatusCommitted:
		to = types.PaymentStatusComplete
	case ledger.StatusRejected:
		to = types.PaymentStatusCancel
	default:
		return nil
	}
	moved, err := r.resolvePayment(ctx, p, types.PaymentStatusTransfer, to)
	if err != nil {
		return err
	}
	if moved {
		_ = r.stats.Incr("micropay.reconcile.payment", []string{"status:" + string(to)}, 1)
	}
	return nil
}

// checkSettlement finalises a committed settlement or hands its accounts back to the
// sweep. In both cases the platform addresses it spent are released.
func (r *Reconciler) checkSettlement(ctx context.Context, s types.Settlement) error {
	hash, err := ledger.ParseHash(s.TxHash)
	if err != nil {
		return err
	}
	status, err := r.client.Status(ctx, hash)
	if err != nil {
		return err
	}

	var to types.AccountStatus
	switch status {
	case ledger.StatusCommitted:
		to = types.AccountStatusAccounted
	case ledger.StatusRejected, ledger.StatusUnknown:
		to = types.AccountStatusComplete
	default:
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.handleRollback(ctx, tx)

	n, err := r.db.UpdateAccountsBySettlementTx(ctx, tx, s.TxHash, types.AccountStatusAccounting, to)
	if err != nil {
		return fmt.Errorf("failed to update accounts: %w", err)
	}
	if n == 0 {
		return nil
	}
	for _, index := range s.PlatformAddressIndexes {
		if err := r.pool.ReleaseTx(ctx, tx, index); err != nil {
			return fmt.Errorf("failed to release platform address %d: %w", index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	_ = r.stats.Incr("micropay.reconcile.settlement", []string{"status:" + string(to)}, 1)
	r.logger.WithFields(logrus.Fields{
		"tx_hash":  s.TxHash,
		"accounts": n,
		"status":   to,
	}).Info("settlement resolved")
	return nil
}
