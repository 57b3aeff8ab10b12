// Package reconcile drives payments and accounts towards their terminal states. Each
// loop is safe to run concurrently with itself and with the orchestrator: every mutation
// is a conditional update inside its own store transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/ledger"
	"github.com/web5fans/micro-pay/internal/pool"
	"github.com/web5fans/micro-pay/internal/txbuilder"
	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

type Config struct {
	CleanupTimeout    time.Duration
	MaxConcurrentJobs int
	MinWithdrawal     uint64
	Fee               uint64
	Reserve           uint64
}

type Reconciler struct {
	db      storage.DatabaseStorage
	pool    *pool.Pool
	builder *txbuilder.Builder
	client  ledger.Client
	stats   statsd.ClientInterface
	config  Config
	logger  *logrus.Logger
	now     func() time.Time
}

func New(db storage.DatabaseStorage, pool *pool.Pool, builder *txbuilder.Builder, client ledger.Client,
	stats statsd.ClientInterface, config Config, logger *logrus.Logger) (*Reconciler, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if pool == nil || builder == nil || client == nil {
		return nil, fmt.Errorf("pool, builder and ledger client are required")
	}
	if config.CleanupTimeout <= 0 {
		return nil, fmt.Errorf("cleanup timeout must be positive")
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = 1
	}
	if stats == nil {
		stats = &statsd.NoOpClient{}
	}
	return &Reconciler{
		db:      db,
		pool:    pool,
		builder: builder,
		client:  client,
		stats:   stats,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (r *Reconciler) handleRollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		r.logger.WithError(err).Error("failed to rollback transaction")
	}
}

// errorSet collects per-item failures so one bad item never stops a loop.
type errorSet struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorSet) add(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorSet) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

func (r *Reconciler) HandleCleanup(ctx context.Context, _ *asynq.Task) error {
	return r.CleanupTimeouts(ctx)
}

func (r *Reconciler) HandleChainCheck(ctx context.Context, _ *asynq.Task) error {
	return r.CheckChainStatus(ctx)
}

func (r *Reconciler) HandleAccounting(ctx context.Context, _ *asynq.Task) error {
	return r.SweepAccounting(ctx)
}

// CleanupTimeouts cancels payments that stayed in prepare longer than the timeout.
func (r *Reconciler) CleanupTimeouts(ctx context.Context) error {
	cutoff := r.now().Add(-r.config.CleanupTimeout)
	payments, err := r.db.GetPaymentsByStatusBefore(ctx, types.PaymentStatusPrepare, cutoff)
	if err != nil {
		return fmt.Errorf("failed to get stale payments: %w", err)
	}

	var errs errorSet
	cancelled := 0
	for _, p := range payments {
		moved, err := r.resolvePayment(ctx, p, types.PaymentStatusPrepare, types.PaymentStatusCancel)
		if err != nil {
			r.logger.WithError(err).WithField("payment_id", p.ID).Error("failed to cancel stale payment")
			errs.add(fmt.Errorf("payment %s: %w", p.ID, err))
			continue
		}
		if moved {
			cancelled++
		}
	}
	_ = r.stats.Count("micropay.reconcile.timed_out", int64(cancelled), nil, 1)
	r.logger.WithFields(logrus.Fields{"stale": len(payments), "cancelled": cancelled}).Info("timeout cleanup completed")
	return errs.err()
}

// resolvePayment moves a payment out of from, releases its address and mirrors the
// outcome onto its accounts. It reports false when the payment had already left from.
func (r *Reconciler) resolvePayment(ctx context.Context, p types.Payment, from, to types.PaymentStatus) (bool, error) {
	accountStatus := types.AccountStatusCancel
	if to == types.PaymentStatusComplete {
		accountStatus = types.AccountStatusComplete
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.handleRollback(ctx, tx)

	n, err := r.db.UpdatePaymentStatusTx(ctx, tx, p.ID, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to update payment status: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := r.pool.ReleaseTx(ctx, tx, p.PlatformAddressIndex); err != nil {
		return false, fmt.Errorf("failed to release platform address: %w", err)
	}
	if _, err := r.db.UpdateAccountsByPaymentTx(ctx, tx, p.ID, types.AccountStatusPrepare, accountStatus); err != nil {
		return false, fmt.Errorf("failed to update accounts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"payment_id":     p.ID,
		"platform_index": p.PlatformAddressIndex,
		"status":         to,
	}).Info("payment resolved")
	return true, nil
}
