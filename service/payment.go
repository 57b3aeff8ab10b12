package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/ledger"
	"github.com/web5fans/micro-pay/internal/pool"
	"github.com/web5fans/micro-pay/internal/txbuilder"
	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

type Payment interface {
	PreparePayment(ctx context.Context, req types.PrepareRequest) (*types.PrepareResult, error)
	CompleteTransfer(ctx context.Context, req types.TransferRequest) (*types.TransferResult, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*types.PaymentWithAccounts, error)
	GetPaymentsBySender(ctx context.Context, sender string, page storage.Page) ([]types.Payment, error)
	GetAccountsByReceiver(ctx context.Context, receiver string, page storage.Page) ([]types.Account, error)
}

var _ Payment = (*PaymentService)(nil)

type PaymentService struct {
	db      storage.DatabaseStorage
	pool    *pool.Pool
	builder *txbuilder.Builder
	client  ledger.Client
	stats   statsd.ClientInterface
	reserve uint64
	logger  *logrus.Logger
}

func NewPaymentService(db storage.DatabaseStorage, pool *pool.Pool, builder *txbuilder.Builder, client ledger.Client,
	stats statsd.ClientInterface, reserve uint64, logger *logrus.Logger) (*PaymentService, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	if pool == nil || builder == nil || client == nil {
		return nil, fmt.Errorf("pool, builder and ledger client are required")
	}
	if stats == nil {
		stats = &statsd.NoOpClient{}
	}
	return &PaymentService{
		db:      db,
		pool:    pool,
		builder: builder,
		client:  client,
		stats:   stats,
		reserve: reserve,
		logger:  logger,
	}, nil
}

func (s *PaymentService) handleRollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.WithError(err).Error("failed to rollback transaction")
	}
}

func (s *PaymentService) validate(req types.PrepareRequest) error {
	if req.Sender == "" || req.Receiver == "" {
		return types.Validationf("sender and receiver are required")
	}
	if req.Amount == 0 {
		return types.Validationf("amount must be positive")
	}
	if limit := s.builder.MaxAmount(); req.Amount > limit {
		return types.Validationf("amount %d exceeds the limit of %d shannons", req.Amount, limit)
	}
	if _, err := s.client.LockScript(req.Sender); err != nil {
		return err
	}
	if _, err := s.client.LockScript(req.Receiver); err != nil {
		return err
	}
	for _, split := range req.Splits {
		if _, err := s.client.LockScript(split.Address); err != nil {
			return err
		}
	}
	return validateSplits(req.Splits)
}

// PreparePayment supersedes, claims, builds and records in one store transaction, so a
// failure at any step leaves the sender's earlier payment and the pool untouched.
func (s *PaymentService) PreparePayment(ctx context.Context, req types.PrepareRequest) (*types.PrepareResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(logrus.Fields{"sender": req.Sender, "receiver": req.Receiver, "amount": req.Amount})

	balance, err := s.client.Balance(ctx, req.Sender)
	if err != nil {
		return nil, fmt.Errorf("failed to get sender balance: %w", err)
	}
	if balance < req.Amount+s.reserve {
		return nil, fmt.Errorf("%w: sender holds %d shannons, needs %d", types.ErrInsufficientBalance, balance, req.Amount+s.reserve)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.handleRollback(ctx, tx)

	superseded, err := s.supersedeTx(ctx, tx, req.Sender, req.SenderDID)
	if err != nil {
		return nil, err
	}

	platform, err := s.pool.ClaimTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if platform == nil {
		_ = s.stats.Incr("micropay.payment.rejected", []string{"reason:pool_exhausted"}, 1)
		return nil, types.ErrNoAvailablePlatformAddress
	}

	result, err := s.prepareTx(ctx, tx, req, *platform)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, id := range superseded {
		logger.WithField("payment_id", id).Info("payment superseded")
	}
	if len(superseded) > 0 {
		_ = s.stats.Count("micropay.payment.superseded", int64(len(superseded)), nil, 1)
	}
	_ = s.stats.Incr("micropay.payment.prepared", nil, 1)
	logger.WithFields(logrus.Fields{
		"payment_id":     result.PaymentID,
		"platform_index": platform.DerivationIndex,
		"tx_hash":        result.TxHash,
	}).Info("payment prepared")
	return result, nil
}

// supersedeTx cancels the sender's payments still waiting for a signature. A payment that
// is already being broadcast cannot be replaced.
func (s *PaymentService) supersedeTx(ctx context.Context, tx pgx.Tx, sender string, senderDID *string) ([]uuid.UUID, error) {
	active, err := s.db.GetActivePaymentsTx(ctx, tx, sender, senderDID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active payments: %w", err)
	}
	for _, p := range active {
		if p.Status == types.PaymentStatusTransfer {
			return nil, fmt.Errorf("%w: payment %s is being transferred", types.ErrDuplicateActivePayment, p.ID)
		}
	}
	ids := make([]uuid.UUID, 0, len(active))
	for _, p := range active {
		if err := s.cancelTx(ctx, tx, p); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (s *PaymentService) cancelTx(ctx context.Context, tx pgx.Tx, p types.Payment) error {
	n, err := s.db.UpdatePaymentStatusTx(ctx, tx, p.ID, types.PaymentStatusPrepare, types.PaymentStatusCancel)
	if err != nil {
		return fmt.Errorf("failed to cancel payment: %w", err)
	}
	if n == 0 {
		// A concurrent prepare or transfer for this sender got there first.
		return fmt.Errorf("%w: payment %s changed concurrently", types.ErrDuplicateActivePayment, p.ID)
	}
	if err := s.pool.ReleaseTx(ctx, tx, p.PlatformAddressIndex); err != nil {
		return fmt.Errorf("failed to release platform address: %w", err)
	}
	if _, err := s.db.UpdateAccountsByPaymentTx(ctx, tx, p.ID, types.AccountStatusPrepare, types.AccountStatusCancel); err != nil {
		return fmt.Errorf("failed to cancel accounts: %w", err)
	}
	return nil
}

func (s *PaymentService) prepareTx(ctx context.Context, tx pgx.Tx, req types.PrepareRequest, platform types.PlatformAddress) (*types.PrepareResult, error) {
	transfer, err := s.builder.BuildTransfer(ctx, req.Sender, platform, req.Amount)
	if err != nil {
		return nil, err
	}
	hash := ledger.HashHex(transfer.Hash)

	payment := types.Payment{
		ID:                   uuid.New(),
		Sender:               req.Sender,
		Receiver:             req.Receiver,
		SenderDID:            req.SenderDID,
		ReceiverDID:          req.ReceiverDID,
		Category:             req.Category,
		PlatformAddressIndex: platform.DerivationIndex,
		Amount:               req.Amount,
		Info:                 req.Info,
		Status:               types.PaymentStatusPrepare,
		TxHash:               &hash,
	}
	if err := s.db.InsertPaymentTx(ctx, tx, payment); err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}
	for _, share := range Shares(req.Amount, req.Receiver, req.ReceiverDID, req.Splits) {
		account := types.Account{
			ID:          uuid.New(),
			PaymentID:   payment.ID,
			Receiver:    share.Receiver,
			ReceiverDID: share.ReceiverDID,
			Category:    req.Category,
			Amount:      share.Amount,
			Info:        req.Info,
			Status:      types.AccountStatusPrepare,
		}
		if err := s.db.InsertAccountTx(ctx, tx, account); err != nil {
			return nil, fmt.Errorf("failed to insert account: %w", err)
		}
	}
	return &types.PrepareResult{PaymentID: payment.ID, RawTx: transfer.RawTx, TxHash: hash}, nil
}

func (s *PaymentService) CompleteTransfer(ctx context.Context, req types.TransferRequest) (*types.TransferResult, error) {
	if req.SignedTx == "" {
		return nil, types.Validationf("signed transaction is required")
	}
	p, err := s.db.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.TxHash == nil {
		return nil, fmt.Errorf("%w: payment %s has no transaction hash", types.ErrInternal, p.ID)
	}
	logger := s.logger.WithFields(logrus.Fields{"payment_id": p.ID, "tx_hash": *p.TxHash})

	// Reject malformed or foreign transactions while the payment is still in prepare.
	if _, _, err := txbuilder.VerifySigned(req.SignedTx, *p.TxHash); err != nil {
		return nil, err
	}

	n, err := s.db.UpdatePaymentStatus(ctx, p.ID, types.PaymentStatusPrepare, types.PaymentStatusTransfer)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment status: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: payment %s", types.ErrStateMismatch, p.ID)
	}

	hash, err := s.builder.CompleteTransfer(ctx, p.PlatformAddressIndex, req.SignedTx, *p.TxHash)
	if err != nil {
		// Timeout cleanup only looks at prepare rows, so the payment must go back there
		// for its address to be reclaimed.
		if _, rbErr := s.db.UpdatePaymentStatus(ctx, p.ID, types.PaymentStatusTransfer, types.PaymentStatusPrepare); rbErr != nil {
			logger.WithError(rbErr).Error("failed to roll payment back to prepare")
		}
		_ = s.stats.Incr("micropay.payment.transfer_failed", nil, 1)
		logger.WithError(err).Warn("transfer failed")
		return nil, err
	}

	_ = s.stats.Incr("micropay.payment.transferred", nil, 1)
	logger.Info("transfer broadcast")
	return &types.TransferResult{PaymentID: p.ID, TxHash: hash, Status: types.PaymentStatusTransfer}, nil
}
