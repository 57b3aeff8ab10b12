package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/web5fans/micro-pay/internal/types"
)

// DatabaseStorage is the relational store. Methods suffixed Tx run inside the caller's
// transaction; the rest run standalone. Status transitions are conditional on the
// expected current status and report how many rows moved.
type DatabaseStorage interface {
	Close() error
	Begin(ctx context.Context) (pgx.Tx, error)

	InsertPlatformAddress(ctx context.Context, addr types.PlatformAddress) (*types.PlatformAddress, error)
	GetPlatformAddresses(ctx context.Context) ([]types.PlatformAddress, error)
	ClaimPlatformAddress(ctx context.Context) (*types.PlatformAddress, error)
	ClaimPlatformAddressTx(ctx context.Context, dbTx pgx.Tx) (*types.PlatformAddress, error)
	ReleasePlatformAddress(ctx context.Context, index int) error
	ReleasePlatformAddressTx(ctx context.Context, dbTx pgx.Tx, index int) error

	InsertPaymentTx(ctx context.Context, dbTx pgx.Tx, payment types.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*types.Payment, error)
	GetPaymentsBySender(ctx context.Context, sender string, page Page) ([]types.Payment, error)
	GetPaymentsByStatus(ctx context.Context, status types.PaymentStatus) ([]types.Payment, error)
	GetPaymentsByStatusBefore(ctx context.Context, status types.PaymentStatus, before time.Time) ([]types.Payment, error)
	// GetActivePaymentsTx locks the active payments of sender or, when set, senderDID.
	GetActivePaymentsTx(ctx context.Context, dbTx pgx.Tx, sender string, senderDID *string) ([]types.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to types.PaymentStatus) (int64, error)
	UpdatePaymentStatusTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID, from, to types.PaymentStatus) (int64, error)

	InsertAccountTx(ctx context.Context, dbTx pgx.Tx, account types.Account) error
	GetAccountsByPayment(ctx context.Context, paymentID uuid.UUID) ([]types.Account, error)
	GetAccountsByReceiver(ctx context.Context, receiver string, page Page) ([]types.Account, error)
	UpdateAccountsByPaymentTx(ctx context.Context, dbTx pgx.Tx, paymentID uuid.UUID, from, to types.AccountStatus) (int64, error)
	GetCompleteAccountTotals(ctx context.Context) ([]types.ReceiverTotal, error)
	// ClaimCompleteAccountsTx moves the receiver's complete accounts to accounting and returns them.
	ClaimCompleteAccountsTx(ctx context.Context, dbTx pgx.Tx, receiver string) ([]types.Account, error)
	SetAccountsSettlementTx(ctx context.Context, dbTx pgx.Tx, ids []uuid.UUID, settlement types.Settlement) (int64, error)
	GetAccountingSettlements(ctx context.Context) ([]types.Settlement, error)
	UpdateAccountsBySettlementTx(ctx context.Context, dbTx pgx.Tx, txHash string, from, to types.AccountStatus) (int64, error)
}

// Page bounds list queries. Sort is a column name, prefixed with "-" for descending order.
type Page struct {
	Limit  int
	Offset int
	Sort   string
}
