package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DB payment types

type PaymentStatus string

const (
	PaymentStatusPrepare  PaymentStatus = "prepare"
	PaymentStatusTransfer PaymentStatus = "transfer"
	PaymentStatusComplete PaymentStatus = "complete"
	PaymentStatusCancel   PaymentStatus = "cancel"
)

// Active payments hold a platform address and block the sender from opening another one.
func (s PaymentStatus) Active() bool {
	return s == PaymentStatusPrepare || s == PaymentStatusTransfer
}

type Payment struct {
	ID                   uuid.UUID     `db:"id" json:"id"`
	Sender               string        `db:"sender" json:"sender"`
	Receiver             string        `db:"receiver" json:"receiver"`
	SenderDID            *string       `db:"sender_did" json:"sender_did,omitempty"`
	ReceiverDID          *string       `db:"receiver_did" json:"receiver_did,omitempty"`
	Category             int           `db:"category" json:"category"`
	PlatformAddressIndex int           `db:"platform_address_index" json:"platform_address_index"`
	Amount               uint64        `db:"amount" json:"amount"`
	Info                 *string       `db:"info" json:"info,omitempty"`
	Status               PaymentStatus `db:"status" json:"status"`
	TxHash               *string       `db:"tx_hash" json:"tx_hash,omitempty"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// SplitReceiver is a secondary recipient of a payment. Rate is a percentage in [0, 100).
type SplitReceiver struct {
	Address     string          `json:"address"`
	ReceiverDID *string         `json:"receiver_did,omitempty"`
	Rate        decimal.Decimal `json:"rate"`
}

type PrepareRequest struct {
	Sender      string          `json:"sender"`
	Receiver    string          `json:"receiver"`
	SenderDID   *string         `json:"sender_did,omitempty"`
	ReceiverDID *string         `json:"receiver_did,omitempty"`
	Amount      uint64          `json:"amount"`
	Category    int             `json:"category"`
	Info        *string         `json:"info,omitempty"`
	Splits      []SplitReceiver `json:"splits,omitempty"`
}

type PrepareResult struct {
	PaymentID uuid.UUID `json:"payment_id"`
	RawTx     string    `json:"raw_tx"`
	TxHash    string    `json:"tx_hash"`
}

type TransferRequest struct {
	PaymentID uuid.UUID `json:"payment_id"`
	SignedTx  string    `json:"signed_tx"`
}

type TransferResult struct {
	PaymentID uuid.UUID     `json:"payment_id"`
	TxHash    string        `json:"tx_hash"`
	Status    PaymentStatus `json:"status"`
}

type PaymentWithAccounts struct {
	Payment  Payment   `json:"payment"`
	Accounts []Account `json:"accounts"`
}
