package types

import (
	"time"

	"github.com/google/uuid"
)

type AccountStatus string

const (
	AccountStatusPrepare    AccountStatus = "prepare"
	AccountStatusComplete   AccountStatus = "complete"
	AccountStatusCancel     AccountStatus = "cancel"
	AccountStatusAccounting AccountStatus = "accounting"
	AccountStatusAccounted  AccountStatus = "accounted"
)

// Account is one receiver's share of a payment. After settlement TxHash points at the
// batched settlement transaction and PlatformAddressIndexes at the addresses it spent.
type Account struct {
	ID                     uuid.UUID     `db:"id" json:"id"`
	PaymentID              uuid.UUID     `db:"payment_id" json:"payment_id"`
	Receiver               string        `db:"receiver" json:"receiver"`
	ReceiverDID            *string       `db:"receiver_did" json:"receiver_did,omitempty"`
	Category               int           `db:"category" json:"category"`
	PlatformAddressIndexes []int         `db:"platform_address_indexes" json:"platform_address_indexes,omitempty"`
	Amount                 uint64        `db:"amount" json:"amount"`
	Info                   *string       `db:"info" json:"info,omitempty"`
	Status                 AccountStatus `db:"status" json:"status"`
	TxHash                 *string       `db:"tx_hash" json:"tx_hash,omitempty"`
	CreatedAt              time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updated_at"`
}

// ReceiverTotal is the sum of complete accounts owed to one receiver.
type ReceiverTotal struct {
	Receiver string `db:"receiver"`
	Total    uint64 `db:"total"`
	Count    int    `db:"count"`
}

// Settlement groups the accounting rows broadcast in one transaction.
type Settlement struct {
	TxHash                 string
	PlatformAddressIndexes []int
}
