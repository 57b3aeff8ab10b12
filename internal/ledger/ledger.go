package ledger

import (
	"context"
	"crypto/ecdsa"

	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
)

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusProposed  Status = "proposed"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
)

// Cell is a live cell owned by an address.
type Cell struct {
	OutPoint *types.OutPoint
	Output   *types.CellOutput
	Data     []byte
}

// Plain cells carry capacity only: no type script and no data.
func (c *Cell) Plain() bool {
	return c.Output.Type == nil && len(c.Data) == 0
}

// Client is the ledger capability the payment flow depends on.
type Client interface {
	// Balance is the total capacity, in shannons, locked by address.
	Balance(ctx context.Context, address string) (uint64, error)
	// SpendableCells returns up to limit plain cells of address in ascending indexer order.
	SpendableCells(ctx context.Context, address string, limit int) ([]*Cell, error)
	LockScript(address string) (*types.Script, error)
	AddressFromKey(pub *ecdsa.PublicKey) (string, error)
	// CellDeps returns the dependencies needed to unlock cells guarded by lock.
	CellDeps(lock *types.Script) ([]*types.CellDep, error)
	Send(ctx context.Context, tx *types.Transaction) (types.Hash, error)
	Status(ctx context.Context, hash types.Hash) (Status, error)
}
