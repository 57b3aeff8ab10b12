// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"

	"github.com/web5fans/micro-pay/internal/ledger"
	mtypes "github.com/web5fans/micro-pay/internal/types"
)

var SighashCodeHash = types.Hash{0x9b, 0xd7, 0xe0, 0x6f}

var SighashDep = &types.CellDep{
	OutPoint: &types.OutPoint{TxHash: types.Hash{0x71, 0xa7}, Index: 0},
	DepType:  types.DepTypeDepGroup,
}

// Fake keeps cells per address. Addresses are "ckt1" followed by the hex lock args, so any
// string with that shape is a valid address.
type Fake struct {
	mu       sync.Mutex
	cells    map[string][]*ledger.Cell
	extra    map[string]uint64
	statuses map[types.Hash]ledger.Status
	sent     []*types.Transaction
	seq      byte

	SendErr    error
	BalanceErr error
	StatusErr  error
}

func New() *Fake {
	return &Fake{
		cells:    make(map[string][]*ledger.Cell),
		extra:    make(map[string]uint64),
		statuses: make(map[types.Hash]ledger.Status),
	}
}

// Address builds a fake address for a short name.
func Address(name string) string {
	return "ckt1" + hex.EncodeToString([]byte(name))
}

// AddCell gives address a cell holding capacity shannons.
func (f *Fake) AddCell(address string, capacity uint64) *ledger.Cell {
	return f.addCell(address, capacity, nil, nil)
}

// AddDataCell gives address a cell carrying data, which the builder must refuse to spend.
func (f *Fake) AddDataCell(address string, capacity uint64, data []byte) *ledger.Cell {
	return f.addCell(address, capacity, data, nil)
}

// AddTypedCell gives address a cell guarded by a type script.
func (f *Fake) AddTypedCell(address string, capacity uint64) *ledger.Cell {
	return f.addCell(address, capacity, nil, &types.Script{CodeHash: types.Hash{0xee}, HashType: types.HashTypeData1, Args: []byte{}})
}

// AddBalance adds capacity that counts towards Balance but is not spendable.
func (f *Fake) AddBalance(address string, capacity uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extra[address] += capacity
}

func (f *Fake) addCell(address string, capacity uint64, data []byte, typeScript *types.Script) *ledger.Cell {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, err := f.lockScript(address)
	if err != nil {
		panic(err)
	}
	f.seq++
	if data == nil {
		data = []byte{}
	}
	c := &ledger.Cell{
		OutPoint: &types.OutPoint{TxHash: types.Hash{0xc0, f.seq}, Index: uint32(len(f.cells[address]))},
		Output:   &types.CellOutput{Capacity: capacity, Lock: lock, Type: typeScript},
		Data:     data,
	}
	f.cells[address] = append(f.cells[address], c)
	return c
}

func (f *Fake) SetStatus(hash types.Hash, status ledger.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[hash] = status
}

// Sent returns every transaction accepted by Send.
func (f *Fake) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *Fake) Balance(_ context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return 0, f.BalanceErr
	}
	total := f.extra[address]
	for _, c := range f.cells[address] {
		total += c.Output.Capacity
	}
	return total, nil
}

func (f *Fake) SpendableCells(_ context.Context, address string, limit int) ([]*ledger.Cell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cells := f.cells[address]
	if len(cells) > limit {
		cells = cells[:limit]
	}
	return append([]*ledger.Cell(nil), cells...), nil
}

func (f *Fake) LockScript(address string) (*types.Script, error) {
	return f.lockScript(address)
}

func (f *Fake) lockScript(address string) (*types.Script, error) {
	if !strings.HasPrefix(address, "ckt1") {
		return nil, mtypes.Validationf("invalid address %q", address)
	}
	args, err := hex.DecodeString(strings.TrimPrefix(address, "ckt1"))
	if err != nil {
		return nil, mtypes.Validationf("invalid address %q: %v", address, err)
	}
	return &types.Script{CodeHash: SighashCodeHash, HashType: types.HashTypeType, Args: args}, nil
}

func (f *Fake) AddressFromKey(pub *ecdsa.PublicKey) (string, error) {
	return "ckt1" + hex.EncodeToString(ledger.Blake160(crypto.CompressPubkey(pub))), nil
}

func (f *Fake) CellDeps(lock *types.Script) ([]*types.CellDep, error) {
	if lock.CodeHash != SighashCodeHash {
		return nil, fmt.Errorf("unknown lock script")
	}
	return []*types.CellDep{SighashDep}, nil
}

func (f *Fake) Send(_ context.Context, tx *types.Transaction) (types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return types.Hash{}, f.SendErr
	}
	hash := tx.ComputeHash()
	f.sent = append(f.sent, tx)
	f.statuses[hash] = ledger.StatusPending
	return hash, nil
}

func (f *Fake) Status(_ context.Context, hash types.Hash) (ledger.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	s, ok := f.statuses[hash]
	if !ok {
		return ledger.StatusUnknown, nil
	}
	return s, nil
}

var _ ledger.Client = (*Fake)(nil)
