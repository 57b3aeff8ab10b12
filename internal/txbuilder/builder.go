package txbuilder

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/keysign"
	"github.com/web5fans/micro-pay/internal/ledger"
	mtypes "github.com/web5fans/micro-pay/internal/types"
)

type Config struct {
	Fee           uint64 // shannons paid per transaction
	Reserve       uint64 // minimum capacity left on every platform cell
	MaxInputCells int    // cap on sender cells gathered for one transfer
}

type Builder struct {
	client ledger.Client
	signer *keysign.Signer
	config Config
	logger logrus.FieldLogger
}

func New(client ledger.Client, signer *keysign.Signer, config Config, logger logrus.FieldLogger) (*Builder, error) {
	if client == nil {
		return nil, errors.New("ledger client cannot be nil")
	}
	if signer == nil {
		return nil, errors.New("signer cannot be nil")
	}
	if config.MaxInputCells <= 0 {
		return nil, errors.New("max input cells must be positive")
	}
	return &Builder{
		client: client,
		signer: signer,
		config: config,
		logger: logger.WithField("component", "txbuilder"),
	}, nil
}

// Transfer is an unsigned two-party transaction awaiting the sender's signature.
type Transfer struct {
	Tx    *types.Transaction
	RawTx string
	Hash  types.Hash
}

// Settlement is a fully signed batched payout.
type Settlement struct {
	Tx   *types.Transaction
	Hash types.Hash
}

// MaxAmount is the largest transfer whose capacity sums stay inside the int64 range the
// store and the node accept.
func (b *Builder) MaxAmount() uint64 {
	overhead := b.config.Reserve + b.config.Fee
	if overhead >= math.MaxInt64 {
		return 0
	}
	return math.MaxInt64 - overhead
}

// BuildTransfer moves amount from sender to the platform address. The sender's inputs come
// first and the single platform input last; outputs are [platform, sender change].
func (b *Builder) BuildTransfer(ctx context.Context, sender string, platform mtypes.PlatformAddress, amount uint64) (*Transfer, error) {
	senderLock, err := b.client.LockScript(sender)
	if err != nil {
		return nil, err
	}
	platformLock, err := b.client.LockScript(platform.Address)
	if err != nil {
		return nil, fmt.Errorf("platform address %d: %w", platform.DerivationIndex, err)
	}

	if amount == 0 || amount > b.MaxAmount() {
		return nil, mtypes.Validationf("amount %d out of range", amount)
	}
	need := amount + b.config.Reserve + b.config.Fee
	senderCells, err := b.client.SpendableCells(ctx, sender, b.config.MaxInputCells)
	if err != nil {
		return nil, err
	}
	var (
		selected []*ledger.Cell
		sendSum  uint64
	)
	for _, c := range senderCells {
		if !c.Plain() {
			return nil, fmt.Errorf("%w: sender cell %s", mtypes.ErrUnsupportedCellShape, outPointString(c.OutPoint))
		}
		selected = append(selected, c)
		sendSum += c.Output.Capacity
		if sendSum >= need {
			break
		}
	}
	if sendSum < need {
		return nil, fmt.Errorf("%w: sender has %d spendable shannons, needs %d", mtypes.ErrInsufficientBalance, sendSum, need)
	}

	platformCells, err := b.client.SpendableCells(ctx, platform.Address, 1)
	if err != nil {
		return nil, err
	}
	if len(platformCells) == 0 {
		return nil, fmt.Errorf("%w: index %d", mtypes.ErrPlatformCellMissing, platform.DerivationIndex)
	}
	platformCell := platformCells[0]
	if !platformCell.Plain() {
		return nil, fmt.Errorf("%w: platform cell %s", mtypes.ErrUnsupportedCellShape, outPointString(platformCell.OutPoint))
	}

	tx := newTransaction()
	for _, c := range selected {
		tx.Inputs = append(tx.Inputs, &types.CellInput{Since: 0, PreviousOutput: c.OutPoint})
	}
	tx.Inputs = append(tx.Inputs, &types.CellInput{Since: 0, PreviousOutput: platformCell.OutPoint})

	tx.Outputs = append(tx.Outputs,
		&types.CellOutput{Capacity: platformCell.Output.Capacity + amount, Lock: platformLock},
		&types.CellOutput{Capacity: sendSum - amount - b.config.Fee, Lock: senderLock},
	)
	tx.OutputsData = [][]byte{{}, {}}

	if err := b.addCellDeps(tx, senderLock, platformLock); err != nil {
		return nil, err
	}

	tx.Witnesses = make([][]byte, len(tx.Inputs))
	for i := range tx.Witnesses {
		tx.Witnesses[i] = []byte{}
	}
	tx.Witnesses[0] = ledger.PlaceholderWitness()
	tx.Witnesses[len(selected)] = ledger.PlaceholderWitness()

	raw, err := ledger.EncodeTx(tx)
	if err != nil {
		return nil, err
	}
	hash := tx.ComputeHash()
	b.logger.WithFields(logrus.Fields{
		"tx_hash":        ledger.HashHex(hash),
		"platform_index": platform.DerivationIndex,
		"sender_inputs":  len(selected),
		"amount":         amount,
	}).Info("transfer built")

	return &Transfer{Tx: tx, RawTx: raw, Hash: hash}, nil
}

// CompleteTransfer co-signs a sender-signed transfer and broadcasts it. The hash must
// equal the one issued by BuildTransfer, which also pins the input layout: the platform
// input is the last one.
func (b *Builder) CompleteTransfer(ctx context.Context, platformIndex int, rawTx string, expectedHash string) (string, error) {
	tx, hash, err := VerifySigned(rawTx, expectedHash)
	if err != nil {
		return "", err
	}

	platformInput := len(tx.Inputs) - 1
	if err := b.signer.Sign(tx, keysign.Group{PlatformIndex: platformIndex, Inputs: []int{platformInput}}); err != nil {
		return "", fmt.Errorf("%w: %w", mtypes.ErrInternal, err)
	}

	sent, err := b.client.Send(ctx, tx)
	if err != nil {
		if !errors.Is(err, mtypes.ErrChain) {
			err = fmt.Errorf("%w: %w", mtypes.ErrChain, err)
		}
		return "", err
	}
	if sentHex := ledger.HashHex(sent); sentHex != hash {
		b.logger.WithFields(logrus.Fields{"tx_hash": hash, "node_hash": sentHex}).Warn("node returned a different transaction hash")
	}
	return hash, nil
}

// VerifySigned decodes a sender-signed transfer and checks it against the hash issued by
// BuildTransfer. It touches neither the ledger nor any key.
func VerifySigned(rawTx string, expectedHash string) (*types.Transaction, string, error) {
	tx, err := ledger.DecodeTx(rawTx)
	if err != nil {
		return nil, "", err
	}
	hash := ledger.HashHex(tx.ComputeHash())
	if hash != expectedHash {
		return nil, "", fmt.Errorf("%w: got %s, want %s", mtypes.ErrHashMismatch, hash, expectedHash)
	}
	if len(tx.Witnesses) < len(tx.Inputs) {
		return nil, "", fmt.Errorf("%w: %d witnesses for %d inputs", mtypes.ErrValidation, len(tx.Witnesses), len(tx.Inputs))
	}
	return tx, hash, nil
}

// BuildSettlement pays total to receiver out of the given platform addresses. Every
// platform address keeps one reserve output; the first one also receives the change,
// so the fee comes out of platform funds.
func (b *Builder) BuildSettlement(ctx context.Context, receiver string, platforms []mtypes.PlatformAddress, total, platformTotal uint64) (*Settlement, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("%w: no platform addresses", mtypes.ErrInsufficientBalance)
	}
	if platformTotal < total+b.config.Fee {
		return nil, fmt.Errorf("%w: platform has %d above reserve, needs %d", mtypes.ErrInsufficientBalance, platformTotal, total+b.config.Fee)
	}
	receiverLock, err := b.client.LockScript(receiver)
	if err != nil {
		return nil, err
	}

	tx := newTransaction()
	var (
		groups  []keysign.Group
		inputs  uint64
		locks   []*types.Script
		outputs []*types.CellOutput
	)
	for _, p := range platforms {
		lock, err := b.client.LockScript(p.Address)
		if err != nil {
			return nil, fmt.Errorf("platform address %d: %w", p.DerivationIndex, err)
		}
		cells, err := b.client.SpendableCells(ctx, p.Address, b.config.MaxInputCells)
		if err != nil {
			return nil, err
		}
		if len(cells) == 0 {
			return nil, fmt.Errorf("%w: index %d", mtypes.ErrPlatformCellMissing, p.DerivationIndex)
		}
		group := keysign.Group{PlatformIndex: p.DerivationIndex}
		for _, c := range cells {
			if !c.Plain() {
				return nil, fmt.Errorf("%w: platform cell %s", mtypes.ErrUnsupportedCellShape, outPointString(c.OutPoint))
			}
			group.Inputs = append(group.Inputs, len(tx.Inputs))
			tx.Inputs = append(tx.Inputs, &types.CellInput{Since: 0, PreviousOutput: c.OutPoint})
			inputs += c.Output.Capacity
		}
		groups = append(groups, group)
		locks = append(locks, lock)
		outputs = append(outputs, &types.CellOutput{Capacity: b.config.Reserve, Lock: lock})
	}

	spend := uint64(len(platforms))*b.config.Reserve + total + b.config.Fee
	if inputs < spend {
		return nil, fmt.Errorf("%w: platform cells hold %d, settlement needs %d", mtypes.ErrInsufficientBalance, inputs, spend)
	}
	outputs[0].Capacity += inputs - spend
	outputs = append(outputs, &types.CellOutput{Capacity: total, Lock: receiverLock})
	tx.Outputs = outputs
	tx.OutputsData = make([][]byte, len(outputs))
	for i := range tx.OutputsData {
		tx.OutputsData[i] = []byte{}
	}

	if err := b.addCellDeps(tx, locks...); err != nil {
		return nil, err
	}

	tx.Witnesses = make([][]byte, len(tx.Inputs))
	for i := range tx.Witnesses {
		tx.Witnesses[i] = []byte{}
	}
	for _, g := range groups {
		tx.Witnesses[g.Inputs[0]] = ledger.PlaceholderWitness()
	}
	if err := b.signer.Sign(tx, groups...); err != nil {
		return nil, fmt.Errorf("%w: %w", mtypes.ErrInternal, err)
	}

	hash := tx.ComputeHash()
	b.logger.WithFields(logrus.Fields{
		"tx_hash":  ledger.HashHex(hash),
		"receiver": receiver,
		"total":    total,
		"inputs":   len(tx.Inputs),
	}).Info("settlement built")
	return &Settlement{Tx: tx, Hash: hash}, nil
}

func (b *Builder) addCellDeps(tx *types.Transaction, locks ...*types.Script) error {
	seen := make(map[types.OutPoint]bool)
	for _, lock := range locks {
		deps, err := b.client.CellDeps(lock)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if seen[*d.OutPoint] {
				continue
			}
			seen[*d.OutPoint] = true
			tx.CellDeps = append(tx.CellDeps, d)
		}
	}
	return nil
}

func newTransaction() *types.Transaction {
	return &types.Transaction{
		Version:    0,
		CellDeps:   []*types.CellDep{},
		HeaderDeps: []types.Hash{},
		Inputs:     []*types.CellInput{},
		Outputs:    []*types.CellOutput{},
	}
}

func outPointString(o *types.OutPoint) string {
	return fmt.Sprintf("%s:%d", ledger.HashHex(o.TxHash), o.Index)
}
