package txbuilder

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web5fans/micro-pay/internal/keyring"
	"github.com/web5fans/micro-pay/internal/keysign"
	"github.com/web5fans/micro-pay/internal/ledger"
	"github.com/web5fans/micro-pay/internal/ledger/ledgertest"
	mtypes "github.com/web5fans/micro-pay/internal/types"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	ckb          = uint64(100_000_000)
	reserve      = 65 * ckb
	fee          = uint64(10_000)
)

type fixture struct {
	builder   *Builder
	ledger    *ledgertest.Fake
	keyring   *keyring.Keyring
	platforms []mtypes.PlatformAddress
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := keyring.New(testMnemonic, 3)
	require.NoError(t, err)
	fake := ledgertest.New()

	var platforms []mtypes.PlatformAddress
	for i := 0; i < kr.Count(); i++ {
		pub, err := kr.PublicKey(i)
		require.NoError(t, err)
		addr, err := fake.AddressFromKey(pub)
		require.NoError(t, err)
		platforms = append(platforms, mtypes.PlatformAddress{Address: addr, DerivationIndex: i})
	}

	b, err := New(fake, keysign.NewSigner(logrus.New(), kr), Config{Fee: fee, Reserve: reserve, MaxInputCells: 10}, logrus.New())
	require.NoError(t, err)
	return &fixture{builder: b, ledger: fake, keyring: kr, platforms: platforms}
}

func TestBuildTransfer(t *testing.T) {
	f := newFixture(t)
	sender := ledgertest.Address("sender")
	f.ledger.AddCell(sender, 50*ckb)
	f.ledger.AddCell(sender, 50*ckb)
	f.ledger.AddCell(sender, 100*ckb)
	f.ledger.AddCell(sender, 100*ckb)
	platform := f.platforms[0]
	f.ledger.AddCell(platform.Address, reserve)

	transfer, err := f.builder.BuildTransfer(context.Background(), sender, platform, 10*ckb)
	require.NoError(t, err)
	tx := transfer.Tx

	// 50 + 50 already covers 10 + 65 + fee, so the greedy pick stops after two cells.
	require.Len(t, tx.Inputs, 3)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, reserve+10*ckb, tx.Outputs[0].Capacity)
	assert.Equal(t, 100*ckb-10*ckb-fee, tx.Outputs[1].Capacity)
	assert.Len(t, tx.OutputsData, 2)
	assert.Len(t, tx.CellDeps, 1, "shared sighash dep appears once")

	require.Len(t, tx.Witnesses, 3)
	assert.Equal(t, ledger.PlaceholderWitness(), tx.Witnesses[0])
	assert.Empty(t, tx.Witnesses[1])
	assert.Equal(t, ledger.PlaceholderWitness(), tx.Witnesses[2])

	assert.Equal(t, tx.ComputeHash(), transfer.Hash)
	decoded, err := ledger.DecodeTx(transfer.RawTx)
	require.NoError(t, err)
	assert.Equal(t, transfer.Hash, decoded.ComputeHash())

	var in, out uint64
	in = 50*ckb + 50*ckb + reserve
	for _, o := range tx.Outputs {
		out += o.Capacity
	}
	assert.Equal(t, in-fee, out)
}

func TestBuildTransferErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture, sender string)
		wantErr error
	}{
		{
			name: "insufficient balance",
			setup: func(f *fixture, sender string) {
				f.ledger.AddCell(sender, 70*ckb)
				f.ledger.AddCell(f.platforms[0].Address, reserve)
			},
			wantErr: mtypes.ErrInsufficientBalance,
		},
		{
			name: "platform cell missing",
			setup: func(f *fixture, sender string) {
				f.ledger.AddCell(sender, 1000*ckb)
			},
			wantErr: mtypes.ErrPlatformCellMissing,
		},
		{
			name: "sender data cell",
			setup: func(f *fixture, sender string) {
				f.ledger.AddDataCell(sender, 1000*ckb, []byte{0x01})
				f.ledger.AddCell(f.platforms[0].Address, reserve)
			},
			wantErr: mtypes.ErrUnsupportedCellShape,
		},
		{
			name: "typed platform cell",
			setup: func(f *fixture, sender string) {
				f.ledger.AddCell(sender, 1000*ckb)
				f.ledger.AddTypedCell(f.platforms[0].Address, reserve)
			},
			wantErr: mtypes.ErrUnsupportedCellShape,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sender := ledgertest.Address("sender")
			tt.setup(f, sender)
			_, err := f.builder.BuildTransfer(context.Background(), sender, f.platforms[0], 10*ckb)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func preparedTransfer(t *testing.T, f *fixture) *Transfer {
	t.Helper()
	sender := ledgertest.Address("sender")
	f.ledger.AddCell(sender, 1000*ckb)
	f.ledger.AddCell(f.platforms[1].Address, reserve)
	transfer, err := f.builder.BuildTransfer(context.Background(), sender, f.platforms[1], 100*ckb)
	require.NoError(t, err)
	return transfer
}

// senderSigned simulates the sender's wallet filling in its own group witness.
func senderSigned(t *testing.T, transfer *Transfer) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := ledger.DecodeTx(transfer.RawTx)
	require.NoError(t, err)
	require.NoError(t, ledger.SignGroup(tx, []int{0}, key))
	raw, err := ledger.EncodeTx(tx)
	require.NoError(t, err)
	return raw
}

func TestCompleteTransfer(t *testing.T) {
	f := newFixture(t)
	transfer := preparedTransfer(t, f)
	raw := senderSigned(t, transfer)

	msg, err := ledger.SighashMessage(transfer.Tx, []int{1})
	require.NoError(t, err)

	hash, err := f.builder.CompleteTransfer(context.Background(), 1, raw, ledger.HashHex(transfer.Hash))
	require.NoError(t, err)
	assert.Equal(t, ledger.HashHex(transfer.Hash), hash)

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	w := sent[0].Witnesses[1]
	pub, err := crypto.Ecrecover(msg, w[len(w)-ledger.SignatureLength:])
	require.NoError(t, err)
	want, err := f.keyring.PublicKey(1)
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSAPub(want), pub)
}

func TestCompleteTransferRejectsTampering(t *testing.T) {
	f := newFixture(t)
	transfer := preparedTransfer(t, f)
	expected := ledger.HashHex(transfer.Hash)

	tampered := *transfer.Tx
	tampered.Outputs = []*types.CellOutput{
		{Capacity: transfer.Tx.Outputs[0].Capacity - 1, Lock: transfer.Tx.Outputs[0].Lock},
		transfer.Tx.Outputs[1],
	}
	raw, err := ledger.EncodeTx(&tampered)
	require.NoError(t, err)

	_, err = f.builder.CompleteTransfer(context.Background(), 1, raw, expected)
	assert.ErrorIs(t, err, mtypes.ErrHashMismatch)

	_, err = f.builder.CompleteTransfer(context.Background(), 1, "{", expected)
	assert.ErrorIs(t, err, mtypes.ErrValidation)

	unknownHashType := strings.Replace(senderSigned(t, transfer), `"hash_type":"type"`, `"hash_type":"bogus"`, 1)
	assert.NotPanics(t, func() {
		_, err = f.builder.CompleteTransfer(context.Background(), 1, unknownHashType, expected)
	})
	assert.ErrorIs(t, err, mtypes.ErrValidation)

	assert.Empty(t, f.ledger.Sent())
}

func TestBuildTransferAmountRange(t *testing.T) {
	f := newFixture(t)
	sender := ledgertest.Address("sender")
	f.ledger.AddCell(sender, 1000*ckb)
	f.ledger.AddCell(f.platforms[0].Address, reserve)

	assert.Equal(t, uint64(math.MaxInt64)-reserve-fee, f.builder.MaxAmount())
	for _, amount := range []uint64{0, f.builder.MaxAmount() + 1, math.MaxUint64} {
		_, err := f.builder.BuildTransfer(context.Background(), sender, f.platforms[0], amount)
		assert.ErrorIs(t, err, mtypes.ErrValidation, amount)
	}
	_, err := f.builder.BuildTransfer(context.Background(), sender, f.platforms[0], f.builder.MaxAmount())
	assert.ErrorIs(t, err, mtypes.ErrInsufficientBalance)
}

func TestCompleteTransferBroadcastFailure(t *testing.T) {
	f := newFixture(t)
	transfer := preparedTransfer(t, f)
	boom := errors.New("connection reset")
	f.ledger.SendErr = boom

	_, err := f.builder.CompleteTransfer(context.Background(), 1, senderSigned(t, transfer), ledger.HashHex(transfer.Hash))
	assert.ErrorIs(t, err, mtypes.ErrChain)
	assert.ErrorIs(t, err, boom)
}

func TestBuildSettlement(t *testing.T) {
	f := newFixture(t)
	a, b := f.platforms[0], f.platforms[2]
	f.ledger.AddCell(a.Address, reserve+150*ckb)
	f.ledger.AddCell(b.Address, reserve+100*ckb)
	receiver := ledgertest.Address("receiver")

	s, err := f.builder.BuildSettlement(context.Background(), receiver, []mtypes.PlatformAddress{a, b}, 200*ckb, 250*ckb)
	require.NoError(t, err)
	tx := s.Tx

	require.Len(t, tx.Inputs, 2)
	require.Len(t, tx.Outputs, 3)
	assert.Equal(t, reserve+50*ckb-fee, tx.Outputs[0].Capacity)
	assert.Equal(t, reserve, tx.Outputs[1].Capacity)
	assert.Equal(t, 200*ckb, tx.Outputs[2].Capacity)
	receiverLock, err := f.ledger.LockScript(receiver)
	require.NoError(t, err)
	assert.Equal(t, receiverLock.Args, tx.Outputs[2].Lock.Args)

	for i, w := range tx.Witnesses {
		assert.False(t, strings.Contains(string(w), string(make([]byte, ledger.SignatureLength))), "witness %d left unsigned", i)
	}
	assert.Equal(t, tx.ComputeHash(), s.Hash)
}

func TestBuildSettlementInsufficient(t *testing.T) {
	f := newFixture(t)
	a := f.platforms[0]
	f.ledger.AddCell(a.Address, reserve+100*ckb)

	_, err := f.builder.BuildSettlement(context.Background(), ledgertest.Address("receiver"), []mtypes.PlatformAddress{a}, 100*ckb, 100*ckb)
	assert.ErrorIs(t, err, mtypes.ErrInsufficientBalance)

	_, err = f.builder.BuildSettlement(context.Background(), ledgertest.Address("receiver"), nil, 1, 1)
	assert.ErrorIs(t, err, mtypes.ErrInsufficientBalance)
}
