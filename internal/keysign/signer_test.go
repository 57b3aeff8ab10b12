package keysign

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web5fans/micro-pay/internal/keyring"
	"github.com/web5fans/micro-pay/internal/ledger"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestSignUsesPlatformKeys(t *testing.T) {
	kr, err := keyring.New(testMnemonic, 2)
	require.NoError(t, err)
	s := NewSigner(logrus.New(), kr)

	lock := &types.Script{HashType: types.HashTypeType, Args: []byte{}}
	tx := &types.Transaction{
		Inputs: []*types.CellInput{
			{PreviousOutput: &types.OutPoint{Index: 0}},
			{PreviousOutput: &types.OutPoint{Index: 1}},
		},
		Outputs:     []*types.CellOutput{{Capacity: 1, Lock: lock}},
		OutputsData: [][]byte{{}},
		Witnesses:   [][]byte{ledger.PlaceholderWitness(), ledger.PlaceholderWitness()},
	}

	msg0, err := ledger.SighashMessage(tx, []int{0})
	require.NoError(t, err)
	msg1, err := ledger.SighashMessage(tx, []int{1})
	require.NoError(t, err)

	require.NoError(t, s.Sign(tx, Group{PlatformIndex: 0, Inputs: []int{0}}, Group{PlatformIndex: 1, Inputs: []int{1}}))

	for i, msg := range [][]byte{msg0, msg1} {
		w := tx.Witnesses[i]
		pub, err := crypto.Ecrecover(msg, w[len(w)-ledger.SignatureLength:])
		require.NoError(t, err)
		want, err := kr.PublicKey(i)
		require.NoError(t, err)
		assert.Equal(t, crypto.FromECDSAPub(want), pub)
	}

	assert.Error(t, s.Sign(tx, Group{PlatformIndex: 5, Inputs: []int{0}}))
}
