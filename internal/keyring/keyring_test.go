package keyring

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("not a mnemonic", 2)
	assert.Error(t, err)

	_, err = New(testMnemonic, 0)
	assert.Error(t, err)
}

func TestDerivationIsDeterministic(t *testing.T) {
	a, err := New(testMnemonic, 3)
	require.NoError(t, err)
	b, err := New(testMnemonic, 3)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		ka, err := a.PrivateKey(i)
		require.NoError(t, err)
		kb, err := b.PrivateKey(i)
		require.NoError(t, err)
		assert.Equal(t, crypto.FromECDSA(ka), crypto.FromECDSA(kb))

		pub := string(crypto.CompressPubkey(&ka.PublicKey))
		assert.False(t, seen[pub], "index %d repeats a key", i)
		seen[pub] = true
	}

	again, err := a.PrivateKey(1)
	require.NoError(t, err)
	first, err := b.PrivateKey(1)
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(first), crypto.FromECDSA(again))
}

func TestIndexOutOfRange(t *testing.T) {
	k, err := New(testMnemonic, 2)
	require.NoError(t, err)

	_, err = k.PrivateKey(2)
	assert.Error(t, err)
	_, err = k.PublicKey(-1)
	assert.Error(t, err)
}
