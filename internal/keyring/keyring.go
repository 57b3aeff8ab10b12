// Package keyring derives the platform secp256k1 keys from a BIP-39 mnemonic along
// m/44'/309'/0'/0/{index}.
package keyring

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const ckbCoinType = 309

type Keyring struct {
	external *hdkeychain.ExtendedKey // m/44'/309'/0'/0
	count    int

	mu   sync.RWMutex
	keys map[int]*ecdsa.PrivateKey
}

// New validates mnemonic and prepares derivation for indexes in [0, count).
func New(mnemonic string, count int) (*Keyring, error) {
	if count < 1 {
		return nil, errors.New("platform address count must be at least 1")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid platform mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := master
	for _, child := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + ckbCoinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}

	return &Keyring{
		external: key,
		count:    count,
		keys:     make(map[int]*ecdsa.PrivateKey),
	}, nil
}

func (k *Keyring) Count() int {
	return k.count
}

func (k *Keyring) PrivateKey(index int) (*ecdsa.PrivateKey, error) {
	if index < 0 || index >= k.count {
		return nil, fmt.Errorf("platform key index %d out of range [0, %d)", index, k.count)
	}

	k.mu.RLock()
	key, ok := k.keys[index]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	child, err := k.external.Derive(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("failed to derive key %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key %d: %w", index, err)
	}
	key, err = crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key %d: %w", index, err)
	}

	k.mu.Lock()
	k.keys[index] = key
	k.mu.Unlock()
	return key, nil
}

func (k *Keyring) PublicKey(index int) (*ecdsa.PublicKey, error) {
	key, err := k.PrivateKey(index)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}
