package ledger

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nervosnetwork/ckb-sdk-go/v2/crypto/blake2b"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
)

const SignatureLength = 65

// PlaceholderWitness is the WitnessArgs reserved for the first input of a sighash-all group.
func PlaceholderWitness() []byte {
	w := &types.WitnessArgs{Lock: make([]byte, SignatureLength)}
	return w.Serialize()
}

// Blake160 is the first 20 bytes of the CKB blake2b-256 digest; it is the secp256k1 lock arg.
func Blake160(data []byte) []byte {
	return blake2b.Blake256(data)[:20]
}

// SighashMessage computes the secp256k1 blake160 sighash-all signing message for the
// input group whose indexes are listed in group (first index carries the signature).
func SighashMessage(tx *types.Transaction, group []int) ([]byte, error) {
	if len(group) == 0 {
		return nil, fmt.Errorf("empty signing group")
	}
	for _, idx := range group {
		if idx < 0 || idx >= len(tx.Inputs) {
			return nil, fmt.Errorf("input index %d out of range", idx)
		}
		if idx >= len(tx.Witnesses) {
			return nil, fmt.Errorf("missing witness for input %d", idx)
		}
	}

	txHash := tx.ComputeHash()
	buf := make([]byte, 0, 32+len(tx.Witnesses)*(8+SignatureLength+20))
	buf = append(buf, txHash[:]...)
	buf = appendWitness(buf, PlaceholderWitness())
	for _, idx := range group[1:] {
		buf = appendWitness(buf, tx.Witnesses[idx])
	}
	for i := len(tx.Inputs); i < len(tx.Witnesses); i++ {
		buf = appendWitness(buf, tx.Witnesses[i])
	}
	return blake2b.Blake256(buf), nil
}

// SignGroup signs the input group with key and writes the signed WitnessArgs into the
// group's first witness slot. Other witnesses are left untouched.
func SignGroup(tx *types.Transaction, group []int, key *ecdsa.PrivateKey) error {
	msg, err := SighashMessage(tx, group)
	if err != nil {
		return fmt.Errorf("failed to compute sighash message: %w", err)
	}
	sig, err := crypto.Sign(msg, key)
	if err != nil {
		return fmt.Errorf("failed to sign sighash message: %w", err)
	}
	w := &types.WitnessArgs{Lock: sig}
	tx.Witnesses[group[0]] = w.Serialize()
	return nil
}

func appendWitness(buf []byte, w []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(w)))
	return append(buf, w...)
}
