package keysign

import (
	"fmt"

	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/keyring"
	"github.com/web5fans/micro-pay/internal/ledger"
)

// Group is a set of inputs unlocked by one platform key.
type Group struct {
	PlatformIndex int
	Inputs        []int
}

// Signer signs platform-owned input groups of a transaction with keys from the keyring.
type Signer struct {
	logger  logrus.FieldLogger
	keyring *keyring.Keyring
}

func NewSigner(logger logrus.FieldLogger, keyring *keyring.Keyring) *Signer {
	return &Signer{
		logger:  logger.WithField("component", "keysign"),
		keyring: keyring,
	}
}

func (s *Signer) Sign(tx *types.Transaction, groups ...Group) error {
	for _, g := range groups {
		key, err := s.keyring.PrivateKey(g.PlatformIndex)
		if err != nil {
			return fmt.Errorf("s.keyring.PrivateKey: %w", err)
		}
		if err := ledger.SignGroup(tx, g.Inputs, key); err != nil {
			return fmt.Errorf("ledger.SignGroup(platform %d): %w", g.PlatformIndex, err)
		}
		s.logger.WithFields(logrus.Fields{
			"platform_index": g.PlatformIndex,
			"inputs":         g.Inputs,
		}).Debug("signed input group")
	}
	return nil
}
