package pool

import (
	"context"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/keyring"
	"github.com/web5fans/micro-pay/internal/ledger"
	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/storage"
)

// Pool leases platform addresses. The is_used flag in the store is the only source of
// truth; nothing is cached in process.
type Pool struct {
	db     storage.DatabaseStorage
	stats  statsd.ClientInterface
	logger logrus.FieldLogger
}

func New(db storage.DatabaseStorage, stats statsd.ClientInterface, logger logrus.FieldLogger) *Pool {
	return &Pool{
		db:     db,
		stats:  stats,
		logger: logger.WithField("component", "pool"),
	}
}

// Claim leases one free address, or returns nil when every address is in use.
func (p *Pool) Claim(ctx context.Context) (*types.PlatformAddress, error) {
	a, err := p.db.ClaimPlatformAddress(ctx)
	return p.claimed(a, err)
}

// ClaimTx leases inside dbTx; rolling dbTx back returns the address to the pool.
func (p *Pool) ClaimTx(ctx context.Context, dbTx pgx.Tx) (*types.PlatformAddress, error) {
	a, err := p.db.ClaimPlatformAddressTx(ctx, dbTx)
	return p.claimed(a, err)
}

func (p *Pool) claimed(a *types.PlatformAddress, err error) (*types.PlatformAddress, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to claim platform address: %w", err)
	}
	if a == nil {
		_ = p.stats.Incr("micropay.pool.exhausted", nil, 1)
		p.logger.Warn("platform address pool exhausted")
		return nil, nil
	}
	_ = p.stats.Incr("micropay.pool.claimed", nil, 1)
	p.logger.WithField("platform_index", a.DerivationIndex).Debug("platform address claimed")
	return a, nil
}

func (p *Pool) Release(ctx context.Context, index int) error {
	if err := p.db.ReleasePlatformAddress(ctx, index); err != nil {
		return err
	}
	_ = p.stats.Incr("micropay.pool.released", nil, 1)
	return nil
}

func (p *Pool) ReleaseTx(ctx context.Context, dbTx pgx.Tx, index int) error {
	if err := p.db.ReleasePlatformAddressTx(ctx, dbTx, index); err != nil {
		return err
	}
	_ = p.stats.Incr("micropay.pool.released", nil, 1)
	return nil
}

// InUse reports the indexes currently leased and publishes the pool gauges.
func (p *Pool) InUse(ctx context.Context) ([]int, error) {
	addrs, err := p.db.GetPlatformAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get platform addresses: %w", err)
	}
	used := make([]int, 0, len(addrs))
	for _, a := range addrs {
		if a.IsUsed {
			used = append(used, a.DerivationIndex)
		}
	}
	_ = p.stats.Gauge("micropay.pool.size", float64(len(addrs)), nil, 1)
	_ = p.stats.Gauge("micropay.pool.in_use", float64(len(used)), nil, 1)
	return used, nil
}

// Provision derives the first count platform addresses and stores any that are missing.
// A stored address that no longer matches its derivation means the mnemonic changed.
func (p *Pool) Provision(ctx context.Context, kr *keyring.Keyring, client ledger.Client) ([]types.PlatformAddress, error) {
	out := make([]types.PlatformAddress, 0, kr.Count())
	for i := 0; i < kr.Count(); i++ {
		pub, err := kr.PublicKey(i)
		if err != nil {
			return nil, err
		}
		addr, err := client.AddressFromKey(pub)
		if err != nil {
			return nil, fmt.Errorf("failed to derive platform address %d: %w", i, err)
		}
		stored, err := p.db.InsertPlatformAddress(ctx, types.PlatformAddress{Address: addr, DerivationIndex: i})
		if err != nil {
			return nil, err
		}
		if stored.Address != addr {
			return nil, fmt.Errorf("platform address %d is %s in the store but derives to %s", i, stored.Address, addr)
		}
		out = append(out, *stored)
	}

	used := 0
	for _, a := range out {
		if a.IsUsed {
			used++
		}
	}
	p.logger.WithFields(logrus.Fields{"count": len(out), "in_use": used}).Info("platform addresses provisioned")
	return out, nil
}
