package ckb

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
)

// secp256k1_blake160_sighash_all, identical on mainnet and testnet.
var sighashCodeHash = common.HexToHash("0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8")

var defaultSighashDeps = map[string]string{
	"mainnet": "0x71a7ba8fc96349fea0ed3a5c47992e3b4084b031a42264a018e0072e8172e46c",
	"testnet": "0xf8de3bb47d055cdf460d93a2a6e1b05f7432f9777c8c474abf4eec1d4aee5d37",
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests" json:"max_requests,omitempty"`
	Interval            time.Duration `mapstructure:"interval" json:"interval,omitempty"`
	Timeout             time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" json:"consecutive_failures,omitempty"`
}

type Config struct {
	RPCURL           string        `mapstructure:"rpc_url" json:"rpc_url,omitempty"`
	Network          string        `mapstructure:"network" json:"network,omitempty"` // mainnet or testnet
	SighashDepTxHash string        `mapstructure:"sighash_dep_tx_hash" json:"sighash_dep_tx_hash,omitempty"`
	SighashDepIndex  uint32        `mapstructure:"sighash_dep_index" json:"sighash_dep_index,omitempty"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" json:"request_timeout,omitempty"`
	Breaker          BreakerConfig `mapstructure:"breaker" json:"breaker,omitempty"`
}

func (c *Config) network() (types.Network, error) {
	switch c.Network {
	case "mainnet":
		return types.NetworkMain, nil
	case "testnet", "":
		return types.NetworkTest, nil
	default:
		return 0, fmt.Errorf("unknown network %q", c.Network)
	}
}

func (c *Config) sighashDep() (*types.CellDep, error) {
	raw := c.SighashDepTxHash
	if raw == "" {
		network := c.Network
		if network == "" {
			network = "testnet"
		}
		raw = defaultSighashDeps[network]
	}
	if raw == "" {
		return nil, errors.New("sighash_dep_tx_hash is required")
	}
	return &types.CellDep{
		OutPoint: &types.OutPoint{TxHash: types.Hash(common.HexToHash(raw)), Index: c.SighashDepIndex},
		DepType:  types.DepTypeDepGroup,
	}, nil
}

func withDefaults(c *Config) {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Interval == 0 {
		c.Breaker.Interval = time.Minute
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
}
