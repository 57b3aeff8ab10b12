package ckb

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/nervosnetwork/ckb-sdk-go/v2/address"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/web5fans/micro-pay/internal/ledger"
	mtypes "github.com/web5fans/micro-pay/internal/types"
)

const maxPageSize = 100

// Client talks to a CKB node with the indexer module enabled.
type Client struct {
	rpc     *rpc.Client
	network types.Network
	dep     *types.CellDep
	config  Config
	breaker *gobreaker.CircuitBreaker
	logger  logrus.FieldLogger
}

var _ ledger.Client = (*Client)(nil)

func NewClient(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Client, error) {
	withDefaults(&cfg)
	if cfg.RPCURL == "" {
		return nil, errors.New("ckb rpc_url is required")
	}
	network, err := cfg.network()
	if err != nil {
		return nil, err
	}
	dep, err := cfg.sighashDep()
	if err != nil {
		return nil, err
	}
	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ckb node: %w", err)
	}

	logger = logger.WithField("component", "ckb")
	settings := gobreaker.Settings{
		Name:        "ckb-rpc",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		// A JSON-RPC error is the node answering; only transport failures count against it.
		IsSuccessful: func(err error) bool {
			var rpcErr rpc.Error
			return err == nil || errors.As(err, &rpcErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("ckb circuit breaker state changed")
		},
	}

	return &Client{
		rpc:     rpcClient,
		network: network,
		dep:     dep,
		config:  cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.rpc.CallContext(ctx, result, method, args...)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: ckb node unavailable: %w", mtypes.ErrChain, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &mtypes.TransactionError{
			Code:    strconv.Itoa(rpcErr.ErrorCode()),
			Message: rpcErr.Error(),
			Err:     err,
		}
	}
	return fmt.Errorf("%w: %s: %w", mtypes.ErrChain, method, err)
}

type searchFilter struct {
	ScriptLenRange     []hexutil.Uint64 `json:"script_len_range,omitempty"`
	OutputDataLenRange []hexutil.Uint64 `json:"output_data_len_range,omitempty"`
}

type searchKey struct {
	Script     ledger.JSONScript `json:"script"`
	ScriptType string            `json:"script_type"`
	Filter     *searchFilter     `json:"filter,omitempty"`
	WithData   bool              `json:"with_data"`
}

type indexerCell struct {
	Output     ledger.JSONCellOutput `json:"output"`
	OutputData hexutil.Bytes         `json:"output_data"`
	OutPoint   ledger.JSONOutPoint   `json:"out_point"`
}

type cellsPage struct {
	Objects    []indexerCell `json:"objects"`
	LastCursor string        `json:"last_cursor"`
}

type cellsCapacity struct {
	Capacity hexutil.Uint64 `json:"capacity"`
}

type txWithStatus struct {
	TxStatus struct {
		Status string  `json:"status"`
		Reason *string `json:"reason"`
	} `json:"tx_status"`
}

func (c *Client) LockScript(addr string) (*types.Script, error) {
	a, err := address.Decode(addr)
	if err != nil {
		return nil, mtypes.Validationf("invalid address %q: %v", addr, err)
	}
	if a.Network != c.network {
		return nil, mtypes.Validationf("address %q belongs to another network", addr)
	}
	return a.Script, nil
}

func (c *Client) AddressFromKey(pub *ecdsa.PublicKey) (string, error) {
	a := &address.Address{
		Script: &types.Script{
			CodeHash: types.Hash(sighashCodeHash),
			HashType: types.HashTypeType,
			Args:     ledger.Blake160(crypto.CompressPubkey(pub)),
		},
		Network: c.network,
	}
	encoded, err := a.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	return encoded, nil
}

func (c *Client) CellDeps(lock *types.Script) ([]*types.CellDep, error) {
	if lock.CodeHash != types.Hash(sighashCodeHash) || lock.HashType != types.HashTypeType {
		return nil, fmt.Errorf("%w: lock %s is not secp256k1 sighash", mtypes.ErrUnsupportedCellShape, common.Hash(lock.CodeHash).Hex())
	}
	return []*types.CellDep{c.dep}, nil
}

func (c *Client) Balance(ctx context.Context, addr string) (uint64, error) {
	lock, err := c.LockScript(addr)
	if err != nil {
		return 0, err
	}
	var res *cellsCapacity
	key := searchKey{Script: ledger.ToJSONScript(lock), ScriptType: "lock"}
	if err := c.call(ctx, &res, "get_cells_capacity", key); err != nil {
		return 0, fmt.Errorf("failed to get balance of %s: %w", addr, err)
	}
	if res == nil {
		return 0, nil
	}
	return uint64(res.Capacity), nil
}

func (c *Client) SpendableCells(ctx context.Context, addr string, limit int) ([]*ledger.Cell, error) {
	lock, err := c.LockScript(addr)
	if err != nil {
		return nil, err
	}
	key := searchKey{
		Script:     ledger.ToJSONScript(lock),
		ScriptType: "lock",
		Filter: &searchFilter{
			ScriptLenRange:     []hexutil.Uint64{0, 1},
			OutputDataLenRange: []hexutil.Uint64{0, 1},
		},
		WithData: true,
	}

	var (
		cells  []*ledger.Cell
		cursor *string
	)
	for len(cells) < limit {
		pageSize := min(limit-len(cells), maxPageSize)
		var page cellsPage
		if err := c.call(ctx, &page, "get_cells", key, "asc", hexutil.Uint64(pageSize), cursor); err != nil {
			return nil, fmt.Errorf("failed to get cells of %s: %w", addr, err)
		}
		for i := range page.Objects {
			obj := page.Objects[i]
			data := []byte(obj.OutputData)
			if data == nil {
				data = []byte{}
			}
			cells = append(cells, &ledger.Cell{
				OutPoint: obj.OutPoint.OutPoint(),
				Output:   obj.Output.CellOutput(),
				Data:     data,
			})
		}
		if len(page.Objects) < pageSize || page.LastCursor == "" {
			break
		}
		next := page.LastCursor
		cursor = &next
	}
	return cells, nil
}

func (c *Client) Send(ctx context.Context, tx *types.Transaction) (types.Hash, error) {
	var hash common.Hash
	if err := c.call(ctx, &hash, "send_transaction", ledger.ToJSONTransaction(tx), "passthrough"); err != nil {
		return types.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	c.logger.WithField("tx_hash", hash.Hex()).Info("transaction sent")
	return types.Hash(hash), nil
}

func (c *Client) Status(ctx context.Context, hash types.Hash) (ledger.Status, error) {
	var res *txWithStatus
	if err := c.call(ctx, &res, "get_transaction", common.Hash(hash)); err != nil {
		return "", fmt.Errorf("failed to get transaction %s: %w", ledger.HashHex(hash), err)
	}
	if res == nil {
		return ledger.StatusUnknown, nil
	}
	switch s := ledger.Status(res.TxStatus.Status); s {
	case ledger.StatusPending, ledger.StatusProposed, ledger.StatusCommitted, ledger.StatusUnknown:
		return s, nil
	case ledger.StatusRejected:
		if res.TxStatus.Reason != nil {
			c.logger.WithFields(logrus.Fields{
				"tx_hash": ledger.HashHex(hash),
				"reason":  *res.TxStatus.Reason,
			}).Warn("transaction rejected")
		}
		return s, nil
	default:
		return ledger.StatusUnknown, nil
	}
}
